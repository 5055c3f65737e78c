package detection

import (
	"fmt"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

// ModelConfig names the model artifacts and post-processing options.
type ModelConfig struct {
	WeightsPath string // .onnx, or Darknet .weights with ConfigPath
	ConfigPath  string
	NamesPath   string // optional, one class per line
	Device      string // "auto", "gpu" or "cpu"
	Options     Options
}

// netModel is the shared core of the CPU and GPU providers.
type netModel struct {
	net        gocv.Net
	classNames []string
	opts       Options
	mu         sync.Mutex
	loaded     bool
}

// load reads the network and class names. Backend selection is left to the
// caller.
func (m *netModel) load(cfg ModelConfig) error {
	if err := cfg.Options.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	if _, err := os.Stat(cfg.WeightsPath); err != nil {
		return fmt.Errorf("%w: model file not found: %s", ErrModelLoad, cfg.WeightsPath)
	}
	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("%w: model config not found: %s", ErrModelLoad, cfg.ConfigPath)
		}
	}

	var names []string
	if cfg.NamesPath != "" {
		var err error
		if names, err = LoadClassNames(cfg.NamesPath); err != nil {
			return err
		}
	}

	net := gocv.ReadNet(cfg.WeightsPath, cfg.ConfigPath)
	if net.Empty() {
		net.Close()
		return fmt.Errorf("%w: failed to load network from %s", ErrModelLoad, cfg.WeightsPath)
	}

	m.net = net
	m.classNames = names
	m.opts = cfg.Options
	m.loaded = true
	return nil
}

// detect runs one forward pass and post-processes the output.
func (m *netModel) detect(frame gocv.Mat) ([]Detection, error) {
	if err := validateFrame(frame); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		return nil, fmt.Errorf("%w: network not initialized", ErrInference)
	}

	lb := NewLetterbox(frame.Cols(), frame.Rows(), m.opts.InferenceSize)
	blob := createLetterboxBlob(frame, lb)
	defer blob.Close()

	m.net.SetInput(blob, "")
	output := m.net.Forward("")
	defer output.Close()

	if output.Empty() {
		return nil, fmt.Errorf("%w: network returned empty output", ErrInference)
	}
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("%w: reading output: %v", ErrInference, err)
	}

	cands, err := DecodeOutput(data, output.Size(), len(m.classNames), m.opts.ConfidenceThreshold)
	if err != nil {
		return nil, err
	}
	kept := NonMaxSuppression(cands, m.opts.IoUThreshold, m.opts.MaxDetections)

	debugMsgVerbose("DETECT", fmt.Sprintf("%d candidates -> %d after NMS (conf>%.2f iou>%.2f)",
		len(cands), len(kept), m.opts.ConfidenceThreshold, m.opts.IoUThreshold))

	return toDetections(kept, lb), nil
}

func (m *netModel) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return nil
	}
	m.loaded = false
	return m.net.Close()
}
