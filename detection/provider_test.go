package detection

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

type fakeProvider struct {
	kind    string
	initErr error
	detErr  error
	closed  bool
}

func (f *fakeProvider) Initialize(ModelConfig) error { return f.initErr }
func (f *fakeProvider) Detect(gocv.Mat) ([]Detection, error) {
	return nil, f.detErr
}
func (f *fakeProvider) ClassNames() []string { return []string{f.kind} }
func (f *fakeProvider) Close() error         { f.closed = true; return nil }
func (f *fakeProvider) GetProviderInfo() ProviderInfo {
	return ProviderInfo{Type: f.kind}
}

func newTestManager(gpu bool, gp, cp *fakeProvider) *ProviderManager {
	return &ProviderManager{
		gpuAvailable: func() bool { return gpu },
		newGPU:       func() InferenceProvider { return gp },
		newCPU:       func() InferenceProvider { return cp },
	}
}

func testModelConfig(device string) ModelConfig {
	opts := DefaultOptions()
	opts.InferenceSize = 64
	return ModelConfig{WeightsPath: "model.onnx", Device: device, Options: opts}
}

func TestProviderManager_Selection(t *testing.T) {
	t.Run("auto prefers gpu", func(t *testing.T) {
		pm := newTestManager(true, &fakeProvider{kind: "GPU"}, &fakeProvider{kind: "CPU"})
		require.NoError(t, pm.Initialize(testModelConfig("auto")))
		assert.Equal(t, "GPU", pm.GetProviderInfo().Type)
		assert.Equal(t, []string{"GPU"}, pm.ClassNames())
	})

	t.Run("auto falls back when gpu test inference fails", func(t *testing.T) {
		gp := &fakeProvider{kind: "GPU", detErr: errors.New("cuda")}
		pm := newTestManager(true, gp, &fakeProvider{kind: "CPU"})
		require.NoError(t, pm.Initialize(testModelConfig("auto")))
		assert.Equal(t, "CPU", pm.GetProviderInfo().Type)
		assert.True(t, gp.closed)
	})

	t.Run("cpu skips gpu", func(t *testing.T) {
		pm := newTestManager(true, &fakeProvider{kind: "GPU"}, &fakeProvider{kind: "CPU"})
		require.NoError(t, pm.Initialize(testModelConfig("cpu")))
		assert.Equal(t, "CPU", pm.GetProviderInfo().Type)
	})

	t.Run("gpu required but missing", func(t *testing.T) {
		pm := newTestManager(false, &fakeProvider{kind: "GPU"}, &fakeProvider{kind: "CPU"})
		err := pm.Initialize(testModelConfig("gpu"))
		assert.ErrorIs(t, err, ErrModelLoad)
	})

	t.Run("unknown device", func(t *testing.T) {
		pm := newTestManager(false, nil, nil)
		assert.ErrorIs(t, pm.Initialize(testModelConfig("tpu")), ErrModelLoad)
	})

	t.Run("cpu init failure surfaces", func(t *testing.T) {
		initErr := errors.New("boom")
		pm := newTestManager(false, nil, &fakeProvider{kind: "CPU", initErr: initErr})
		assert.ErrorIs(t, pm.Initialize(testModelConfig("auto")), initErr)
	})
}

func TestProviderManager_DetectWithoutProvider(t *testing.T) {
	pm := NewProviderManager()
	frame := gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC3)
	defer frame.Close()

	_, err := pm.Detect(frame)
	assert.ErrorIs(t, err, ErrInference)
	assert.NoError(t, pm.Close())
}

func TestLoadModel_MissingWeights(t *testing.T) {
	_, err := LoadModel(ModelConfig{WeightsPath: "/nonexistent/best.onnx", Device: "cpu", Options: DefaultOptions()})
	assert.ErrorIs(t, err, ErrModelLoad)
}
