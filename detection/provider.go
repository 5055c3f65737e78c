package detection

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gocv.io/x/gocv"
)

// Global debug function for detection package
var debugMsgFunc func(string, string, ...string)

var debugMsgVerboseFunc func(string, string, ...string)

// SetDebugFunction allows main package to provide debug function
func SetDebugFunction(fn func(string, string, ...string)) {
	debugMsgFunc = fn
}

// SetDebugVerboseFunction allows main package to provide the verbose debug function
func SetDebugVerboseFunction(fn func(string, string, ...string)) {
	debugMsgVerboseFunc = fn
}

// debugMsg is a wrapper that handles nil checks
func debugMsg(component, message string, ids ...string) {
	if debugMsgFunc != nil {
		debugMsgFunc(component, message, ids...)
	}
}

func debugMsgVerbose(component, message string, ids ...string) {
	if debugMsgVerboseFunc != nil {
		debugMsgVerboseFunc(component, message, ids...)
	}
}

// InferenceProvider defines the interface for YOLO inference
type InferenceProvider interface {
	Initialize(cfg ModelConfig) error
	Detect(frame gocv.Mat) ([]Detection, error)
	ClassNames() []string
	Close() error
	GetProviderInfo() ProviderInfo
}

// ProviderInfo contains information about the inference provider
type ProviderInfo struct {
	Type         string        // "GPU" or "CPU"
	Backend      string        // "OpenCV CUDA", "OpenCV CPU"
	Device       string        // Device identifier
	EstimatedFPS int           // Estimated inference FPS
	InitTime     time.Duration // Time taken to initialize
}

// ProviderManager handles automatic provider selection and fallback. It is
// itself the Detector handed to the pipeline.
type ProviderManager struct {
	currentProvider InferenceProvider
	providerInfo    ProviderInfo

	// replaceable for tests
	gpuAvailable func() bool
	newGPU       func() InferenceProvider
	newCPU       func() InferenceProvider
}

// NewProviderManager creates a new provider manager with auto-detection
func NewProviderManager() *ProviderManager {
	return &ProviderManager{
		gpuAvailable: hasGPUCapability,
		newGPU:       func() InferenceProvider { return &GPUProvider{} },
		newCPU:       func() InferenceProvider { return &CPUProvider{} },
	}
}

// LoadModel builds a ProviderManager and initializes it from cfg. Any failure
// is reported as ErrModelLoad.
func LoadModel(cfg ModelConfig) (*ProviderManager, error) {
	pm := NewProviderManager()
	if err := pm.Initialize(cfg); err != nil {
		return nil, err
	}
	return pm, nil
}

// Initialize picks the provider for cfg.Device. "auto" tries the GPU first and
// falls back to CPU when the GPU is absent or its test inference fails.
func (pm *ProviderManager) Initialize(cfg ModelConfig) error {
	device := strings.ToLower(cfg.Device)
	if device == "" {
		device = "auto"
	}
	switch device {
	case "auto", "gpu", "cpu":
	default:
		return fmt.Errorf("%w: unknown device %q", ErrModelLoad, cfg.Device)
	}

	if device != "cpu" {
		if pm.gpuAvailable() {
			debugMsg("PROVIDER", "GPU capability detected, attempting GPU initialization...")
			if err := pm.tryProvider(pm.newGPU(), cfg); err == nil {
				return nil
			} else if device == "gpu" {
				return err
			} else {
				debugMsg("PROVIDER", fmt.Sprintf("GPU initialization failed: %v, falling back to CPU", err))
			}
		} else if device == "gpu" {
			return fmt.Errorf("%w: GPU requested but no usable NVIDIA GPU found", ErrModelLoad)
		} else {
			debugMsg("PROVIDER", "No GPU capability detected")
		}
	}

	debugMsg("PROVIDER", "Initializing CPU provider...")
	if err := pm.tryProvider(pm.newCPU(), cfg); err != nil {
		return err
	}
	return nil
}

// tryProvider initializes p and verifies it with a blank test inference.
func (pm *ProviderManager) tryProvider(p InferenceProvider, cfg ModelConfig) error {
	startTime := time.Now()
	if err := p.Initialize(cfg); err != nil {
		return err
	}
	if err := testProvider(p, cfg.Options.InferenceSize); err != nil {
		p.Close()
		return fmt.Errorf("%w: %s test inference failed: %v", ErrModelLoad, p.GetProviderInfo().Type, err)
	}

	pm.currentProvider = p
	pm.providerInfo = p.GetProviderInfo()
	pm.providerInfo.InitTime = time.Since(startTime)
	debugMsg("PROVIDER", fmt.Sprintf("%s provider initialized (%v)", pm.providerInfo.Type, pm.providerInfo.InitTime))
	return nil
}

// Detect runs the active provider.
func (pm *ProviderManager) Detect(frame gocv.Mat) ([]Detection, error) {
	if pm.currentProvider == nil {
		return nil, fmt.Errorf("%w: no provider initialized", ErrInference)
	}
	return pm.currentProvider.Detect(frame)
}

// ClassNames returns the class names of the active provider.
func (pm *ProviderManager) ClassNames() []string {
	if pm.currentProvider == nil {
		return nil
	}
	return pm.currentProvider.ClassNames()
}

// GetProvider returns the current active provider
func (pm *ProviderManager) GetProvider() InferenceProvider {
	return pm.currentProvider
}

// GetProviderInfo returns information about the current provider
func (pm *ProviderManager) GetProviderInfo() ProviderInfo {
	return pm.providerInfo
}

// Close closes the current provider
func (pm *ProviderManager) Close() error {
	if pm.currentProvider != nil {
		err := pm.currentProvider.Close()
		pm.currentProvider = nil
		return err
	}
	return nil
}

// hasGPUCapability checks if GPU inference is possible
func hasGPUCapability() bool {
	if !hasNVIDIAGPU() {
		debugMsgVerbose("GPU_DETECT", "No NVIDIA GPU detected")
		return false
	}
	if !hasNVIDIADriver() {
		debugMsgVerbose("GPU_DETECT", "NVIDIA drivers not loaded")
		return false
	}
	// CUDA itself is verified by the test inference
	return true
}

// hasNVIDIAGPU checks if NVIDIA GPU is present
func hasNVIDIAGPU() bool {
	cmd := exec.Command("lspci")
	output, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(output)), "nvidia")
}

// hasNVIDIADriver checks if NVIDIA drivers are loaded
func hasNVIDIADriver() bool {
	cmd := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	if err := cmd.Run(); err != nil {
		return false
	}
	matches, _ := filepath.Glob("/dev/nvidia*")
	return len(matches) > 0
}

// testProvider runs one inference on a blank frame. CUDA failures inside
// OpenCV can panic, so they are recovered into an error.
func testProvider(provider InferenceProvider, size int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during test inference: %v", r)
		}
	}()

	testFrame := gocv.NewMatWithSize(size, size, gocv.MatTypeCV8UC3)
	defer testFrame.Close()

	_, err = provider.Detect(testFrame)
	return err
}
