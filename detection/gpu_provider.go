package detection

import (
	"gocv.io/x/gocv"
)

// GPUProvider implements YOLO inference using OpenCV CUDA backend
type GPUProvider struct {
	netModel
}

// Initialize loads the network and asks OpenCV for the CUDA backend. Whether
// CUDA really works is only known after a test inference.
func (gp *GPUProvider) Initialize(cfg ModelConfig) error {
	if err := gp.load(cfg); err != nil {
		return err
	}
	gp.net.SetPreferableBackend(gocv.NetBackendCUDA)
	gp.net.SetPreferableTarget(gocv.NetTargetCUDA)
	return nil
}

// Detect performs object detection on a frame using GPU
func (gp *GPUProvider) Detect(frame gocv.Mat) ([]Detection, error) {
	return gp.detect(frame)
}

// ClassNames returns the loaded class names, possibly empty.
func (gp *GPUProvider) ClassNames() []string {
	return gp.classNames
}

// Close releases resources used by the GPU provider
func (gp *GPUProvider) Close() error {
	return gp.close()
}

// GetProviderInfo returns information about the GPU provider
func (gp *GPUProvider) GetProviderInfo() ProviderInfo {
	return ProviderInfo{
		Type:         "GPU",
		Backend:      "OpenCV CUDA",
		Device:       "NVIDIA GPU",
		EstimatedFPS: 60,
	}
}
