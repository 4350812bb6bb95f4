package camera

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/kitchensentry/internal/config"
)

// Source yields frames from a camera or a stand-in used in tests.
type Source interface {
	Read(dst *gocv.Mat) bool
	Close() error
}

// Device wraps a video capture handle.
type Device struct {
	mu sync.Mutex
	vc *gocv.VideoCapture
}

// OpenDevice opens the camera described by cfg and applies its frame size
// and rate before the first read.
func OpenDevice(cfg config.CameraConfig) (*Device, error) {
	vc, err := gocv.OpenVideoCapture(cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("opening camera %d: %w", cfg.DeviceID, err)
	}
	if cfg.Width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	}
	if cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.FrameRate > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(cfg.FrameRate))
	}
	return &Device{vc: vc}, nil
}

// Read grabs the next frame into dst. It returns false when the device is
// closed or stops delivering frames.
func (d *Device) Read(dst *gocv.Mat) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.vc == nil {
		return false
	}
	return d.vc.Read(dst)
}

// Close releases the capture handle. Safe to call more than once.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.vc == nil {
		return nil
	}
	err := d.vc.Close()
	d.vc = nil
	return err
}
