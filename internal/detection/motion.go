package detection

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// Background subtraction tuning. Shadows are detected so the binary
// threshold can cut them out of the foreground mask.
const (
	mog2History      = 500
	mog2VarThreshold = 16
	binaryThreshold  = 200
)

// MotionDetector flags frames whose foreground blobs reach a minimum
// contour area. The background model carries over between frames, so one
// detector instance must see the whole stream.
type MotionDetector struct {
	mu      sync.Mutex
	mog2    gocv.BackgroundSubtractorMOG2
	kernel  gocv.Mat
	minArea float64
	closed  bool

	framesProcessed int64
	motionEvents    int64
}

// NewMotionDetector creates a detector that ignores foreground regions
// smaller than minArea pixels.
func NewMotionDetector(minArea int) *MotionDetector {
	if minArea <= 0 {
		minArea = 1500
	}
	return &MotionDetector{
		mog2:    gocv.NewBackgroundSubtractorMOG2WithParams(mog2History, mog2VarThreshold, true),
		kernel:  gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(3, 3)),
		minArea: float64(minArea),
	}
}

// Detect updates the background model with the frame and reports whether
// any foreground contour is at least the minimum area.
func (d *MotionDetector) Detect(frame gocv.Mat) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false, fmt.Errorf("motion detector is closed")
	}
	if frame.Empty() {
		return false, fmt.Errorf("empty frame")
	}

	fgMask := gocv.NewMat()
	defer fgMask.Close()
	d.mog2.Apply(frame, &fgMask)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(fgMask, &thresh, binaryThreshold, 255, gocv.ThresholdBinary)

	clean := gocv.NewMat()
	defer clean.Close()
	gocv.MorphologyEx(thresh, &clean, gocv.MorphOpen, d.kernel)

	contours := gocv.FindContours(clean, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	detected := false
	for i := 0; i < contours.Size(); i++ {
		if gocv.ContourArea(contours.At(i)) >= d.minArea {
			detected = true
			break
		}
	}

	d.framesProcessed++
	if detected {
		d.motionEvents++
	}
	return detected, nil
}

// Stats returns how many frames were processed and how many had motion.
func (d *MotionDetector) Stats() (frames, events int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.framesProcessed, d.motionEvents
}

// Close releases the background model and the morphology kernel.
func (d *MotionDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if err := d.kernel.Close(); err != nil {
		return fmt.Errorf("closing kernel: %w", err)
	}
	return d.mog2.Close()
}
