package detection

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// YOLO output rows 0-3 hold the box center and size; class scores start
// at row 4 and person is class 0.
const (
	personScoreRow = 4
	nmsThreshold   = 0.45
)

// Detection is a single detected person in frame coordinates.
type Detection struct {
	Box        image.Rectangle
	Confidence float32
}

// PersonDetector finds people in a frame.
type PersonDetector interface {
	Detect(frame gocv.Mat) ([]Detection, error)
	Close() error
}

// YOLODetector runs a YOLO ONNX model through the OpenCV DNN module on
// the CPU.
type YOLODetector struct {
	mu         sync.Mutex
	net        gocv.Net
	inputSize  int
	confidence float32
}

// NewYOLODetector loads the ONNX model at modelPath. The frame is resized
// to inputSize x inputSize for inference and detections below the
// confidence threshold are discarded.
func NewYOLODetector(modelPath string, inputSize int, confidence float32) (*YOLODetector, error) {
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load model from %s", modelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	if inputSize <= 0 {
		inputSize = 416
	}
	if confidence <= 0 {
		confidence = 0.5
	}
	return &YOLODetector{
		net:        net,
		inputSize:  inputSize,
		confidence: confidence,
	}, nil
}

// Detect runs one forward pass and returns the people found in the frame,
// deduplicated with non-maximum suppression.
func (d *YOLODetector) Detect(frame gocv.Mat) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	blob := gocv.BlobFromImage(frame, 1.0/255.0,
		image.Pt(d.inputSize, d.inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	dims := output.Size()
	if len(dims) != 3 || dims[1] <= personScoreRow {
		return nil, fmt.Errorf("unexpected model output shape %v", dims)
	}
	rows, cols := dims[1], dims[2]

	flat := output.Reshape(1, rows)
	defer flat.Close()

	// The blob resize stretches the frame, so boxes scale back per axis.
	scaleX := float32(frame.Cols()) / float32(d.inputSize)
	scaleY := float32(frame.Rows()) / float32(d.inputSize)

	var boxes []image.Rectangle
	var scores []float32
	for j := 0; j < cols; j++ {
		score := flat.GetFloatAt(personScoreRow, j)
		if score < d.confidence {
			continue
		}
		cx := flat.GetFloatAt(0, j)
		cy := flat.GetFloatAt(1, j)
		w := flat.GetFloatAt(2, j)
		h := flat.GetFloatAt(3, j)
		left := int((cx - w/2) * scaleX)
		top := int((cy - h/2) * scaleY)
		boxes = append(boxes, image.Rect(left, top, left+int(w*scaleX), top+int(h*scaleY)))
		scores = append(scores, score)
	}
	if len(boxes) == 0 {
		return nil, nil
	}

	indices := gocv.NMSBoxes(boxes, scores, d.confidence, nmsThreshold)
	detections := make([]Detection, 0, len(indices))
	for _, idx := range indices {
		detections = append(detections, Detection{
			Box:        boxes[idx],
			Confidence: scores[idx],
		})
	}
	return detections, nil
}

// Close releases the network.
func (d *YOLODetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
