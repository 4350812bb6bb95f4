package camera

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// Preview keeps the most recent frame encoded as JPEG so the HTTP API can
// serve a still without touching the capture pipeline.
type Preview struct {
	mu       sync.RWMutex
	jpeg     []byte
	takenAt  time.Time
	sequence int64

	encodeErrors atomic.Int64
}

func NewPreview() *Preview {
	return &Preview{}
}

// Update re-encodes the frame and replaces the stored preview.
func (p *Preview) Update(frame gocv.Mat, now time.Time) error {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, frame)
	if err != nil {
		p.encodeErrors.Add(1)
		return fmt.Errorf("encoding preview: %w", err)
	}
	defer buf.Close()

	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())

	p.mu.Lock()
	p.jpeg = data
	p.takenAt = now
	p.sequence++
	p.mu.Unlock()
	return nil
}

// Latest returns the stored JPEG and its capture time. The returned slice
// must not be modified. ok is false until the first update lands.
func (p *Preview) Latest() (data []byte, takenAt time.Time, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.jpeg == nil {
		return nil, time.Time{}, false
	}
	return p.jpeg, p.takenAt, true
}

// Sequence returns how many previews have been stored.
func (p *Preview) Sequence() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sequence
}
