package vibration

import "sync"

// Window maintains a ring buffer of recent readings.
// Oldest reading is overwritten when the buffer is full.
type Window struct {
	mu         sync.RWMutex
	buffer     []Reading
	capacity   int
	writeIndex int
	count      int
}

// NewWindow creates a window with the given capacity.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{
		buffer:   make([]Reading, capacity),
		capacity: capacity,
	}
}

// Add inserts a reading, evicting the oldest when full.
func (w *Window) Add(r Reading) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buffer[w.writeIndex] = r
	w.writeIndex = (w.writeIndex + 1) % w.capacity
	if w.count < w.capacity {
		w.count++
	}
}

// Snapshot returns all readings in chronological order, oldest first.
func (w *Window) Snapshot() []Reading {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.count == 0 {
		return nil
	}

	result := make([]Reading, w.count)
	if w.count < w.capacity {
		copy(result, w.buffer[:w.count])
	} else {
		// Full buffer: oldest entry sits at writeIndex.
		for i := 0; i < w.capacity; i++ {
			result[i] = w.buffer[(w.writeIndex+i)%w.capacity]
		}
	}
	return result
}

// Recent returns the n most recent readings in chronological order.
func (w *Window) Recent(n int) []Reading {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.count == 0 || n <= 0 {
		return nil
	}
	if n > w.count {
		n = w.count
	}

	result := make([]Reading, n)
	for i := 0; i < n; i++ {
		idx := (w.writeIndex - 1 - i + w.capacity) % w.capacity
		result[n-1-i] = w.buffer[idx]
	}
	return result
}

// Last returns the most recent reading, if any.
func (w *Window) Last() (Reading, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.count == 0 {
		return Reading{}, false
	}
	idx := (w.writeIndex - 1 + w.capacity) % w.capacity
	return w.buffer[idx], true
}

// Len returns the number of buffered readings.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.count
}

// Capacity returns the maximum number of readings the window holds.
func (w *Window) Capacity() int {
	return w.capacity
}

// Clear empties the window.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buffer = make([]Reading, w.capacity)
	w.writeIndex = 0
	w.count = 0
}
