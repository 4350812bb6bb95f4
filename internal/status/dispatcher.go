// Package status aggregates the rig's moving parts into one snapshot and
// fans vibration alerts out to API subscribers, the event store, and the
// email notifier.
package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/kitchensentry/internal/notify"
	"github.com/mikeyg42/kitchensentry/internal/storage"
	"github.com/mikeyg42/kitchensentry/internal/vibration"
)

const (
	defaultRetained  = 100
	subscriberBuffer = 16
	persistTimeout   = 5 * time.Second
)

// AlertSink persists dispatched alerts.
type AlertSink interface {
	SaveAlert(ctx context.Context, a *storage.AlertRecord) error
}

// Dispatcher receives alerts from the vibration pipeline, retains the most
// recent ones, and fans them out. Subscribers that cannot keep up lose
// alerts rather than stalling the sampling loop.
type Dispatcher struct {
	mu       sync.RWMutex
	recent   []vibration.Alert
	retain   int
	subs     map[string]chan vibration.Alert
	dropped  map[string]uint64
	closed   bool
	sink     AlertSink
	notifier notify.Notifier

	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewDispatcher retains up to retain alerts (default 100). sink and
// notifier may be nil.
func NewDispatcher(retain int, sink AlertSink, notifier notify.Notifier) *Dispatcher {
	if retain <= 0 {
		retain = defaultRetained
	}
	return &Dispatcher{
		retain:   retain,
		subs:     make(map[string]chan vibration.Alert),
		dropped:  make(map[string]uint64),
		sink:     sink,
		notifier: notifier,
		logger:   zap.L().Named("alerts"),
	}
}

// Dispatch records and distributes one alert. It never blocks on slow
// consumers; persistence and email run on their own goroutines.
func (d *Dispatcher) Dispatch(a vibration.Alert) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.recent = append(d.recent, a)
	if len(d.recent) > d.retain {
		d.recent = d.recent[len(d.recent)-d.retain:]
	}
	for id, ch := range d.subs {
		select {
		case ch <- a:
		default:
			d.dropped[id]++
		}
	}
	d.mu.Unlock()

	d.logger.Warn("vibration alert",
		zap.String("id", a.ID),
		zap.String("type", a.Type),
		zap.String("severity", string(a.Severity)),
		zap.Float64("magnitude", a.Magnitude))

	if d.sink != nil {
		d.wg.Add(1)
		go d.persist(a)
	}
	if d.notifier != nil && a.Severity == vibration.SeverityCritical {
		d.wg.Add(1)
		go d.email(a)
	}
}

func (d *Dispatcher) persist(a vibration.Alert) {
	defer d.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	rec := &storage.AlertRecord{
		ID:         a.ID,
		Source:     a.Source,
		OccurredAt: a.Time,
		Type:       a.Type,
		Severity:   string(a.Severity),
		Magnitude:  a.Magnitude,
		Threshold:  a.Threshold,
		Message:    a.Message,
	}
	if err := d.sink.SaveAlert(ctx, rec); err != nil {
		d.logger.Error("alert persist failed", zap.String("id", a.ID), zap.Error(err))
	}
}

func (d *Dispatcher) email(a vibration.Alert) {
	defer d.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	subject := fmt.Sprintf("[kitchen-sentry] CRITICAL %s alert", a.Source)
	body := fmt.Sprintf(
		"Time: %s\nType: %s\nSeverity: %s\nMagnitude: %.2f m/s2 (threshold %.2f)\n\n%s\n",
		a.Time.Format(time.RFC3339), a.Type, a.Severity, a.Magnitude, a.Threshold, a.Message)

	if err := d.notifier.Send(ctx, subject, body); err != nil {
		d.logger.Error("alert email failed", zap.String("id", a.ID), zap.Error(err))
	}
}

// Subscribe registers a consumer. The returned channel is buffered; alerts
// beyond its capacity are dropped and counted.
func (d *Dispatcher) Subscribe(id string) (<-chan vibration.Alert, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("dispatcher closed")
	}
	if _, exists := d.subs[id]; exists {
		return nil, fmt.Errorf("subscriber %s already registered", id)
	}
	ch := make(chan vibration.Alert, subscriberBuffer)
	d.subs[id] = ch
	return ch, nil
}

// Unsubscribe removes a consumer and closes its channel.
func (d *Dispatcher) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ch, ok := d.subs[id]; ok {
		delete(d.subs, id)
		close(ch)
	}
}

// Recent returns up to n retained alerts in chronological order.
func (d *Dispatcher) Recent(n int) []vibration.Alert {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if n <= 0 || n > len(d.recent) {
		n = len(d.recent)
	}
	if n == 0 {
		return nil
	}
	out := make([]vibration.Alert, n)
	copy(out, d.recent[len(d.recent)-n:])
	return out
}

// Dropped reports per-subscriber drop counts.
func (d *Dispatcher) Dropped() map[string]uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]uint64, len(d.dropped))
	for id, n := range d.dropped {
		out[id] = n
	}
	return out
}

// Close stops dispatching, closes subscriber channels, and waits for
// in-flight persistence and email work.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for id, ch := range d.subs {
		delete(d.subs, id)
		close(ch)
	}
	d.mu.Unlock()

	d.wg.Wait()
}
