// Package notify delivers out-of-band alerts (email) for conditions that
// need a human, with a cooldown so a noisy sensor cannot flood an inbox.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Notifier sends a human-readable alert message.
type Notifier interface {
	Send(ctx context.Context, subject, body string) error
	Close() error
}

// Throttle wraps a Notifier and suppresses sends inside the cooldown
// window. A suppressed send returns nil; only delivery failures surface.
type Throttle struct {
	mu       sync.Mutex
	next     Notifier
	cooldown time.Duration
	lastSend time.Time

	suppressed atomic.Uint64
	logger     *zap.Logger
}

// NewThrottle wraps next with a cooldown gate. A non-positive cooldown
// defaults to five minutes.
func NewThrottle(next Notifier, cooldown time.Duration) *Throttle {
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Throttle{
		next:     next,
		cooldown: cooldown,
		logger:   zap.L().Named("notify"),
	}
}

// Send forwards at most one message per cooldown window. The window opens
// on attempt, not on success, so a failing backend is not hammered.
func (t *Throttle) Send(ctx context.Context, subject, body string) error {
	t.mu.Lock()
	now := time.Now()
	if !t.lastSend.IsZero() && now.Sub(t.lastSend) < t.cooldown {
		t.mu.Unlock()
		t.suppressed.Add(1)
		t.logger.Debug("Notification suppressed by cooldown",
			zap.String("subject", subject),
			zap.Duration("cooldown", t.cooldown))
		return nil
	}
	t.lastSend = now
	t.mu.Unlock()

	return t.next.Send(ctx, subject, body)
}

// Suppressed returns how many sends the cooldown swallowed.
func (t *Throttle) Suppressed() uint64 { return t.suppressed.Load() }

// Close closes the wrapped notifier.
func (t *Throttle) Close() error { return t.next.Close() }
