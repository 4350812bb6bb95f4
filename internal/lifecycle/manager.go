package lifecycle

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// State is a service's lifecycle position.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "stopped"
	}
}

// Service is anything the manager can start and stop. Both calls must be
// idempotent; the manager additionally guarantees it never issues
// overlapping transitions for the same service.
type Service interface {
	Start() error
	Stop() error
}

// Record describes one managed service for the status API.
type Record struct {
	ID           string `json:"service_id"`
	Name         string `json:"name"`
	State        string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type entry struct {
	id   string
	name string
	svc  Service

	// opMu serializes start/stop transitions for this service without
	// blocking transitions of other services.
	opMu sync.Mutex

	mu      sync.Mutex
	state   State
	lastErr string
}

func (e *entry) currentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *entry) record() Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Record{
		ID:           e.id,
		Name:         e.name,
		State:        e.state.String(),
		ErrorMessage: e.lastErr,
	}
}

// TransitionHook observes every state change. It runs on the goroutine
// performing the transition and must not call back into the Manager.
type TransitionHook func(id, name string, from, to State, errMsg string)

// Manager owns named services and moves them through their lifecycle,
// one transition at a time per service. A panicking Start or Stop is
// captured and parks the service in the error state.
type Manager struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry

	onTransition TransitionHook

	logger *zap.Logger
}

func NewManager() *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		logger:  zap.L().Named("lifecycle"),
	}
}

// SetTransitionHook registers the state-change observer. Call before the
// first Start.
func (m *Manager) SetTransitionHook(fn TransitionHook) {
	m.onTransition = fn
}

// Register adds a service under id. The id must be unique; name is the
// human-readable label shown in status listings.
func (m *Manager) Register(id, name string, svc Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; ok {
		return fmt.Errorf("service %q already registered", id)
	}
	m.entries[id] = &entry{id: id, name: name, svc: svc}
	m.order = append(m.order, id)
	return nil
}

func (m *Manager) entry(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[id]
}

// IDs returns the registered service ids in registration order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	return ids
}

// Start moves a service to running and reports whether it is running
// when Start returns. Starting a running service is a warning no-op.
func (m *Manager) Start(id string) bool {
	e := m.entry(id)
	if e == nil {
		m.logger.Warn("unknown service", zap.String("service", id))
		return false
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.currentState() == StateRunning {
		m.logger.Warn("service already running", zap.String("service", id))
		return true
	}
	if e.svc == nil {
		m.transition(e, StateError, "no instance registered")
		return false
	}

	m.transition(e, StateStarting, "")
	if err := invoke(e.svc.Start); err != nil {
		m.logger.Error("service start failed",
			zap.String("service", id), zap.Error(err))
		m.transition(e, StateError, err.Error())
		return false
	}
	m.transition(e, StateRunning, "")
	m.logger.Info("service started",
		zap.String("service", id), zap.String("name", e.name))
	return true
}

// Stop moves a service to stopped and reports whether the service is
// out of the way when Stop returns. Stopping a stopped service is a
// no-op; a service parked in error still has its Stop invoked so it can
// be released or retried.
func (m *Manager) Stop(id string) bool {
	e := m.entry(id)
	if e == nil {
		m.logger.Warn("unknown service", zap.String("service", id))
		return false
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	switch e.currentState() {
	case StateStopped, StateStopping:
		return true
	}
	if e.svc == nil {
		m.transition(e, StateStopped, "")
		return true
	}

	m.transition(e, StateStopping, "")
	if err := invoke(e.svc.Stop); err != nil {
		m.logger.Error("service stop failed",
			zap.String("service", id), zap.Error(err))
		m.transition(e, StateError, err.Error())
		return false
	}
	m.transition(e, StateStopped, "")
	m.logger.Info("service stopped", zap.String("service", id))
	return true
}

// StartAll starts every registered service in registration order. It
// attempts all of them even when one fails and reports whether every
// service ended up running.
func (m *Manager) StartAll() bool {
	ok := true
	for _, id := range m.IDs() {
		if !m.Start(id) {
			ok = false
		}
	}
	return ok
}

// StopAll stops every service in reverse registration order and reports
// whether all stops succeeded.
func (m *Manager) StopAll() bool {
	ids := m.IDs()
	ok := true
	for i := len(ids) - 1; i >= 0; i-- {
		if !m.Stop(ids[i]) {
			ok = false
		}
	}
	return ok
}

// StatusOf returns the record for one service.
func (m *Manager) StatusOf(id string) (Record, bool) {
	e := m.entry(id)
	if e == nil {
		return Record{}, false
	}
	return e.record(), true
}

// AllStatuses returns records in registration order.
func (m *Manager) AllStatuses() []Record {
	ids := m.IDs()
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		if e := m.entry(id); e != nil {
			records = append(records, e.record())
		}
	}
	return records
}

// AnyRunning reports whether at least one service is running.
func (m *Manager) AnyRunning() bool {
	for _, id := range m.IDs() {
		if e := m.entry(id); e != nil && e.currentState() == StateRunning {
			return true
		}
	}
	return false
}

func (m *Manager) transition(e *entry, to State, errMsg string) {
	e.mu.Lock()
	from := e.state
	e.state = to
	e.lastErr = errMsg
	e.mu.Unlock()

	if m.onTransition != nil {
		m.onTransition(e.id, e.name, from, to, errMsg)
	}
}

func invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
