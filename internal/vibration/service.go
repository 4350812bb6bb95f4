package vibration

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/kitchensentry/internal/config"
	"github.com/mikeyg42/kitchensentry/internal/storage"
)

// reopenThreshold is the consecutive read-failure count that triggers a
// sensor reconnect.
const reopenThreshold = 10

// Status is the detailed view served by the vibration API endpoint.
type Status struct {
	Monitoring      bool     `json:"monitoring"`
	SensorConnected bool     `json:"sensor_connected"`
	SessionID       string   `json:"session_id,omitempty"`
	LatestMagnitude *float64 `json:"latest_magnitude,omitempty"`
	Summary         Summary  `json:"summary"`
}

// Service runs the sampling loop: sensor reads feed the analyzer and the
// session log, alerts fan out through the onAlert callback.
type Service struct {
	cfg      config.VibrationConfig
	sensor   Sensor
	analyzer *Analyzer
	guard    *storage.DiskGuard

	onAlert   func(Alert)
	onSession func(sessionID, csvPath, summaryPath string)

	running atomic.Bool
	wg      sync.WaitGroup

	mu      sync.Mutex
	stopCh  chan struct{}
	session *SessionWriter
	latest  *Reading

	logger *zap.Logger
}

// NewService wires the sampling pipeline. guard may be nil to skip the
// disk floor check.
func NewService(cfg config.VibrationConfig, sensor Sensor, guard *storage.DiskGuard) *Service {
	if cfg.SamplingRateHz <= 0 {
		cfg.SamplingRateHz = 10
	}
	return &Service{
		cfg:      cfg,
		sensor:   sensor,
		analyzer: NewAnalyzer(cfg),
		guard:    guard,
		logger:   zap.L().Named("vibration"),
	}
}

// OnAlert registers the alert callback. Set before Start.
func (s *Service) OnAlert(fn func(Alert)) { s.onAlert = fn }

// OnSessionComplete registers the finished-session callback. Set before
// Start.
func (s *Service) OnSessionComplete(fn func(sessionID, csvPath, summaryPath string)) {
	s.onSession = fn
}

// Start opens the sensor, begins a session and launches the sampling loop.
// Starting a running service is a no-op.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("vibration monitoring already running")
		return nil
	}

	if s.guard != nil {
		if err := s.guard.Check(); err != nil {
			s.running.Store(false)
			return fmt.Errorf("vibration session preflight: %w", err)
		}
	}

	open := func() error { return s.sensor.Open() }
	if err := backoff.Retry(open, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)); err != nil {
		s.running.Store(false)
		return fmt.Errorf("opening vibration sensor: %w", err)
	}

	session, err := NewSessionWriter(s.cfg, time.Now())
	if err != nil {
		s.sensor.Close()
		s.running.Store(false)
		return fmt.Errorf("starting vibration session: %w", err)
	}

	stopCh := make(chan struct{})
	s.mu.Lock()
	s.stopCh = stopCh
	s.session = session
	s.latest = nil
	s.mu.Unlock()

	s.wg.Add(1)
	go s.samplingLoop(stopCh, session)

	s.logger.Info("vibration monitoring started",
		zap.String("session", session.ID),
		zap.Float64("rate_hz", s.cfg.SamplingRateHz))
	return nil
}

// Stop joins the sampling loop, finalizes the session and resets the
// analyzer. Stopping a stopped service is a no-op.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.mu.Lock()
	stopCh := s.stopCh
	session := s.session
	s.session = nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.joinTimeout()):
		s.logger.Warn("sampling loop did not stop in time")
	}

	var firstErr error
	if session != nil {
		summaryPath, err := session.Finalize(s.analyzer.Export(), time.Now())
		if err != nil {
			firstErr = fmt.Errorf("finalizing session %s: %w", session.ID, err)
			s.logger.Error("finalizing session", zap.Error(err))
		} else if s.onSession != nil {
			s.onSession(session.ID, session.CSVPath(), summaryPath)
		}
	}

	s.analyzer.Reset()

	if err := s.sensor.Close(); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("closing sensor: %w", err)
		}
		s.logger.Warn("closing sensor", zap.Error(err))
	}

	s.logger.Info("vibration monitoring stopped")
	return firstErr
}

// joinTimeout bounds the shutdown wait at twice the sample interval with a
// two second floor.
func (s *Service) joinTimeout() time.Duration {
	interval := s.sampleInterval()
	if t := 2 * interval; t > 2*time.Second {
		return t
	}
	return 2 * time.Second
}

func (s *Service) sampleInterval() time.Duration {
	return time.Duration(float64(time.Second) / s.cfg.SamplingRateHz)
}

func (s *Service) samplingLoop(stopCh <-chan struct{}, session *SessionWriter) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sampleInterval())
	defer ticker.Stop()

	var failures int
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			reading, err := s.sensor.Read()
			if err != nil {
				failures++
				s.logger.Debug("sensor read failed",
					zap.Error(err), zap.Int("consecutive", failures))
				if failures >= reopenThreshold {
					s.reopenSensor()
					failures = 0
				}
				continue
			}
			failures = 0
			s.handleReading(session, *reading)
		}
	}
}

func (s *Service) handleReading(session *SessionWriter, r Reading) {
	s.mu.Lock()
	s.latest = &r
	s.mu.Unlock()

	if alert := s.analyzer.AddReading(r); alert != nil && s.onAlert != nil {
		s.onAlert(*alert)
	}

	if err := session.WriteReading(r); err != nil {
		s.logger.Warn("writing session row", zap.Error(err))
	}
}

// reopenSensor cycles the connection after repeated read failures.
func (s *Service) reopenSensor() {
	s.logger.Warn("reopening vibration sensor after repeated read failures")
	if err := s.sensor.Close(); err != nil {
		s.logger.Debug("closing sensor before reopen", zap.Error(err))
	}
	open := func() error { return s.sensor.Open() }
	if err := backoff.Retry(open, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)); err != nil {
		s.logger.Error("sensor reopen failed", zap.Error(err))
	}
}

// Running reports whether the sampling loop is active.
func (s *Service) Running() bool { return s.running.Load() }

// Summary returns the analyzer's compact view for the status snapshot.
func (s *Service) Summary() Summary { return s.analyzer.Summary() }

// RecentAlerts returns up to count recent alerts.
func (s *Service) RecentAlerts(count int) []Alert { return s.analyzer.RecentAlerts(count) }

// Analysis returns the full statistics export.
func (s *Service) Analysis() Analysis { return s.analyzer.Export() }

// Status returns the detailed service view.
func (s *Service) Status() Status {
	s.mu.Lock()
	var sessionID string
	if s.session != nil {
		sessionID = s.session.ID
	}
	var latestMag *float64
	if s.latest != nil {
		m := s.latest.Magnitude
		latestMag = &m
	}
	s.mu.Unlock()

	return Status{
		Monitoring:      s.running.Load(),
		SensorConnected: s.sensor.Connected(),
		SessionID:       sessionID,
		LatestMagnitude: latestMag,
		Summary:         s.analyzer.Summary(),
	}
}
