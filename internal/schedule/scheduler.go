package schedule

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/kitchensentry/internal/config"
)

// StartFunc starts the monitored services, reporting success.
type StartFunc func() bool

// StopFunc stops the monitored services, reporting success.
type StopFunc func() bool

// ScheduleInfo is the configured window as shown in status responses.
type ScheduleInfo struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	EnabledDays []int  `json:"enabled_days"`
}

// Status is the scheduler snapshot for the status API.
type Status struct {
	SchedulerRunning  bool         `json:"scheduler_running"`
	IsWorkTime        bool         `json:"is_work_time"`
	ServicesStarted   bool         `json:"services_started"`
	ManualOverride    bool         `json:"manual_override"`
	AutoStartEnabled  bool         `json:"auto_start_enabled"`
	AutoStopEnabled   bool         `json:"auto_stop_enabled"`
	Schedule          ScheduleInfo `json:"schedule"`
	MinutesUntilStart *int         `json:"minutes_until_start"`
	MinutesUntilEnd   *int         `json:"minutes_until_end"`
	CurrentTime       string       `json:"current_time"`
}

// Scheduler starts and stops the monitoring services around the
// configured work hours. Days use time.Weekday numbering (0=Sunday). A
// window whose end is before its start wraps past midnight. Manual
// override freezes automatic transitions until it is lifted.
type Scheduler struct {
	pollInterval time.Duration
	grace        time.Duration
	autoStart    bool
	autoStop     bool

	startFn StartFunc
	stopFn  StopFunc

	running atomic.Bool
	wg      sync.WaitGroup

	mu              sync.Mutex
	stopCh          chan struct{}
	startHour       int
	startMinute     int
	endHour         int
	endMinute       int
	enabledDays     []int
	override        bool
	servicesStarted bool
	idleSince       time.Time

	logger *zap.Logger
}

// NewScheduler builds a scheduler around the given callbacks. Both are
// required.
func NewScheduler(cfg config.ScheduleConfig, start StartFunc, stop StopFunc) (*Scheduler, error) {
	if start == nil || stop == nil {
		return nil, fmt.Errorf("start and stop callbacks are required")
	}
	startHour, startMinute, err := config.ParseClock(cfg.WorkStart)
	if err != nil {
		return nil, fmt.Errorf("work_start: %w", err)
	}
	endHour, endMinute, err := config.ParseClock(cfg.WorkEnd)
	if err != nil {
		return nil, fmt.Errorf("work_end: %w", err)
	}

	days := cfg.EnabledDays
	if len(days) == 0 {
		days = []int{0, 1, 2, 3, 4, 5, 6}
	}
	for _, d := range days {
		if d < 0 || d > 6 {
			return nil, fmt.Errorf("enabled day %d out of range", d)
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.GracePeriodMinutes < 0 {
		cfg.GracePeriodMinutes = 0
	}

	s := &Scheduler{
		pollInterval: cfg.PollInterval,
		grace:        time.Duration(cfg.GracePeriodMinutes) * time.Minute,
		autoStart:    cfg.AutoStart,
		autoStop:     cfg.AutoStop,
		startFn:      start,
		stopFn:       stop,
		startHour:    startHour,
		startMinute:  startMinute,
		endHour:      endHour,
		endMinute:    endMinute,
		enabledDays:  append([]int(nil), days...),
		logger:       zap.L().Named("scheduler"),
	}
	s.logger.Info("work scheduler initialized",
		zap.String("start", fmt.Sprintf("%02d:%02d", startHour, startMinute)),
		zap.String("end", fmt.Sprintf("%02d:%02d", endHour, endMinute)),
		zap.Ints("enabled_days", days))
	return s, nil
}

// Start launches the polling loop. The first check runs immediately.
func (s *Scheduler) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("scheduler already running")
		return nil
	}

	stopCh := make(chan struct{})
	s.mu.Lock()
	s.stopCh = stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(stopCh)

	s.logger.Info("work scheduler started")
	return nil
}

// Stop halts the polling loop. Services the scheduler started keep
// running; only the automatic transitions stop.
func (s *Scheduler) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.mu.Lock()
	stopCh := s.stopCh
	s.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}
	s.wg.Wait()

	s.logger.Info("work scheduler stopped")
	return nil
}

func (s *Scheduler) loop(stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.Tick(time.Now())
	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick applies at most one automatic transition for the given instant.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.override {
		return
	}

	if s.isWorkTimeLocked(now) {
		s.idleSince = time.Time{}
		if !s.servicesStarted && s.autoStart {
			s.logger.Info("work hours started, starting services")
			if s.startFn() {
				s.servicesStarted = true
			} else {
				s.logger.Error("failed to start services")
			}
		}
		return
	}

	if s.servicesStarted && s.autoStop {
		if s.idleSince.IsZero() {
			s.idleSince = now
		}
		if now.Sub(s.idleSince) >= s.grace {
			s.logger.Info("work hours ended, stopping services")
			if !s.stopFn() {
				s.logger.Error("failed to stop some services")
			}
			s.servicesStarted = false
			s.idleSince = time.Time{}
		}
	}
}

// IsWorkTime reports whether now falls on an enabled day inside the work
// window, both ends inclusive.
func (s *Scheduler) IsWorkTime(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isWorkTimeLocked(now)
}

func (s *Scheduler) isWorkTimeLocked(now time.Time) bool {
	if !containsDay(s.enabledDays, int(now.Weekday())) {
		return false
	}

	cur := time.Duration(now.Hour())*time.Hour +
		time.Duration(now.Minute())*time.Minute +
		time.Duration(now.Second())*time.Second
	start := time.Duration(s.startHour)*time.Hour + time.Duration(s.startMinute)*time.Minute
	end := time.Duration(s.endHour)*time.Hour + time.Duration(s.endMinute)*time.Minute

	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

// MinutesUntilStart reports whole minutes until the next work start, or
// nil while inside work hours.
func (s *Scheduler) MinutesUntilStart(now time.Time) *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minutesUntilStartLocked(now)
}

func (s *Scheduler) minutesUntilStartLocked(now time.Time) *int {
	if s.isWorkTimeLocked(now) {
		return nil
	}
	cur := now.Hour()*60 + now.Minute()
	start := s.startHour*60 + s.startMinute
	var m int
	if start > cur {
		m = start - cur
	} else {
		m = 24*60 - cur + start
	}
	return &m
}

// MinutesUntilEnd reports whole minutes until the work window closes, or
// nil outside work hours.
func (s *Scheduler) MinutesUntilEnd(now time.Time) *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minutesUntilEndLocked(now)
}

func (s *Scheduler) minutesUntilEndLocked(now time.Time) *int {
	if !s.isWorkTimeLocked(now) {
		return nil
	}
	cur := now.Hour()*60 + now.Minute()
	end := s.endHour*60 + s.endMinute
	var m int
	if end > cur {
		m = end - cur
	} else {
		m = 24*60 - cur + end
	}
	return &m
}

// EnableOverride freezes automatic scheduling.
func (s *Scheduler) EnableOverride() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.override = true
	s.logger.Info("manual override enabled")
}

// DisableOverride resumes automatic scheduling.
func (s *Scheduler) DisableOverride() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.override = false
	s.idleSince = time.Time{}
	s.logger.Info("manual override disabled")
}

// ForceStart enables manual override and starts the services now.
func (s *Scheduler) ForceStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.override = true
	s.logger.Info("manual override enabled")
	if s.startFn() {
		s.servicesStarted = true
		s.logger.Info("services manually started")
		return true
	}
	s.logger.Error("manual start failed")
	return false
}

// ForceStop enables manual override and stops the services now.
func (s *Scheduler) ForceStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.override = true
	s.logger.Info("manual override enabled")
	ok := s.stopFn()
	s.servicesStarted = false
	s.logger.Info("services manually stopped")
	return ok
}

// Status reports the scheduler state as of now.
func (s *Scheduler) Status(now time.Time) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		SchedulerRunning: s.running.Load(),
		IsWorkTime:       s.isWorkTimeLocked(now),
		ServicesStarted:  s.servicesStarted,
		ManualOverride:   s.override,
		AutoStartEnabled: s.autoStart,
		AutoStopEnabled:  s.autoStop,
		Schedule: ScheduleInfo{
			Start:       fmt.Sprintf("%02d:%02d", s.startHour, s.startMinute),
			End:         fmt.Sprintf("%02d:%02d", s.endHour, s.endMinute),
			EnabledDays: append([]int(nil), s.enabledDays...),
		},
		MinutesUntilStart: s.minutesUntilStartLocked(now),
		MinutesUntilEnd:   s.minutesUntilEndLocked(now),
		CurrentTime:       now.Format("15:04:05"),
	}
}

// UpdateSchedule changes the work window in place. Empty strings keep
// the current start or end; a nil slice keeps the current day set. The
// whole update is validated before any of it is applied.
func (s *Scheduler) UpdateSchedule(start, end string, enabledDays []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	startHour, startMinute := s.startHour, s.startMinute
	endHour, endMinute := s.endHour, s.endMinute

	if start != "" {
		h, m, err := config.ParseClock(start)
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		startHour, startMinute = h, m
	}
	if end != "" {
		h, m, err := config.ParseClock(end)
		if err != nil {
			return fmt.Errorf("end: %w", err)
		}
		endHour, endMinute = h, m
	}
	if enabledDays != nil {
		for _, d := range enabledDays {
			if d < 0 || d > 6 {
				return fmt.Errorf("enabled day %d out of range", d)
			}
		}
		s.enabledDays = append([]int(nil), enabledDays...)
	}
	s.startHour, s.startMinute = startHour, startMinute
	s.endHour, s.endMinute = endHour, endMinute

	s.logger.Info("schedule updated",
		zap.String("start", fmt.Sprintf("%02d:%02d", s.startHour, s.startMinute)),
		zap.String("end", fmt.Sprintf("%02d:%02d", s.endHour, s.endMinute)),
		zap.Ints("enabled_days", s.enabledDays))
	return nil
}

func containsDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
