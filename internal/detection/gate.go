package detection

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/kitchensentry/internal/config"
)

// Action is the gate's verdict for a single frame.
type Action int

const (
	ActionNone Action = iota
	ActionPowerOn
	ActionPowerOff
	ActionSaveSnapshot
)

func (a Action) String() string {
	switch a {
	case ActionPowerOn:
		return "power_on"
	case ActionPowerOff:
		return "power_off"
	case ActionSaveSnapshot:
		return "save_snapshot"
	default:
		return "none"
	}
}

// Gate decides, frame by frame, what the rig should do with the robot's
// power line and the snapshot store. During the day it waits for a person
// to stay in view long enough and then powers the robot on, once. At night
// it first gives people a fixed window to clear out (powering off when the
// window lapses), then watches the empty kitchen for motion and requests
// snapshots of anything that moves.
type Gate struct {
	dayStartHour, dayStartMinute int
	dayEndHour, dayEndMinute     int
	forceMode                    string
	hold                         time.Duration
	nightCheck                   time.Duration
	warmupFrames                 int
	saveCooldown                 time.Duration

	mu          sync.Mutex
	initialized bool
	prevDay     bool

	holdActive  bool
	holdStart   time.Time
	onTriggered bool

	nightCheckActive bool
	noPersonDeadline time.Time
	offTriggered     bool
	warmupLeft       int
	lastSnapshotAt   time.Time

	frames       int64
	snapshots    int64
	lastAction   Action
	lastActionAt time.Time

	logger *zap.Logger
}

// GateStatus is a point-in-time snapshot of the gate, shaped for the
// status API.
type GateStatus struct {
	Mode                string  `json:"mode"`
	Stage               string  `json:"stage"`
	OnTriggered         bool    `json:"on_triggered"`
	OffTriggered        bool    `json:"off_triggered"`
	HoldSeconds         float64 `json:"hold_seconds"`
	NightCheckRemaining float64 `json:"night_check_remaining,omitempty"`
	WarmupRemaining     int     `json:"warmup_remaining"`
	FramesSeen          int64   `json:"frames_seen"`
	SnapshotsTaken      int64   `json:"snapshots_taken"`
	LastAction          string  `json:"last_action"`
	LastActionAt        float64 `json:"last_action_at,omitempty"`
}

// NewGate builds a gate from the detection settings. The day window is
// inclusive on both ends and compared against local clock time.
func NewGate(cfg config.DetectionConfig) (*Gate, error) {
	startHour, startMinute, err := config.ParseClock(cfg.DayStart)
	if err != nil {
		return nil, fmt.Errorf("day_start: %w", err)
	}
	endHour, endMinute, err := config.ParseClock(cfg.DayEnd)
	if err != nil {
		return nil, fmt.Errorf("day_end: %w", err)
	}
	switch cfg.ForceMode {
	case "", "auto", "day", "night":
	default:
		return nil, fmt.Errorf("unknown force_mode %q", cfg.ForceMode)
	}

	if cfg.HoldSeconds <= 0 {
		cfg.HoldSeconds = 30
	}
	if cfg.NightCheckMinutes <= 0 {
		cfg.NightCheckMinutes = 10
	}
	if cfg.WarmupFrames < 0 {
		cfg.WarmupFrames = 0
	}
	if cfg.SaveCooldownSeconds <= 0 {
		cfg.SaveCooldownSeconds = 10
	}

	return &Gate{
		dayStartHour:   startHour,
		dayStartMinute: startMinute,
		dayEndHour:     endHour,
		dayEndMinute:   endMinute,
		forceMode:      cfg.ForceMode,
		hold:           time.Duration(cfg.HoldSeconds) * time.Second,
		nightCheck:     time.Duration(cfg.NightCheckMinutes) * time.Minute,
		warmupFrames:   cfg.WarmupFrames,
		saveCooldown:   time.Duration(cfg.SaveCooldownSeconds) * time.Second,
		logger:         zap.L().Named("gate"),
	}, nil
}

// OnFrame feeds one frame's detector verdicts through the state machine
// and returns the action the caller must carry out. At most one action is
// returned per frame.
func (g *Gate) OnFrame(personDetected, motionDetected bool, now time.Time) Action {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.frames++
	day := g.isDay(now)

	if !g.initialized {
		g.initialized = true
		g.prevDay = day
		if !day {
			// Booting straight into night arms the person check the same
			// way a day-to-night transition does.
			g.nightCheckActive = true
			g.noPersonDeadline = now.Add(g.nightCheck)
			g.warmupLeft = g.warmupFrames
		}
	}

	switch {
	case g.prevDay && !day:
		g.nightCheckActive = true
		g.noPersonDeadline = now.Add(g.nightCheck)
		g.holdActive = false
		g.offTriggered = false
		g.logger.Info("night mode started",
			zap.Duration("person_check_window", g.nightCheck))
	case !g.prevDay && day:
		g.onTriggered = false
		g.holdActive = false
		g.nightCheckActive = false
		g.noPersonDeadline = time.Time{}
		g.offTriggered = false
		g.logger.Info("day mode started")
	}
	g.prevDay = day

	if day {
		return g.dayFrame(personDetected, now)
	}
	return g.nightFrame(personDetected, motionDetected, now)
}

// dayFrame waits for continuous presence. The hold timer starts on the
// first frame with a person and resets the moment a frame has none, so
// only an unbroken run of sightings can power the robot on.
func (g *Gate) dayFrame(person bool, now time.Time) Action {
	if !person {
		g.holdActive = false
		return ActionNone
	}
	if !g.holdActive {
		g.holdActive = true
		g.holdStart = now
		return ActionNone
	}
	if now.Sub(g.holdStart) >= g.hold && !g.onTriggered {
		g.onTriggered = true
		g.lastAction = ActionPowerOn
		g.lastActionAt = now
		g.logger.Info("person presence held, powering on",
			zap.Duration("held", now.Sub(g.holdStart)))
		return ActionPowerOn
	}
	return ActionNone
}

func (g *Gate) nightFrame(person, motion bool, now time.Time) Action {
	if g.nightCheckActive {
		if person {
			g.noPersonDeadline = now.Add(g.nightCheck)
		}
		if !now.Before(g.noPersonDeadline) {
			action := ActionNone
			if !g.offTriggered {
				g.offTriggered = true
				action = ActionPowerOff
				g.lastAction = ActionPowerOff
				g.lastActionAt = now
				g.logger.Info("kitchen clear, powering off")
			}
			g.nightCheckActive = false
			g.noPersonDeadline = time.Time{}
			g.warmupLeft = g.warmupFrames
			g.logger.Info("watching for motion",
				zap.Int("warmup_frames", g.warmupLeft))
			return action
		}
		return ActionNone
	}

	if g.warmupLeft > 0 {
		g.warmupLeft--
		return ActionNone
	}
	if !motion {
		return ActionNone
	}
	if !g.lastSnapshotAt.IsZero() && now.Sub(g.lastSnapshotAt) < g.saveCooldown {
		return ActionNone
	}
	g.lastSnapshotAt = now
	g.snapshots++
	g.lastAction = ActionSaveSnapshot
	g.lastActionAt = now
	return ActionSaveSnapshot
}

func (g *Gate) isDay(now time.Time) bool {
	switch g.forceMode {
	case "day":
		return true
	case "night":
		return false
	}
	start := time.Date(now.Year(), now.Month(), now.Day(),
		g.dayStartHour, g.dayStartMinute, 0, 0, now.Location())
	end := time.Date(now.Year(), now.Month(), now.Day(),
		g.dayEndHour, g.dayEndMinute, 0, 0, now.Location())
	return !now.Before(start) && !now.After(end)
}

// NeedsPerson reports whether the next frame should run person detection.
// Person detection drives the day hold and the night person check but is
// wasted work while the gate only watches for motion.
func (g *Gate) NeedsPerson(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.initialized {
		// The first frame feeds either the day hold or the boot-armed
		// night check, both of which consume person verdicts.
		return true
	}
	return g.prevDay || g.nightCheckActive
}

// NeedsMotion reports whether the next frame should run motion detection.
// Motion input is only consumed while night watching is past its warmup.
func (g *Gate) NeedsMotion(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.initialized {
		return false
	}
	return !g.prevDay && !g.nightCheckActive && g.warmupLeft == 0
}

// Status reports the gate's current mode, stage and counters.
func (g *Gate) Status(now time.Time) GateStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	day := g.prevDay
	if !g.initialized {
		day = g.isDay(now)
	}

	st := GateStatus{
		OnTriggered:     g.onTriggered,
		OffTriggered:    g.offTriggered,
		WarmupRemaining: g.warmupLeft,
		FramesSeen:      g.frames,
		SnapshotsTaken:  g.snapshots,
		LastAction:      g.lastAction.String(),
	}
	if day {
		st.Mode = "day"
		st.Stage = "person_hold"
		if g.holdActive {
			st.HoldSeconds = now.Sub(g.holdStart).Seconds()
		}
	} else {
		st.Mode = "night"
		if g.nightCheckActive {
			st.Stage = "person_check"
			if remain := g.noPersonDeadline.Sub(now).Seconds(); remain > 0 {
				st.NightCheckRemaining = remain
			}
		} else {
			st.Stage = "motion_watch"
		}
	}
	if !g.lastActionAt.IsZero() {
		st.LastActionAt = float64(g.lastActionAt.UnixNano()) / float64(time.Second)
	}
	return st
}
