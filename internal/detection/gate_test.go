package detection

import (
	"testing"
	"time"

	"github.com/mikeyg42/kitchensentry/internal/config"
)

func gateConfig() config.DetectionConfig {
	return config.DetectionConfig{
		DayStart:            "08:00",
		DayEnd:              "20:00",
		ForceMode:           "auto",
		HoldSeconds:         30,
		NightCheckMinutes:   10,
		WarmupFrames:        3,
		MotionMinArea:       1500,
		SaveCooldownSeconds: 10,
	}
}

func newTestGate(t *testing.T, cfg config.DetectionConfig) *Gate {
	t.Helper()
	g, err := NewGate(cfg)
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	return g
}

func TestDayHoldPowersOnOnce(t *testing.T) {
	g := newTestGate(t, gateConfig())
	base := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

	if got := g.OnFrame(true, false, base); got != ActionNone {
		t.Fatalf("First detection frame: got %v, want %v", got, ActionNone)
	}
	if got := g.OnFrame(true, false, base.Add(29*time.Second)); got != ActionNone {
		t.Fatalf("Hold not yet satisfied: got %v, want %v", got, ActionNone)
	}
	if got := g.OnFrame(true, false, base.Add(30*time.Second)); got != ActionPowerOn {
		t.Fatalf("Hold satisfied: got %v, want %v", got, ActionPowerOn)
	}

	// The trigger is latched for the rest of the day.
	if got := g.OnFrame(true, false, base.Add(31*time.Second)); got != ActionNone {
		t.Fatalf("Continued presence after trigger: got %v, want %v", got, ActionNone)
	}
	g.OnFrame(false, false, base.Add(40*time.Second))
	g.OnFrame(true, false, base.Add(41*time.Second))
	if got := g.OnFrame(true, false, base.Add(80*time.Second)); got != ActionNone {
		t.Fatalf("Second hold same day: got %v, want %v", got, ActionNone)
	}

	st := g.Status(base.Add(80 * time.Second))
	if !st.OnTriggered {
		t.Fatalf("Status.OnTriggered = false, want true")
	}
	if st.LastAction != "power_on" {
		t.Fatalf("Status.LastAction = %q, want %q", st.LastAction, "power_on")
	}
}

func TestDayHoldResetsOnAbsence(t *testing.T) {
	g := newTestGate(t, gateConfig())
	base := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

	g.OnFrame(true, false, base)
	g.OnFrame(true, false, base.Add(20*time.Second))
	// One empty frame breaks the run.
	g.OnFrame(false, false, base.Add(25*time.Second))
	g.OnFrame(true, false, base.Add(26*time.Second))

	if got := g.OnFrame(true, false, base.Add(50*time.Second)); got != ActionNone {
		t.Fatalf("24s into restarted hold: got %v, want %v", got, ActionNone)
	}
	if got := g.OnFrame(true, false, base.Add(56*time.Second)); got != ActionPowerOn {
		t.Fatalf("30s into restarted hold: got %v, want %v", got, ActionPowerOn)
	}
}

func TestNightSequence(t *testing.T) {
	cfg := gateConfig()
	cfg.NightCheckMinutes = 1
	g := newTestGate(t, cfg)

	day := time.Date(2025, time.March, 10, 19, 59, 0, 0, time.UTC)
	g.OnFrame(false, false, day)

	night := time.Date(2025, time.March, 10, 20, 0, 1, 0, time.UTC)
	if got := g.OnFrame(false, false, night); got != ActionNone {
		t.Fatalf("Night entry frame: got %v, want %v", got, ActionNone)
	}
	st := g.Status(night)
	if st.Mode != "night" || st.Stage != "person_check" {
		t.Fatalf("After night entry: mode=%q stage=%q, want night/person_check", st.Mode, st.Stage)
	}

	// A sighting pushes the no-person deadline forward by the full window.
	g.OnFrame(true, false, night.Add(30*time.Second))

	if got := g.OnFrame(false, false, night.Add(89*time.Second)); got != ActionNone {
		t.Fatalf("Just before deadline: got %v, want %v", got, ActionNone)
	}
	if got := g.OnFrame(false, false, night.Add(90*time.Second)); got != ActionPowerOff {
		t.Fatalf("Deadline reached: got %v, want %v", got, ActionPowerOff)
	}

	st = g.Status(night.Add(90 * time.Second))
	if st.Stage != "motion_watch" {
		t.Fatalf("After power off: stage=%q, want motion_watch", st.Stage)
	}
	if !st.OffTriggered {
		t.Fatalf("Status.OffTriggered = false, want true")
	}

	// Warmup frames ignore motion.
	for i := 0; i < 3; i++ {
		at := night.Add(time.Duration(91+i) * time.Second)
		if got := g.OnFrame(false, true, at); got != ActionNone {
			t.Fatalf("Warmup frame %d: got %v, want %v", i, got, ActionNone)
		}
	}
	if got := g.OnFrame(false, true, night.Add(94*time.Second)); got != ActionSaveSnapshot {
		t.Fatalf("First motion after warmup: got %v, want %v", got, ActionSaveSnapshot)
	}

	// Snapshots respect the cooldown.
	if got := g.OnFrame(false, true, night.Add(99*time.Second)); got != ActionNone {
		t.Fatalf("Motion inside cooldown: got %v, want %v", got, ActionNone)
	}
	if got := g.OnFrame(false, true, night.Add(104*time.Second)); got != ActionSaveSnapshot {
		t.Fatalf("Motion after cooldown: got %v, want %v", got, ActionSaveSnapshot)
	}

	st = g.Status(night.Add(104 * time.Second))
	if st.SnapshotsTaken != 2 {
		t.Fatalf("Status.SnapshotsTaken = %d, want 2", st.SnapshotsTaken)
	}
}

func TestNightBootArmsPersonCheck(t *testing.T) {
	cfg := gateConfig()
	cfg.NightCheckMinutes = 1
	cfg.WarmupFrames = 2
	g := newTestGate(t, cfg)

	// The first ever frame lands mid-night: the person check must run
	// before anything powers off or snapshots.
	night := time.Date(2025, time.March, 10, 23, 0, 0, 0, time.UTC)
	if got := g.OnFrame(false, true, night); got != ActionNone {
		t.Fatalf("Boot frame: got %v, want %v", got, ActionNone)
	}
	st := g.Status(night)
	if st.Mode != "night" || st.Stage != "person_check" {
		t.Fatalf("After night boot: mode=%q stage=%q, want night/person_check", st.Mode, st.Stage)
	}

	// A sighting pushes the deadline out; motion during the check never
	// snapshots.
	g.OnFrame(true, false, night.Add(30*time.Second))
	if got := g.OnFrame(false, true, night.Add(60*time.Second)); got != ActionNone {
		t.Fatalf("Inside pushed deadline: got %v, want %v", got, ActionNone)
	}

	if got := g.OnFrame(false, false, night.Add(90*time.Second)); got != ActionPowerOff {
		t.Fatalf("Deadline reached: got %v, want %v", got, ActionPowerOff)
	}
	st = g.Status(night.Add(90 * time.Second))
	if !st.OffTriggered {
		t.Fatalf("Status.OffTriggered = false, want true")
	}
	if st.Stage != "motion_watch" {
		t.Fatalf("Stage = %q, want motion_watch", st.Stage)
	}
}

func TestNewDayClearsLatch(t *testing.T) {
	cfg := gateConfig()
	cfg.NightCheckMinutes = 1
	g := newTestGate(t, cfg)

	dayOne := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	g.OnFrame(true, false, dayOne)
	if got := g.OnFrame(true, false, dayOne.Add(30*time.Second)); got != ActionPowerOn {
		t.Fatalf("Day one trigger: got %v, want %v", got, ActionPowerOn)
	}

	night := time.Date(2025, time.March, 10, 21, 0, 0, 0, time.UTC)
	g.OnFrame(false, false, night)
	if got := g.OnFrame(false, false, night.Add(61*time.Second)); got != ActionPowerOff {
		t.Fatalf("Night power off: got %v, want %v", got, ActionPowerOff)
	}

	dayTwo := time.Date(2025, time.March, 11, 9, 0, 0, 0, time.UTC)
	g.OnFrame(true, false, dayTwo)
	if got := g.OnFrame(true, false, dayTwo.Add(30*time.Second)); got != ActionPowerOn {
		t.Fatalf("Day two trigger: got %v, want %v", got, ActionPowerOn)
	}
}

func TestDayWindowInclusive(t *testing.T) {
	g := newTestGate(t, gateConfig())

	cases := []struct {
		name string
		at   time.Time
		day  bool
	}{
		{"Start boundary", time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC), true},
		{"End boundary", time.Date(2025, time.March, 10, 20, 0, 0, 0, time.UTC), true},
		{"Just past end", time.Date(2025, time.March, 10, 20, 0, 1, 0, time.UTC), false},
		{"Just before start", time.Date(2025, time.March, 10, 7, 59, 59, 0, time.UTC), false},
		{"Midday", time.Date(2025, time.March, 10, 13, 30, 0, 0, time.UTC), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := g.isDay(tc.at); got != tc.day {
				t.Fatalf("isDay(%v) = %v, want %v", tc.at, got, tc.day)
			}
		})
	}
}

func TestForceMode(t *testing.T) {
	noon := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	midnight := time.Date(2025, time.March, 10, 0, 30, 0, 0, time.UTC)

	t.Run("Night override at noon", func(t *testing.T) {
		cfg := gateConfig()
		cfg.ForceMode = "night"
		cfg.WarmupFrames = 0
		g := newTestGate(t, cfg)

		if got := g.OnFrame(false, true, noon); got != ActionSaveSnapshot {
			t.Fatalf("Forced night motion: got %v, want %v", got, ActionSaveSnapshot)
		}
		if st := g.Status(noon); st.Mode != "night" {
			t.Fatalf("Mode = %q, want night", st.Mode)
		}
	})

	t.Run("Day override at midnight", func(t *testing.T) {
		cfg := gateConfig()
		cfg.ForceMode = "day"
		g := newTestGate(t, cfg)

		g.OnFrame(true, false, midnight)
		if got := g.OnFrame(true, false, midnight.Add(30*time.Second)); got != ActionPowerOn {
			t.Fatalf("Forced day hold: got %v, want %v", got, ActionPowerOn)
		}
	})

	t.Run("Unknown mode rejected", func(t *testing.T) {
		cfg := gateConfig()
		cfg.ForceMode = "dusk"
		if _, err := NewGate(cfg); err == nil {
			t.Fatalf("NewGate accepted force_mode %q", cfg.ForceMode)
		}
	})
}

func TestDetectorDemand(t *testing.T) {
	cfg := gateConfig()
	cfg.NightCheckMinutes = 1
	cfg.WarmupFrames = 1
	g := newTestGate(t, cfg)

	noon := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	if !g.NeedsPerson(noon) {
		t.Fatalf("Day frames should run person detection")
	}
	if g.NeedsMotion(noon) {
		t.Fatalf("Motion detection should be idle before night watching")
	}
	g.OnFrame(false, false, noon)

	night := time.Date(2025, time.March, 10, 20, 0, 1, 0, time.UTC)
	g.OnFrame(false, false, night)
	if !g.NeedsPerson(night.Add(time.Second)) {
		t.Fatalf("Person check should run person detection")
	}
	if g.NeedsMotion(night.Add(time.Second)) {
		t.Fatalf("Motion detection should be idle during the person check")
	}

	// Deadline lapse moves the gate into motion watching behind warmup.
	g.OnFrame(false, false, night.Add(61*time.Second))
	if g.NeedsPerson(night.Add(62 * time.Second)) {
		t.Fatalf("Motion watch should not run person detection")
	}
	if g.NeedsMotion(night.Add(62 * time.Second)) {
		t.Fatalf("Warmup frames should not run motion detection")
	}

	g.OnFrame(false, false, night.Add(62*time.Second))
	if !g.NeedsMotion(night.Add(63 * time.Second)) {
		t.Fatalf("Motion watch past warmup should run motion detection")
	}
}
