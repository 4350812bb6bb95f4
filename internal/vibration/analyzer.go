package vibration

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/kitchensentry/internal/config"
)

// Severity classifies an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

const (
	AlertTypeThreshold = "threshold"
	AlertTypeSpike     = "spike"
)

const (
	trendSamples    = 20
	maxStoredAlerts = 100
)

// Alert is a single vibration alert event.
type Alert struct {
	ID        string
	Source    string
	Time      time.Time
	Type      string
	Severity  Severity
	Magnitude float64
	Threshold float64
	Message   string
}

// MarshalJSON emits unix-second timestamps and the alert_type key so the
// stored logs stay compatible with existing downstream consumers.
func (a Alert) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID        string   `json:"id"`
		Source    string   `json:"source"`
		Timestamp float64  `json:"timestamp"`
		Type      string   `json:"alert_type"`
		Severity  Severity `json:"severity"`
		Magnitude float64  `json:"magnitude"`
		Threshold float64  `json:"threshold"`
		Message   string   `json:"message"`
	}{
		ID:        a.ID,
		Source:    a.Source,
		Timestamp: unixSeconds(a.Time),
		Type:      a.Type,
		Severity:  a.Severity,
		Magnitude: a.Magnitude,
		Threshold: a.Threshold,
		Message:   a.Message,
	})
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Stats summarizes the magnitudes currently in the window.
type Stats struct {
	MeanMagnitude   float64 `json:"mean_magnitude"`
	MaxMagnitude    float64 `json:"max_magnitude"`
	MinMagnitude    float64 `json:"min_magnitude"`
	StdDeviation    float64 `json:"std_deviation"`
	RMSValue        float64 `json:"rms_value"`
	PeakToPeak      float64 `json:"peak_to_peak"`
	SampleCount     int     `json:"sample_count"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// AxisStats summarizes a single axis.
type AxisStats struct {
	Mean float64 `json:"mean"`
	Max  float64 `json:"max"`
	Min  float64 `json:"min"`
	Std  float64 `json:"std"`
	RMS  float64 `json:"rms"`
}

// Summary is the compact view used by the status snapshot.
type Summary struct {
	CurrentMagnitude float64 `json:"current_magnitude"`
	MeanMagnitude    float64 `json:"mean_magnitude"`
	MaxMagnitude     float64 `json:"max_magnitude"`
	RMSValue         float64 `json:"rms_value"`
	Trend            string  `json:"trend"`
	IsAbnormal       bool    `json:"is_abnormal"`
	AlertCount       int64   `json:"alert_count"`
	SampleCount      int64   `json:"sample_count"`
}

// Analysis is the full statistics export written into session summaries.
type Analysis struct {
	OverallStats    *Stats                     `json:"overall_stats"`
	AxisStats       map[string]AxisStats       `json:"axis_stats"`
	Trend           string                     `json:"trend"`
	IsAbnormal      bool                       `json:"is_abnormal"`
	TotalSamples    int64                      `json:"total_samples"`
	UptimeSeconds   float64                    `json:"uptime_seconds"`
	RecentAlerts    []Alert                    `json:"recent_alerts"`
	AlertThresholds config.VibrationThresholds `json:"alert_thresholds"`
}

// Analyzer keeps a rolling window of readings and raises threshold and
// spike alerts.
type Analyzer struct {
	mu sync.RWMutex

	window     *Window
	thresholds config.VibrationThresholds
	cooldown   time.Duration

	lastAlertAt  time.Time
	alerts       []Alert
	alertCount   int64
	totalSamples int64
	startTime    time.Time

	logger *zap.Logger
}

// NewAnalyzer creates an analyzer. Zero config fields fall back to the
// standard thresholds, a 100-sample window and a 5 s cooldown.
func NewAnalyzer(cfg config.VibrationConfig) *Analyzer {
	if cfg.WindowSize < 1 {
		cfg.WindowSize = 100
	}
	if cfg.Thresholds == (config.VibrationThresholds{}) {
		cfg.Thresholds = config.VibrationThresholds{Low: 2.0, Medium: 5.0, High: 10.0, Critical: 20.0}
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = 5 * time.Second
	}
	return &Analyzer{
		window:     NewWindow(cfg.WindowSize),
		thresholds: cfg.Thresholds,
		cooldown:   cfg.AlertCooldown,
		startTime:  time.Now(),
		logger:     zap.L().Named("vibration-analyzer"),
	}
}

// AddReading appends a reading to the window and runs the threshold and
// spike checks. It returns the alert raised by this reading, if any.
func (a *Analyzer) AddReading(r Reading) *Alert {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window.Add(r)
	a.totalSamples++

	alert := a.checkThresholds(r)
	if alert == nil {
		alert = a.checkSpike(r)
	}
	if alert != nil {
		a.alerts = append(a.alerts, *alert)
		if len(a.alerts) > maxStoredAlerts {
			a.alerts = append([]Alert(nil), a.alerts[len(a.alerts)-maxStoredAlerts:]...)
		}
		a.alertCount++
		a.lastAlertAt = r.Timestamp
		a.logger.Warn(alert.Message,
			zap.String("severity", string(alert.Severity)),
			zap.Float64("magnitude", alert.Magnitude))
	}
	return alert
}

// checkThresholds matches the magnitude against the severity bands,
// highest first. Caller holds a.mu.
func (a *Analyzer) checkThresholds(r Reading) *Alert {
	var severity Severity
	var threshold float64

	switch {
	case r.Magnitude >= a.thresholds.Critical:
		severity, threshold = SeverityCritical, a.thresholds.Critical
	case r.Magnitude >= a.thresholds.High:
		severity, threshold = SeverityHigh, a.thresholds.High
	case r.Magnitude >= a.thresholds.Medium:
		severity, threshold = SeverityMedium, a.thresholds.Medium
	case r.Magnitude >= a.thresholds.Low:
		severity, threshold = SeverityLow, a.thresholds.Low
	default:
		return nil
	}

	if r.Timestamp.Sub(a.lastAlertAt) <= a.cooldown {
		return nil
	}

	return &Alert{
		ID:        uuid.NewString(),
		Source:    "vibration",
		Time:      r.Timestamp,
		Type:      AlertTypeThreshold,
		Severity:  severity,
		Magnitude: r.Magnitude,
		Threshold: threshold,
		Message: fmt.Sprintf("%s vibration detected: %.2f m/s² (threshold: %.2f)",
			strings.ToUpper(string(severity)), r.Magnitude, threshold),
	}
}

// checkSpike flags a reading that jumps to over three times the window
// average. Caller holds a.mu.
func (a *Analyzer) checkSpike(r Reading) *Alert {
	snap := a.window.Snapshot()
	if len(snap) < 10 {
		return nil
	}

	// Average excludes the reading just appended.
	prev := snap[:len(snap)-1]
	var sum float64
	for _, p := range prev {
		sum += p.Magnitude
	}
	avg := sum / float64(len(prev))

	if r.Magnitude <= avg*3 || avg <= 0.1 {
		return nil
	}
	if r.Timestamp.Sub(a.lastAlertAt) <= a.cooldown {
		return nil
	}

	return &Alert{
		ID:        uuid.NewString(),
		Source:    "vibration",
		Time:      r.Timestamp,
		Type:      AlertTypeSpike,
		Severity:  SeverityHigh,
		Magnitude: r.Magnitude,
		Threshold: avg * 3,
		Message:   fmt.Sprintf("SPIKE detected: %.2f m/s² (3x average: %.2f)", r.Magnitude, avg),
	}
}

// Stats returns window statistics, or nil with fewer than two samples.
func (a *Analyzer) Stats() *Stats {
	snap := a.window.Snapshot()
	if len(snap) < 2 {
		return nil
	}

	mags := make([]float64, len(snap))
	for i, r := range snap {
		mags[i] = r.Magnitude
	}

	mean := meanOf(mags)
	min, max := mags[0], mags[0]
	var sqSum, varSum float64
	for _, m := range mags {
		if m > max {
			max = m
		}
		if m < min {
			min = m
		}
		sqSum += m * m
		d := m - mean
		varSum += d * d
	}

	return &Stats{
		MeanMagnitude:   mean,
		MaxMagnitude:    max,
		MinMagnitude:    min,
		StdDeviation:    math.Sqrt(varSum / float64(len(mags))),
		RMSValue:        math.Sqrt(sqSum / float64(len(mags))),
		PeakToPeak:      max - min,
		SampleCount:     len(mags),
		DurationSeconds: snap[len(snap)-1].Timestamp.Sub(snap[0].Timestamp).Seconds(),
	}
}

// AxisStats returns per-axis statistics, empty with fewer than two samples.
func (a *Analyzer) AxisStats() map[string]AxisStats {
	snap := a.window.Snapshot()
	if len(snap) < 2 {
		return map[string]AxisStats{}
	}

	xs := make([]float64, len(snap))
	ys := make([]float64, len(snap))
	zs := make([]float64, len(snap))
	for i, r := range snap {
		xs[i], ys[i], zs[i] = r.X, r.Y, r.Z
	}

	return map[string]AxisStats{
		"x_axis": axisStatsOf(xs),
		"y_axis": axisStatsOf(ys),
		"z_axis": axisStatsOf(zs),
	}
}

func axisStatsOf(vals []float64) AxisStats {
	mean := meanOf(vals)
	min, max := vals[0], vals[0]
	var sqSum, varSum float64
	for _, v := range vals {
		if v > max {
			max = v
		}
		if v < min {
			min = v
		}
		sqSum += v * v
		d := v - mean
		varSum += d * d
	}
	return AxisStats{
		Mean: mean,
		Max:  max,
		Min:  min,
		Std:  math.Sqrt(varSum / float64(len(vals))),
		RMS:  math.Sqrt(sqSum / float64(len(vals))),
	}
}

func meanOf(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// Trend classifies the recent magnitude slope as "increasing",
// "decreasing", "stable" or "insufficient_data".
func (a *Analyzer) Trend() string {
	recent := a.window.Recent(trendSamples)
	if len(recent) < trendSamples {
		return "insufficient_data"
	}

	ys := make([]float64, len(recent))
	for i, r := range recent {
		ys[i] = r.Magnitude
	}
	slope := linearSlope(ys)

	switch {
	case math.Abs(slope) < 0.01:
		return "stable"
	case slope > 0:
		return "increasing"
	default:
		return "decreasing"
	}
}

// linearSlope fits y = ax + b over x = 0..n-1 by least squares and
// returns a.
func linearSlope(ys []float64) float64 {
	n := float64(len(ys))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// IsAbnormal reports whether any of the last five readings reached the
// medium threshold.
func (a *Analyzer) IsAbnormal() bool {
	recent := a.window.Recent(5)
	for _, r := range recent {
		if r.Magnitude >= a.thresholds.Medium {
			return true
		}
	}
	return false
}

// RecentAlerts returns up to count of the most recent alerts.
func (a *Analyzer) RecentAlerts(count int) []Alert {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if count <= 0 || len(a.alerts) == 0 {
		return nil
	}
	if count > len(a.alerts) {
		count = len(a.alerts)
	}
	out := make([]Alert, count)
	copy(out, a.alerts[len(a.alerts)-count:])
	return out
}

// Summary returns the compact view for the status snapshot.
func (a *Analyzer) Summary() Summary {
	a.mu.RLock()
	alertCount := a.alertCount
	totalSamples := a.totalSamples
	a.mu.RUnlock()

	var current float64
	if last, ok := a.window.Last(); ok {
		current = last.Magnitude
	}

	s := Summary{
		CurrentMagnitude: current,
		Trend:            a.Trend(),
		IsAbnormal:       a.IsAbnormal(),
		AlertCount:       alertCount,
		SampleCount:      totalSamples,
	}
	if stats := a.Stats(); stats != nil {
		s.MeanMagnitude = stats.MeanMagnitude
		s.MaxMagnitude = stats.MaxMagnitude
		s.RMSValue = stats.RMSValue
	}
	return s
}

// Export returns the full statistics block for session summaries.
func (a *Analyzer) Export() Analysis {
	a.mu.RLock()
	totalSamples := a.totalSamples
	uptime := time.Since(a.startTime).Seconds()
	thresholds := a.thresholds
	a.mu.RUnlock()

	recent := a.RecentAlerts(10)
	if recent == nil {
		recent = []Alert{}
	}

	return Analysis{
		OverallStats:    a.Stats(),
		AxisStats:       a.AxisStats(),
		Trend:           a.Trend(),
		IsAbnormal:      a.IsAbnormal(),
		TotalSamples:    totalSamples,
		UptimeSeconds:   uptime,
		RecentAlerts:    recent,
		AlertThresholds: thresholds,
	}
}

// Reset clears the window, alerts and counters for a new session.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window.Clear()
	a.alerts = nil
	a.alertCount = 0
	a.totalSamples = 0
	a.startTime = time.Now()
	a.logger.Info("vibration analyzer reset")
}
