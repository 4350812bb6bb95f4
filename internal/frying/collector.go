// Package frying collects labeled frying-run datasets: timed camera frames,
// fryer temperature logs, and a ground-truth completion mark taken from a
// probe thermometer.
package frying

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/kitchensentry/internal/camera"
	"github.com/mikeyg42/kitchensentry/internal/config"
	"github.com/mikeyg42/kitchensentry/internal/storage"
)

const sensorCSVHeader = "timestamp,elapsed_time,oil_temp,fryer_temp,is_complete\n"

// TemperatureProbe reads the fryer's temperatures at a point in the run.
type TemperatureProbe interface {
	Read(elapsed time.Duration) (oilTemp, fryerTemp float64)
}

// SimulatedProbe models a fryer cooling off after food is dropped in:
// a slow linear decay from the setpoint plus gaussian noise.
type SimulatedProbe struct {
	BaseOilTemp   float64
	BaseFryerTemp float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedProbe returns a probe at the usual 170/175 °C setpoints.
func NewSimulatedProbe() *SimulatedProbe {
	return &SimulatedProbe{
		BaseOilTemp:   170.0,
		BaseFryerTemp: 175.0,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Read returns simulated temperatures for the given time into the run.
func (p *SimulatedProbe) Read(elapsed time.Duration) (float64, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sec := elapsed.Seconds()
	oil := p.BaseOilTemp - sec*0.05 + p.rng.NormFloat64()*0.5
	fryer := p.BaseFryerTemp - sec*0.03 + p.rng.NormFloat64()*0.3
	return oil, fryer
}

// sensorRow is one pending CSV line. Completion labels are retroactive, so
// rows are held until the session ends and labeled at write time.
type sensorRow struct {
	timestamp float64
	elapsed   float64
	oilTemp   float64
	fryerTemp float64
}

// Session describes one finished cooking run and its artifacts.
type Session struct {
	ID             string
	FoodType       string
	StartedAt      time.Time
	EndedAt        time.Time
	Dir            string
	CSVPath        string
	DataPath       string
	FrameCount     int
	ReadingCount   int
	Complete       bool
	CompletionAt   time.Time
	CompletionTemp float64
}

// Status is the collector's view for the status snapshot.
type Status struct {
	Collecting     bool    `json:"collecting"`
	SessionID      string  `json:"session_id,omitempty"`
	FoodType       string  `json:"food_type,omitempty"`
	FrameCount     int     `json:"frame_count"`
	ReadingCount   int     `json:"reading_count"`
	Complete       bool    `json:"complete"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// Collector runs frying dataset sessions. Each Start opens a session
// directory with an images/ subfolder, captures frames and temperature
// readings on independent cadences, and on Stop writes sensor_log.csv and
// session_data.json.
type Collector struct {
	cfg        config.FryingConfig
	probe      TemperatureProbe
	guard      *storage.DiskGuard
	openSource func() (camera.Source, error)

	running atomic.Bool
	wg      sync.WaitGroup

	mu           sync.Mutex
	stopCh       chan struct{}
	source       camera.Source
	foodType     string
	sessionID    string
	sessionDir   string
	startedAt    time.Time
	rows         []sensorRow
	frameCount   int
	completionAt time.Time
	probeTemp    float64

	onSessionComplete func(Session)

	logger *zap.Logger
}

// NewCollector builds a collector. A nil probe falls back to the simulated
// fryer.
func NewCollector(cfg config.FryingConfig, probe TemperatureProbe, guard *storage.DiskGuard) *Collector {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 500 * time.Millisecond
	}
	if cfg.SensorInterval <= 0 {
		cfg.SensorInterval = time.Second
	}
	if cfg.FoodType == "" {
		cfg.FoodType = "unknown"
	}
	if probe == nil {
		probe = NewSimulatedProbe()
	}

	return &Collector{
		cfg:      cfg,
		probe:    probe,
		guard:    guard,
		foodType: cfg.FoodType,
		openSource: func() (camera.Source, error) {
			return camera.OpenDevice(config.CameraConfig{DeviceID: cfg.CameraDeviceID})
		},
		logger: zap.L().Named("frying"),
	}
}

// OnSessionComplete registers the finished-session callback. Set before
// Start.
func (c *Collector) OnSessionComplete(fn func(Session)) { c.onSessionComplete = fn }

// SetFoodType names the food for the next session. No effect on a session
// already underway.
func (c *Collector) SetFoodType(foodType string) {
	if foodType == "" {
		return
	}
	c.mu.Lock()
	c.foodType = foodType
	c.mu.Unlock()
}

// Start opens the camera and begins a new session. Starting a running
// collector is a no-op.
func (c *Collector) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Warn("frying collector already running")
		return nil
	}

	if c.guard != nil {
		if err := c.guard.Check(); err != nil {
			c.running.Store(false)
			return fmt.Errorf("disk preflight: %w", err)
		}
	}

	var src camera.Source
	open := func() error {
		var err error
		src, err = c.openSource()
		return err
	}
	if err := backoff.Retry(open, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)); err != nil {
		c.running.Store(false)
		return fmt.Errorf("opening frying camera: %w", err)
	}

	now := time.Now()
	c.mu.Lock()
	id := fmt.Sprintf("%s_%s", c.foodType, now.Format("20060102_150405"))
	dir := filepath.Join(c.cfg.OutputDir, id)
	c.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(dir, "images"), 0o755); err != nil {
		src.Close()
		c.running.Store(false)
		return fmt.Errorf("creating session directory: %w", err)
	}

	stopCh := make(chan struct{})

	c.mu.Lock()
	c.stopCh = stopCh
	c.source = src
	c.sessionID = id
	c.sessionDir = dir
	c.startedAt = now
	c.rows = nil
	c.frameCount = 0
	c.completionAt = time.Time{}
	c.probeTemp = 0
	c.mu.Unlock()

	c.wg.Add(1)
	go c.collectLoop(stopCh, src)

	c.logger.Info("frying session started",
		zap.String("session", id),
		zap.String("food_type", c.foodType),
		zap.Int("device", c.cfg.CameraDeviceID))
	return nil
}

// Stop ends the session, writes its files, and fires the completion
// callback. Stopping an idle collector is a no-op.
func (c *Collector) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}

	c.mu.Lock()
	stopCh := c.stopCh
	src := c.source
	c.stopCh = nil
	c.source = nil
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.joinTimeout()):
		c.logger.Warn("collection loop did not stop in time")
	}

	if src != nil {
		if err := src.Close(); err != nil {
			c.logger.Warn("closing frying camera", zap.Error(err))
		}
	}

	sess, err := c.finalizeSession(time.Now())
	if err != nil {
		return err
	}

	c.logger.Info("frying session finished",
		zap.String("session", sess.ID),
		zap.Float64("duration_seconds", sess.EndedAt.Sub(sess.StartedAt).Seconds()),
		zap.Int("frames", sess.FrameCount),
		zap.Int("readings", sess.ReadingCount),
		zap.Bool("complete", sess.Complete))

	if c.onSessionComplete != nil {
		c.onSessionComplete(sess)
	}
	return nil
}

// MarkComplete stamps the ground-truth completion point with the probe
// thermometer reading. Rows at or after this instant are labeled complete
// in the sensor log, including rows collected afterwards.
func (c *Collector) MarkComplete(probeTemp float64) error {
	if !c.running.Load() {
		return fmt.Errorf("no frying session in progress")
	}

	c.mu.Lock()
	c.completionAt = time.Now()
	c.probeTemp = probeTemp
	id := c.sessionID
	c.mu.Unlock()

	c.logger.Info("completion marked",
		zap.String("session", id),
		zap.Float64("probe_temp", probeTemp))
	return nil
}

// Running reports whether a session is active.
func (c *Collector) Running() bool { return c.running.Load() }

// Status returns the collector's current state.
func (c *Collector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Collecting:   c.running.Load(),
		FrameCount:   c.frameCount,
		ReadingCount: len(c.rows),
		Complete:     !c.completionAt.IsZero(),
	}
	if st.Collecting {
		st.SessionID = c.sessionID
		st.FoodType = c.foodType
		st.ElapsedSeconds = time.Since(c.startedAt).Seconds()
	}
	return st
}

func (c *Collector) joinTimeout() time.Duration {
	t := 2 * c.cfg.SensorInterval
	if t < 2*time.Second {
		t = 2 * time.Second
	}
	return t
}

func (c *Collector) collectLoop(stopCh <-chan struct{}, src camera.Source) {
	defer c.wg.Done()

	frameTicker := time.NewTicker(c.cfg.FrameInterval)
	defer frameTicker.Stop()
	sensorTicker := time.NewTicker(c.cfg.SensorInterval)
	defer sensorTicker.Stop()

	frame := gocv.NewMat()
	defer frame.Close()

	readFailures := 0
	for {
		select {
		case <-stopCh:
			return
		case <-frameTicker.C:
			if !src.Read(&frame) || frame.Empty() {
				readFailures++
				if readFailures%10 == 0 {
					c.logger.Warn("frying camera read failures", zap.Int("consecutive", readFailures))
				}
				continue
			}
			readFailures = 0
			c.saveFrame(frame)
		case <-sensorTicker.C:
			c.recordReading(time.Now())
		}
	}
}

func (c *Collector) saveFrame(frame gocv.Mat) {
	if c.guard != nil {
		if err := c.guard.Check(); err != nil {
			c.logger.Warn("skipping frame", zap.Error(err))
			return
		}
	}

	c.mu.Lock()
	name := fmt.Sprintf("t%04d.jpg", c.frameCount)
	path := filepath.Join(c.sessionDir, "images", name)
	c.mu.Unlock()

	if ok := gocv.IMWrite(path, frame); !ok {
		c.logger.Warn("frame write failed", zap.String("path", path))
		return
	}

	c.mu.Lock()
	c.frameCount++
	c.mu.Unlock()
}

func (c *Collector) recordReading(now time.Time) {
	c.mu.Lock()
	elapsed := now.Sub(c.startedAt)
	c.mu.Unlock()

	oil, fryer := c.probe.Read(elapsed)

	c.mu.Lock()
	c.rows = append(c.rows, sensorRow{
		timestamp: unixSeconds(now),
		elapsed:   elapsed.Seconds(),
		oilTemp:   oil,
		fryerTemp: fryer,
	})
	c.mu.Unlock()
}

// finalizeSession writes sensor_log.csv and session_data.json and returns
// the session record.
func (c *Collector) finalizeSession(end time.Time) (Session, error) {
	c.mu.Lock()
	sess := Session{
		ID:             c.sessionID,
		FoodType:       c.foodType,
		StartedAt:      c.startedAt,
		EndedAt:        end,
		Dir:            c.sessionDir,
		FrameCount:     c.frameCount,
		ReadingCount:   len(c.rows),
		Complete:       !c.completionAt.IsZero(),
		CompletionAt:   c.completionAt,
		CompletionTemp: c.probeTemp,
	}
	rows := c.rows
	c.rows = nil
	c.sessionID = ""
	c.sessionDir = ""
	c.mu.Unlock()

	sess.CSVPath = filepath.Join(sess.Dir, "sensor_log.csv")
	sess.DataPath = filepath.Join(sess.Dir, "session_data.json")

	if err := writeSensorLog(sess.CSVPath, rows, sess.CompletionAt); err != nil {
		return sess, err
	}
	if err := writeSessionData(sess.DataPath, sess); err != nil {
		return sess, err
	}
	return sess, nil
}

func writeSensorLog(path string, rows []sensorRow, completionAt time.Time) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating sensor log: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(sensorCSVHeader); err != nil {
		return fmt.Errorf("writing sensor log header: %w", err)
	}

	completion := 0.0
	if !completionAt.IsZero() {
		completion = unixSeconds(completionAt)
	}
	for _, r := range rows {
		complete := completion > 0 && r.timestamp >= completion
		_, err := fmt.Fprintf(file, "%.2f,%.2f,%.2f,%.2f,%t\n",
			r.timestamp, r.elapsed, r.oilTemp, r.fryerTemp, complete)
		if err != nil {
			return fmt.Errorf("writing sensor log row: %w", err)
		}
	}
	return nil
}

func writeSessionData(path string, sess Session) error {
	doc := struct {
		SessionID      string   `json:"session_id"`
		FoodType       string   `json:"food_type"`
		StartTime      float64  `json:"start_time"`
		EndTime        float64  `json:"end_time"`
		CompletionTime *float64 `json:"completion_time"`
		ProbeTemp      *float64 `json:"probe_temp"`
		FrameCount     int      `json:"frame_count"`
		ReadingCount   int      `json:"reading_count"`
	}{
		SessionID:    sess.ID,
		FoodType:     sess.FoodType,
		StartTime:    unixSeconds(sess.StartedAt),
		EndTime:      unixSeconds(sess.EndedAt),
		FrameCount:   sess.FrameCount,
		ReadingCount: sess.ReadingCount,
	}
	if sess.Complete {
		ct := unixSeconds(sess.CompletionAt)
		doc.CompletionTime = &ct
		doc.ProbeTemp = &sess.CompletionTemp
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session data: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing session data: %w", err)
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
