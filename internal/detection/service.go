package detection

import (
	"fmt"
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

const (
	previewInterval      = 500 * time.Millisecond
	readFailureThreshold = 30
	readRetryDelay       = 100 * time.Millisecond
)

// PowerPublisher pushes power commands to the robot's control channel.
type PowerPublisher interface {
	PowerOn() error
	PowerOff() error
}

// SnapshotArchiver receives the path of every snapshot written to disk.
type SnapshotArchiver interface {
	ArchiveSnapshot(path string)
}

// Status is the camera service snapshot for the status API.
type Status struct {
	Monitoring    bool       `json:"monitoring"`
	DetectorReady bool       `json:"detector_ready"`
	MotionFrames  int64      `json:"motion_frames"`
	MotionEvents  int64      `json:"motion_events"`
	Gate          GateStatus `json:"gate"`
}

// Service owns the camera and runs every frame through the detectors and
// the gate, carrying out whatever action the gate returns.
type Service struct {
	detectCfg config.DetectionConfig
	camCfg    config.CameraConfig

	gate    *Gate
	power   PowerPublisher
	guard   *storage.DiskGuard
	preview *camera.Preview

	openSource func() (camera.Source, error)

	running atomic.Bool
	wg      sync.WaitGroup

	mu            sync.Mutex
	stopCh        chan struct{}
	source        camera.Source
	person        PersonDetector
	motion        *MotionDetector
	detectorReady bool

	archiver SnapshotArchiver

	logger *zap.Logger
}

// NewService builds the camera monitoring service. power may be nil, in
// which case power commands are only logged.
func NewService(detectCfg config.DetectionConfig, camCfg config.CameraConfig, power PowerPublisher, guard *storage.DiskGuard) (*Service, error) {
	gate, err := NewGate(detectCfg)
	if err != nil {
		return nil, err
	}
	return &Service{
		detectCfg: detectCfg,
		camCfg:    camCfg,
		gate:      gate,
		power:     power,
		guard:     guard,
		preview:   camera.NewPreview(),
		openSource: func() (camera.Source, error) {
			return camera.OpenDevice(camCfg)
		},
		logger: zap.L().Named("camera"),
	}, nil
}

// SetArchiver registers the snapshot archiver. Call before Start.
func (s *Service) SetArchiver(a SnapshotArchiver) {
	s.archiver = a
}

// Preview exposes the latest-frame store for the HTTP API.
func (s *Service) Preview() *camera.Preview {
	return s.preview
}

// Start opens the camera and launches the capture loop. Starting an
// already running service is a no-op. A missing or broken person model
// does not fail startup; the gate idles and frames only feed the preview
// until the service is restarted with a working model.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("camera monitoring already running")
		return nil
	}

	if s.guard != nil {
		if err := s.guard.Check(); err != nil {
			s.running.Store(false)
			return fmt.Errorf("disk preflight: %w", err)
		}
	}

	var src camera.Source
	open := func() error {
		var err error
		src, err = s.openSource()
		return err
	}
	if err := backoff.Retry(open, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)); err != nil {
		s.running.Store(false)
		return fmt.Errorf("opening camera: %w", err)
	}

	person, err := NewYOLODetector(s.detectCfg.ModelPath, s.detectCfg.InputSize, s.detectCfg.Confidence)
	if err != nil {
		s.logger.Warn("person detector unavailable, gate is idle",
			zap.String("model", s.detectCfg.ModelPath), zap.Error(err))
	}

	stopCh := make(chan struct{})

	s.mu.Lock()
	s.source = src
	if person != nil {
		s.person = person
		s.detectorReady = true
	} else {
		s.person = nil
		s.detectorReady = false
	}
	s.motion = NewMotionDetector(s.detectCfg.MotionMinArea)
	s.stopCh = stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.captureLoop(stopCh, src)

	s.logger.Info("camera monitoring started",
		zap.Int("device", s.camCfg.DeviceID),
		zap.Bool("person_detector", person != nil))
	return nil
}

// Stop halts the capture loop and releases the camera and detectors.
// Stopping an already stopped service is a no-op.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.mu.Lock()
	stopCh := s.stopCh
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
	case <-time.After(5 * time.Second):
		s.logger.Warn("capture loop did not stop in time")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source != nil {
		if err := s.source.Close(); err != nil {
			s.logger.Warn("closing camera", zap.Error(err))
		}
		s.source = nil
	}
	if s.person != nil {
		if err := s.person.Close(); err != nil {
			s.logger.Warn("closing person detector", zap.Error(err))
		}
		s.person = nil
		s.detectorReady = false
	}
	if s.motion != nil {
		if err := s.motion.Close(); err != nil {
			s.logger.Warn("closing motion detector", zap.Error(err))
		}
		s.motion = nil
	}

	s.logger.Info("camera monitoring stopped")
	return nil
}

// Running reports whether the capture loop is active.
func (s *Service) Running() bool {
	return s.running.Load()
}

// GateStatus reports the gate snapshot on its own.
func (s *Service) GateStatus() GateStatus {
	return s.gate.Status(time.Now())
}

// Status reports the service state for the status API.
func (s *Service) Status() Status {
	s.mu.Lock()
	ready := s.detectorReady
	md := s.motion
	s.mu.Unlock()

	st := Status{
		Monitoring:    s.running.Load(),
		DetectorReady: ready,
		Gate:          s.gate.Status(time.Now()),
	}
	if md != nil {
		st.MotionFrames, st.MotionEvents = md.Stats()
	}
	return st
}

func (s *Service) captureLoop(stopCh chan struct{}, src camera.Source) {
	defer s.wg.Done()

	frame := gocv.NewMat()
	defer frame.Close()

	var lastPreview time.Time
	readFailures := 0

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if !src.Read(&frame) || frame.Empty() {
			readFailures++
			if readFailures >= readFailureThreshold {
				s.logger.Error("camera stopped delivering frames, reopening")
				if fresh, err := s.openSource(); err != nil {
					s.logger.Error("camera reopen failed", zap.Error(err))
				} else {
					src.Close()
					src = fresh
					s.mu.Lock()
					s.source = fresh
					s.mu.Unlock()
				}
				readFailures = 0
			}
			select {
			case <-stopCh:
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}
		readFailures = 0

		lastPreview = s.processFrame(frame, time.Now(), lastPreview)
	}
}

func (s *Service) processFrame(frame gocv.Mat, now time.Time, lastPreview time.Time) time.Time {
	s.mu.Lock()
	pd := s.person
	md := s.motion
	ready := s.detectorReady
	s.mu.Unlock()

	// Without the person model the gate cannot tell an empty kitchen from
	// a blind one, so frames bypass the gate and only feed the preview.
	if ready {
		person := false
		if pd != nil && s.gate.NeedsPerson(now) {
			detections, err := pd.Detect(frame)
			if err != nil {
				s.logger.Warn("person detection failed", zap.Error(err))
			}
			person = len(detections) > 0
		}

		motion := false
		if md != nil && s.gate.NeedsMotion(now) {
			m, err := md.Detect(frame)
			if err != nil {
				s.logger.Warn("motion detection failed", zap.Error(err))
			}
			motion = m
		}

		switch s.gate.OnFrame(person, motion, now) {
		case ActionPowerOn:
			s.publishPower(true)
		case ActionPowerOff:
			s.publishPower(false)
		case ActionSaveSnapshot:
			s.saveSnapshot(frame, now)
		}
	}

	if now.Sub(lastPreview) >= previewInterval {
		if err := s.preview.Update(frame, now); err != nil {
			s.logger.Warn("preview update failed", zap.Error(err))
		}
		return now
	}
	return lastPreview
}

func (s *Service) publishPower(on bool) {
	if s.power == nil {
		s.logger.Info("power command skipped, no publisher configured", zap.Bool("on", on))
		return
	}
	var err error
	if on {
		err = s.power.PowerOn()
	} else {
		err = s.power.PowerOff()
	}
	if err != nil {
		s.logger.Error("power command failed", zap.Bool("on", on), zap.Error(err))
	}
}

// saveSnapshot writes the frame under a per-day directory named by local
// date, with the local clock time as the file name.
func (s *Service) saveSnapshot(frame gocv.Mat, now time.Time) {
	if s.guard != nil {
		if err := s.guard.Check(); err != nil {
			s.logger.Warn("skipping snapshot", zap.Error(err))
			return
		}
	}

	dir := filepath.Join(s.detectCfg.SnapshotDir, now.Format("20060102"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Error("creating snapshot directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	path := filepath.Join(dir, now.Format("150405")+".jpg")
	if ok := gocv.IMWrite(path, frame); !ok {
		s.logger.Error("writing snapshot failed", zap.String("path", path))
		return
	}

	s.logger.Info("snapshot saved", zap.String("path", path))
	if s.archiver != nil {
		s.archiver.ArchiveSnapshot(path)
	}
}
