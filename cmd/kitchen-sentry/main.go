// Command kitchen-sentry runs the unattended kitchen monitoring rig:
// person-gated robot power over MQTT, vibration monitoring with session
// logs, a frying dataset collector, and an HTTP control surface.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/kitchensentry/internal/api"
	"github.com/mikeyg42/kitchensentry/internal/config"
	"github.com/mikeyg42/kitchensentry/internal/detection"
	"github.com/mikeyg42/kitchensentry/internal/frying"
	"github.com/mikeyg42/kitchensentry/internal/lifecycle"
	"github.com/mikeyg42/kitchensentry/internal/mqtt"
	"github.com/mikeyg42/kitchensentry/internal/notify"
	"github.com/mikeyg42/kitchensentry/internal/schedule"
	"github.com/mikeyg42/kitchensentry/internal/sentrylog"
	"github.com/mikeyg42/kitchensentry/internal/status"
	"github.com/mikeyg42/kitchensentry/internal/storage"
	"github.com/mikeyg42/kitchensentry/internal/vibration"
)

// Application holds the rig's wired components.
type Application struct {
	cfg    *config.Config
	logger *zap.Logger

	publisher  *mqtt.Publisher
	archiver   *storage.Archiver
	eventStore *storage.EventStore
	notifier   notify.Notifier
	dispatcher *status.Dispatcher

	detection *detection.Service
	vibration *vibration.Service
	frying    *frying.Collector

	manager    *lifecycle.Manager
	scheduler  *schedule.Scheduler
	aggregator *status.Aggregator
	apiServer  *api.Server
}

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	foodType := flag.String("food-type", "", "food type label for frying sessions")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *foodType != "" {
		cfg.Frying.FoodType = *foodType
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, flush, err := sentrylog.Init(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer flush()

	app, err := NewApplication(cfg)
	if err != nil {
		logger.Fatal("building application", zap.Error(err))
	}

	app.Run()
}

// NewApplication wires every component. Optional backends (MQTT, MinIO,
// Postgres, email) that fail to come up are disabled with a warning; only
// broken core configuration aborts startup.
func NewApplication(cfg *config.Config) (*Application, error) {
	app := &Application{
		cfg:    cfg,
		logger: zap.L().Named("app"),
	}

	if cfg.MQTT.Enabled {
		publisher := mqtt.NewPublisher(cfg.MQTT)
		if err := publisher.Connect(); err != nil {
			app.logger.Warn("MQTT disabled, broker unreachable", zap.Error(err))
		} else {
			app.publisher = publisher
		}
	}

	if cfg.Storage.MinIO.Enabled {
		archiver, err := storage.NewArchiver(cfg.Storage.MinIO)
		if err != nil {
			app.logger.Warn("snapshot archival disabled", zap.Error(err))
		} else {
			app.archiver = archiver
		}
	}

	if cfg.Storage.Postgres.Enabled {
		store, err := storage.NewEventStore(cfg.Storage.Postgres)
		if err != nil {
			app.logger.Warn("event persistence disabled", zap.Error(err))
		} else {
			app.eventStore = store
		}
	}

	if cfg.Notify.Enabled {
		// The OAuth client keeps this context for later token refreshes,
		// so it must outlive the constructor.
		mailer, err := notify.NewGmailNotifier(context.Background(), cfg.Notify)
		if err != nil {
			app.logger.Warn("email notifications disabled", zap.Error(err))
		} else {
			app.notifier = notify.NewThrottle(mailer, cfg.Notify.Cooldown)
		}
	}

	var sink status.AlertSink
	if app.eventStore != nil {
		sink = app.eventStore
	}
	app.dispatcher = status.NewDispatcher(0, sink, app.notifier)

	guard := func(path string) *storage.DiskGuard {
		return &storage.DiskGuard{Path: path, MinFreeMB: cfg.Storage.MinFreeDiskMB}
	}

	var power detection.PowerPublisher
	if app.publisher != nil {
		power = app.publisher
	}
	detSvc, err := detection.NewService(cfg.Detection, cfg.Camera, power, guard(cfg.Detection.SnapshotDir))
	if err != nil {
		return nil, err
	}
	if app.archiver != nil {
		detSvc.SetArchiver(app.archiver)
	}
	app.detection = detSvc

	if cfg.Vibration.Enabled {
		sensor, err := vibration.NewSensor(cfg.Vibration)
		if err != nil {
			return nil, err
		}
		vibSvc := vibration.NewService(cfg.Vibration, sensor, guard(cfg.Vibration.OutputDir))
		vibSvc.OnAlert(app.dispatcher.Dispatch)
		vibSvc.OnSessionComplete(app.onVibrationSession)
		app.vibration = vibSvc
	}

	if cfg.Frying.Enabled {
		collector := frying.NewCollector(cfg.Frying, nil, guard(cfg.Frying.OutputDir))
		collector.OnSessionComplete(app.onFryingSession)
		app.frying = collector
	}

	app.manager = lifecycle.NewManager()
	if app.eventStore != nil {
		app.manager.SetTransitionHook(app.onTransition)
	}
	if err := app.manager.Register("camera", "Camera Monitoring", detSvc); err != nil {
		return nil, err
	}
	if app.vibration != nil {
		if err := app.manager.Register("vibration", "Vibration Monitoring", app.vibration); err != nil {
			return nil, err
		}
	}
	if app.frying != nil {
		if err := app.manager.Register("frying", "Frying AI Monitoring", app.frying); err != nil {
			return nil, err
		}
	}

	app.scheduler, err = schedule.NewScheduler(cfg.Schedule, app.manager.StartAll, app.manager.StopAll)
	if err != nil {
		return nil, err
	}

	sources := status.Sources{
		Manager:   app.manager,
		Scheduler: app.scheduler.Status,
		Detection: detSvc.Status,
		DiskPath:  cfg.Service.DataDir,
	}
	if app.vibration != nil {
		sources.Vibration = app.vibration.Status
	}
	if app.frying != nil {
		sources.Frying = app.frying.Status
	}
	if app.archiver != nil {
		sources.Archive = app.archiver.Metrics
	}
	app.aggregator = status.NewAggregator(sources, app.dispatcher)

	if cfg.API.Enabled {
		deps := api.Deps{
			Aggregator: app.aggregator,
			Dispatcher: app.dispatcher,
			Manager:    app.manager,
			Scheduler:  app.scheduler,
			Camera:     detSvc,
		}
		if app.vibration != nil {
			deps.Vibration = app.vibration
		}
		if app.frying != nil {
			deps.Frying = app.frying
		}
		if app.eventStore != nil {
			deps.Events = app.eventStore
		}
		if app.archiver != nil {
			deps.Archive = app.archiver
		}
		app.apiServer = api.NewServer(cfg.API, deps)
	}

	return app, nil
}

// Run brings the rig up and blocks until SIGINT or SIGTERM.
func (app *Application) Run() {
	if app.apiServer != nil {
		app.apiServer.StartInBackground()
	}
	if err := app.scheduler.Start(); err != nil {
		app.logger.Error("starting scheduler", zap.Error(err))
	}
	app.aggregator.MarkInitialized()
	app.logger.Info("kitchen sentry ready",
		zap.Strings("services", app.manager.IDs()),
		zap.Bool("mqtt", app.publisher != nil),
		zap.Bool("archival", app.archiver != nil),
		zap.Bool("persistence", app.eventStore != nil),
		zap.Bool("email", app.notifier != nil))

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	app.logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	app.Shutdown()
}

// Shutdown stops intake first (API, scheduler), then the services, then
// drains the dispatcher and backends.
func (app *Application) Shutdown() {
	timeout := app.cfg.Service.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if app.apiServer != nil {
		if err := app.apiServer.Shutdown(ctx); err != nil {
			app.logger.Warn("API shutdown", zap.Error(err))
		}
	}
	if err := app.scheduler.Stop(); err != nil {
		app.logger.Warn("scheduler shutdown", zap.Error(err))
	}
	app.manager.StopAll()
	app.dispatcher.Close()

	if app.archiver != nil {
		if err := app.archiver.Close(); err != nil {
			app.logger.Warn("archive drain", zap.Error(err))
		}
	}
	if app.eventStore != nil {
		if err := app.eventStore.Close(); err != nil {
			app.logger.Warn("closing event store", zap.Error(err))
		}
	}
	if app.notifier != nil {
		if err := app.notifier.Close(); err != nil {
			app.logger.Warn("closing notifier", zap.Error(err))
		}
	}
	if app.publisher != nil {
		app.publisher.Close()
	}
	app.logger.Info("kitchen sentry stopped")
}

// onVibrationSession archives the finished session's files and records it.
// It runs inside the vibration service's Stop, before the analyzer resets,
// so the summary still reflects the session.
func (app *Application) onVibrationSession(sessionID, csvPath, summaryPath string) {
	if app.archiver != nil {
		app.archiver.ArchiveSessionFiles(sessionID, csvPath, summaryPath)
	}
	if app.eventStore == nil {
		return
	}
	sum := app.vibration.Summary()
	rec := &storage.SessionRecord{
		ID:            sessionID,
		Kind:          "vibration",
		StartedAt:     sessionStart(sessionID, "vibration_"),
		EndedAt:       time.Now(),
		SampleCount:   sum.SampleCount,
		PeakMagnitude: sum.MaxMagnitude,
		AlertCount:    sum.AlertCount,
		CSVPath:       csvPath,
		SummaryPath:   summaryPath,
	}
	rec.DurationSeconds = rec.EndedAt.Sub(rec.StartedAt).Seconds()
	go app.saveSession(rec)
}

func (app *Application) onFryingSession(sess frying.Session) {
	if app.archiver != nil {
		app.archiver.ArchiveSessionFiles(sess.ID, sess.CSVPath, sess.DataPath)
	}
	if app.eventStore == nil {
		return
	}
	rec := &storage.SessionRecord{
		ID:              sess.ID,
		Kind:            "frying",
		StartedAt:       sess.StartedAt,
		EndedAt:         sess.EndedAt,
		DurationSeconds: sess.EndedAt.Sub(sess.StartedAt).Seconds(),
		SampleCount:     int64(sess.ReadingCount),
		CSVPath:         sess.CSVPath,
		SummaryPath:     sess.DataPath,
		Metadata: map[string]interface{}{
			"food_type":   sess.FoodType,
			"frame_count": sess.FrameCount,
			"complete":    sess.Complete,
		},
	}
	if sess.Complete {
		rec.Metadata["completion_temp"] = sess.CompletionTemp
	}
	go app.saveSession(rec)
}

func (app *Application) saveSession(rec *storage.SessionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.eventStore.SaveSession(ctx, rec); err != nil {
		app.logger.Warn("persisting session",
			zap.String("session_id", rec.ID), zap.Error(err))
	}
}

// onTransition records lifecycle transitions without blocking the manager.
func (app *Application) onTransition(id, name string, from, to lifecycle.State, errMsg string) {
	rec := &storage.TransitionRecord{
		ServiceID:    id,
		ServiceName:  name,
		FromState:    from.String(),
		ToState:      to.String(),
		ErrorMessage: errMsg,
		OccurredAt:   time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.eventStore.SaveTransition(ctx, rec); err != nil {
			app.logger.Debug("persisting transition", zap.Error(err))
		}
	}()
}

// sessionStart recovers the start instant encoded in a session id like
// vibration_20240115_083000. Falls back to now for unexpected ids.
func sessionStart(sessionID, prefix string) time.Time {
	stamp := strings.TrimPrefix(sessionID, prefix)
	t, err := time.ParseInLocation("20060102_150405", stamp, time.Local)
	if err != nil {
		return time.Now()
	}
	return t
}
