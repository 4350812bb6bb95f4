// Package api exposes the monitoring rig over HTTP: status and alert
// reads, service and scheduler controls, a JPEG preview, and a websocket
// status stream.
package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/kitchensentry/internal/camera"
	"github.com/mikeyg42/kitchensentry/internal/config"
	"github.com/mikeyg42/kitchensentry/internal/detection"
	"github.com/mikeyg42/kitchensentry/internal/frying"
	"github.com/mikeyg42/kitchensentry/internal/lifecycle"
	"github.com/mikeyg42/kitchensentry/internal/schedule"
	"github.com/mikeyg42/kitchensentry/internal/status"
	"github.com/mikeyg42/kitchensentry/internal/storage"
	"github.com/mikeyg42/kitchensentry/internal/vibration"
)

// CameraService is the camera-side surface the API reads from.
type CameraService interface {
	Preview() *camera.Preview
	Status() detection.Status
}

// VibrationService exposes the analyzer state for the vibration endpoint.
type VibrationService interface {
	Analysis() vibration.Analysis
}

// FryingService is the frying collector's operator surface.
type FryingService interface {
	SetFoodType(foodType string)
	MarkComplete(probeTemp float64) error
	Status() frying.Status
}

// EventHistory is the persisted-history surface of the event store.
type EventHistory interface {
	RecentAlerts(ctx context.Context, limit int) ([]storage.AlertRecord, error)
	RecentTransitions(ctx context.Context, serviceID string, limit int) ([]storage.TransitionRecord, error)
	HealthCheck(ctx context.Context) error
}

// ArtifactArchive is the archiver surface the health endpoint probes.
type ArtifactArchive interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the collaborators the server reads from and controls. Nil
// entries disable their endpoints with 503 responses.
type Deps struct {
	Aggregator *status.Aggregator
	Dispatcher *status.Dispatcher
	Manager    *lifecycle.Manager
	Scheduler  *schedule.Scheduler
	Camera     CameraService
	Vibration  VibrationService
	Frying     FryingService
	Events     EventHistory
	Archive    ArtifactArchive
}

// Server serves the rig's HTTP API and websocket status stream.
type Server struct {
	cfg        config.APIConfig
	deps       Deps
	httpServer *http.Server
	limiter    *RateLimiter
	upgrader   websocket.Upgrader
	wsSeq      atomic.Uint64
	logger     *zap.Logger
}

// NewServer builds the server and its route table. Start or
// StartInBackground brings the listener up.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		logger:  zap.L().Named("api"),
	}

	allowed := allowedOriginSet(cfg.AllowedOrigins)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("GET /api/alerts/history", s.handleAlertHistory)
	mux.HandleFunc("GET /api/vibration", s.handleVibration)
	mux.HandleFunc("GET /api/camera/preview", s.handlePreview)
	mux.HandleFunc("GET /api/services/{id}/transitions", s.handleTransitionHistory)
	mux.HandleFunc("POST /api/services/{id}/start", s.limiter.Middleware(s.handleServiceStart))
	mux.HandleFunc("POST /api/services/{id}/stop", s.limiter.Middleware(s.handleServiceStop))
	mux.HandleFunc("POST /api/services/start-all", s.limiter.Middleware(s.handleStartAll))
	mux.HandleFunc("POST /api/services/stop-all", s.limiter.Middleware(s.handleStopAll))
	mux.HandleFunc("POST /api/scheduler/override", s.limiter.Middleware(s.handleOverride))
	mux.HandleFunc("POST /api/scheduler/force-start", s.limiter.Middleware(s.handleForceStart))
	mux.HandleFunc("POST /api/scheduler/force-stop", s.limiter.Middleware(s.handleForceStop))
	mux.HandleFunc("PUT /api/scheduler/schedule", s.limiter.Middleware(s.handleUpdateSchedule))
	mux.HandleFunc("POST /api/frying/food-type", s.limiter.Middleware(s.handleFoodType))
	mux.HandleFunc("POST /api/frying/complete", s.limiter.Middleware(s.handleFryingComplete))
	mux.HandleFunc("GET /ws/status", s.handleStatusStream)

	s.httpServer = &http.Server{
		Addr:           cfg.ListenAddr(),
		Handler:        corsMiddleware(mux, allowed),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// allowedOriginSet builds the CORS whitelist. Without explicit origins the
// usual local dashboard hosts are allowed.
func allowedOriginSet(origins []string) map[string]bool {
	allowed := make(map[string]bool)
	if len(origins) == 0 {
		origins = []string{
			"http://localhost:8080",
			"http://localhost:3000",
			"http://127.0.0.1:8080",
			"http://127.0.0.1:3000",
		}
	}
	for _, o := range origins {
		allowed[o] = true
	}
	return allowed
}

// corsMiddleware sets CORS headers for whitelisted origins and answers
// preflight requests.
func corsMiddleware(next http.Handler, allowed map[string]bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start runs the listener until Shutdown or a listen error.
func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// StartInBackground starts the listener in a goroutine.
func (s *Server) StartInBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests and stops the limiter sweeper.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
