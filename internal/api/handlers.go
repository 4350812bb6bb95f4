package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const backendCheckTimeout = 2 * time.Second

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("encoding response", zap.Error(err))
	}
}

// handleHealth reports liveness plus, when configured, reachability of
// the persistence backends.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	ctx, cancel := context.WithTimeout(r.Context(), backendCheckTimeout)
	defer cancel()

	if s.deps.Events != nil {
		if err := s.deps.Events.HealthCheck(ctx); err != nil {
			resp["status"] = "degraded"
			resp["database"] = err.Error()
		} else {
			resp["database"] = "ok"
		}
	}
	if s.deps.Archive != nil {
		if err := s.deps.Archive.HealthCheck(ctx); err != nil {
			resp["status"] = "degraded"
			resp["archive"] = err.Error()
		} else {
			resp["archive"] = "ok"
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Aggregator == nil {
		http.Error(w, "status aggregator not configured", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Aggregator.Snapshot(time.Now()))
}

// limitParam reads the optional limit query parameter. ok is false for a
// value that is not a non-negative integer.
func limitParam(r *http.Request) (limit int, ok bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		http.Error(w, "alert dispatcher not configured", http.StatusServiceUnavailable)
		return
	}
	limit, ok := limitParam(r)
	if !ok {
		http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return
	}
	alerts := s.deps.Dispatcher.Recent(limit)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// handleAlertHistory serves the persisted alert log, as opposed to the
// in-memory window handleAlerts reads.
func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		http.Error(w, "event store not configured", http.StatusServiceUnavailable)
		return
	}
	limit, ok := limitParam(r)
	if !ok {
		http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return
	}
	records, err := s.deps.Events.RecentAlerts(r.Context(), limit)
	if err != nil {
		s.logger.Error("querying alert history", zap.Error(err))
		http.Error(w, "alert history unavailable", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": records,
		"count":  len(records),
	})
}

func (s *Server) handleTransitionHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		http.Error(w, "event store not configured", http.StatusServiceUnavailable)
		return
	}
	limit, ok := limitParam(r)
	if !ok {
		http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	records, err := s.deps.Events.RecentTransitions(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("querying transitions",
			zap.String("service", id), zap.Error(err))
		http.Error(w, "transition history unavailable", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"service_id":  id,
		"transitions": records,
		"count":       len(records),
	})
}

func (s *Server) handleVibration(w http.ResponseWriter, r *http.Request) {
	if s.deps.Vibration == nil {
		http.Error(w, "vibration service not configured", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Vibration.Analysis())
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.deps.Camera == nil {
		http.Error(w, "camera service not configured", http.StatusServiceUnavailable)
		return
	}
	preview := s.deps.Camera.Preview()
	data, takenAt, ok := preview.Latest()
	if !ok {
		http.Error(w, "no preview frame available", http.StatusNotFound)
		return
	}

	// The frame counter doubles as a cheap ETag for polling dashboards.
	etag := fmt.Sprintf("%q", strconv.FormatInt(preview.Sequence(), 10))
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Last-Modified", takenAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleServiceStart(w http.ResponseWriter, r *http.Request) {
	s.serviceAction(w, r, func(id string) bool { return s.deps.Manager.Start(id) })
}

func (s *Server) handleServiceStop(w http.ResponseWriter, r *http.Request) {
	s.serviceAction(w, r, func(id string) bool { return s.deps.Manager.Stop(id) })
}

func (s *Server) serviceAction(w http.ResponseWriter, r *http.Request, act func(id string) bool) {
	if s.deps.Manager == nil {
		http.Error(w, "service manager not configured", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	if _, ok := s.deps.Manager.StatusOf(id); !ok {
		http.Error(w, "unknown service", http.StatusNotFound)
		return
	}
	ok := act(id)
	rec, _ := s.deps.Manager.StatusOf(id)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": ok,
		"service": rec,
	})
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manager == nil {
		http.Error(w, "service manager not configured", http.StatusServiceUnavailable)
		return
	}
	ok := s.deps.Manager.StartAll()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  ok,
		"services": s.deps.Manager.AllStatuses(),
	})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manager == nil {
		http.Error(w, "service manager not configured", http.StatusServiceUnavailable)
		return
	}
	ok := s.deps.Manager.StopAll()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  ok,
		"services": s.deps.Manager.AllStatuses(),
	})
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		http.Error(w, "scheduler not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Enabled {
		s.deps.Scheduler.EnableOverride()
	} else {
		s.deps.Scheduler.DisableOverride()
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  s.deps.Scheduler.Status(time.Now()),
	})
}

func (s *Server) handleForceStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		http.Error(w, "scheduler not configured", http.StatusServiceUnavailable)
		return
	}
	started := s.deps.Scheduler.ForceStart()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": started,
		"status":  s.deps.Scheduler.Status(time.Now()),
	})
}

func (s *Server) handleForceStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		http.Error(w, "scheduler not configured", http.StatusServiceUnavailable)
		return
	}
	stopped := s.deps.Scheduler.ForceStop()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": stopped,
		"status":  s.deps.Scheduler.Status(time.Now()),
	})
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		http.Error(w, "scheduler not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Start       string `json:"start"`
		End         string `json:"end"`
		EnabledDays []int  `json:"enabled_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.deps.Scheduler.UpdateSchedule(req.Start, req.End, req.EnabledDays); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  s.deps.Scheduler.Status(time.Now()),
	})
}

func (s *Server) handleFoodType(w http.ResponseWriter, r *http.Request) {
	if s.deps.Frying == nil {
		http.Error(w, "frying collector not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		FoodType string `json:"food_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.FoodType == "" {
		http.Error(w, "food_type is required", http.StatusBadRequest)
		return
	}
	s.deps.Frying.SetFoodType(req.FoodType)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  s.deps.Frying.Status(),
	})
}

func (s *Server) handleFryingComplete(w http.ResponseWriter, r *http.Request) {
	if s.deps.Frying == nil {
		http.Error(w, "frying collector not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		ProbeTemp float64 `json:"probe_temp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.deps.Frying.MarkComplete(req.ProbeTemp); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  s.deps.Frying.Status(),
	})
}
