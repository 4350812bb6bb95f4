package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

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

type fakeRunner struct{}

func (fakeRunner) Start() error { return nil }
func (fakeRunner) Stop() error  { return nil }

type fakeVibration struct {
	analysis vibration.Analysis
}

func (f fakeVibration) Analysis() vibration.Analysis { return f.analysis }

type fakeCamera struct {
	preview *camera.Preview
}

func (f fakeCamera) Preview() *camera.Preview { return f.preview }
func (f fakeCamera) Status() detection.Status { return detection.Status{} }

type fakeFrying struct {
	foodType    string
	probeTemp   float64
	completeErr error
}

func (f *fakeFrying) SetFoodType(foodType string) { f.foodType = foodType }

func (f *fakeFrying) MarkComplete(probeTemp float64) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.probeTemp = probeTemp
	return nil
}

func (f *fakeFrying) Status() frying.Status {
	return frying.Status{Collecting: true, FoodType: f.foodType}
}

type fakeEvents struct {
	healthErr   error
	alerts      []storage.AlertRecord
	transitions []storage.TransitionRecord
	lastService string
	lastLimit   int
}

func (f *fakeEvents) RecentAlerts(_ context.Context, limit int) ([]storage.AlertRecord, error) {
	f.lastLimit = limit
	return f.alerts, nil
}

func (f *fakeEvents) RecentTransitions(_ context.Context, serviceID string, limit int) ([]storage.TransitionRecord, error) {
	f.lastService = serviceID
	f.lastLimit = limit
	return f.transitions, nil
}

func (f *fakeEvents) HealthCheck(context.Context) error { return f.healthErr }

type fakeArchive struct{ healthErr error }

func (f fakeArchive) HealthCheck(context.Context) error { return f.healthErr }

func makeAlert(id string) vibration.Alert {
	return vibration.Alert{
		ID:        id,
		Source:    "vibration",
		Time:      time.Now(),
		Type:      "threshold",
		Severity:  vibration.SeverityHigh,
		Magnitude: 7.5,
		Threshold: 5,
		Message:   "High vibration detected",
	}
}

func newTestServer(t *testing.T, apiCfg *config.APIConfig, mutate func(*Deps)) *Server {
	t.Helper()

	manager := lifecycle.NewManager()
	if err := manager.Register("camera", "Camera Monitoring", fakeRunner{}); err != nil {
		t.Fatalf("Register camera: %v", err)
	}
	if err := manager.Register("vibration", "Vibration Monitoring", fakeRunner{}); err != nil {
		t.Fatalf("Register vibration: %v", err)
	}

	sched, err := schedule.NewScheduler(config.ScheduleConfig{
		WorkStart:   "08:00",
		WorkEnd:     "19:00",
		EnabledDays: []int{0, 1, 2, 3, 4, 5, 6},
		AutoStart:   true,
		AutoStop:    true,
	}, manager.StartAll, manager.StopAll)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	dispatcher := status.NewDispatcher(10, nil, nil)
	t.Cleanup(dispatcher.Close)

	agg := status.NewAggregator(status.Sources{
		Manager:   manager,
		Scheduler: sched.Status,
	}, dispatcher)

	deps := Deps{
		Aggregator: agg,
		Dispatcher: dispatcher,
		Manager:    manager,
		Scheduler:  sched,
		Camera:     fakeCamera{preview: camera.NewPreview()},
		Vibration:  fakeVibration{analysis: vibration.Analysis{Trend: "stable"}},
		Frying:     &fakeFrying{},
	}
	if mutate != nil {
		mutate(&deps)
	}

	cfg := config.APIConfig{
		Port:         8080,
		RateLimit:    1000,
		RateWindow:   time.Minute,
		PushInterval: time.Minute,
	}
	if apiCfg != nil {
		cfg = *apiCfg
	}
	s := NewServer(cfg, deps)
	t.Cleanup(s.limiter.Close)
	return s
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "192.0.2.1:52413"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("Decoding response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := doRequest(t, s, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Health returned %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"ok"}` {
		t.Fatalf("Health body = %q", got)
	}

	t.Run("Backends healthy", func(t *testing.T) {
		s := newTestServer(t, nil, func(d *Deps) {
			d.Events = &fakeEvents{}
			d.Archive = fakeArchive{}
		})
		body := decodeBody(t, doRequest(t, s, http.MethodGet, "/api/health", ""))
		if body["status"] != "ok" || body["database"] != "ok" || body["archive"] != "ok" {
			t.Fatalf("Health body = %v", body)
		}
	})

	t.Run("Database down", func(t *testing.T) {
		s := newTestServer(t, nil, func(d *Deps) {
			d.Events = &fakeEvents{healthErr: errors.New("connection refused")}
			d.Archive = fakeArchive{}
		})
		body := decodeBody(t, doRequest(t, s, http.MethodGet, "/api/health", ""))
		if body["status"] != "degraded" {
			t.Fatalf("Expected degraded status, got %v", body["status"])
		}
		if body["database"] != "connection refused" || body["archive"] != "ok" {
			t.Fatalf("Health body = %v", body)
		}
	})
}

func TestStatusSnapshot(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := doRequest(t, s, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Status returned %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["initialized"] != false {
		t.Fatalf("Expected initialized=false, got %v", body["initialized"])
	}
	services, ok := body["services"].([]interface{})
	if !ok || len(services) != 2 {
		t.Fatalf("Expected 2 services, got %v", body["services"])
	}
	if _, ok := body["scheduler"].(map[string]interface{}); !ok {
		t.Fatalf("Expected scheduler section, got %v", body["scheduler"])
	}
	if _, ok := body["alerts"].([]interface{}); !ok {
		t.Fatalf("Expected alerts array, got %v", body["alerts"])
	}
}

func TestAlertsEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)
	for i := 0; i < 3; i++ {
		s.deps.Dispatcher.Dispatch(makeAlert(fmt.Sprintf("a%d", i)))
	}

	rec := doRequest(t, s, http.MethodGet, "/api/alerts", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Alerts returned %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(3) {
		t.Fatalf("Expected count=3, got %v", body["count"])
	}

	rec = doRequest(t, s, http.MethodGet, "/api/alerts?limit=2", "")
	body = decodeBody(t, rec)
	if body["count"] != float64(2) {
		t.Fatalf("Expected count=2, got %v", body["count"])
	}
	alerts := body["alerts"].([]interface{})
	first := alerts[0].(map[string]interface{})
	if first["id"] != "a1" {
		t.Fatalf("Expected oldest retained alert a1, got %v", first["id"])
	}

	rec = doRequest(t, s, http.MethodGet, "/api/alerts?limit=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Bad limit returned %d", rec.Code)
	}
}

func TestAlertHistoryEndpoint(t *testing.T) {
	events := &fakeEvents{alerts: []storage.AlertRecord{
		{ID: "db1", Source: "vibration", Severity: "high", Magnitude: 11.0},
	}}
	s := newTestServer(t, nil, func(d *Deps) { d.Events = events })

	rec := doRequest(t, s, http.MethodGet, "/api/alerts/history?limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Alert history returned %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Fatalf("Expected count=1, got %v", body["count"])
	}
	first := body["alerts"].([]interface{})[0].(map[string]interface{})
	if first["id"] != "db1" || first["severity"] != "high" {
		t.Fatalf("Record = %v", first)
	}
	if events.lastLimit != 5 {
		t.Fatalf("Store queried with limit %d, want 5", events.lastLimit)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/alerts/history?limit=-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Bad limit returned %d", rec.Code)
	}

	s = newTestServer(t, nil, nil)
	rec = doRequest(t, s, http.MethodGet, "/api/alerts/history", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Without event store returned %d", rec.Code)
	}
}

func TestTransitionHistoryEndpoint(t *testing.T) {
	events := &fakeEvents{transitions: []storage.TransitionRecord{
		{ServiceID: "camera", FromState: "running", ToState: "stopped"},
	}}
	s := newTestServer(t, nil, func(d *Deps) { d.Events = events })

	rec := doRequest(t, s, http.MethodGet, "/api/services/camera/transitions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Transitions returned %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["service_id"] != "camera" || body["count"] != float64(1) {
		t.Fatalf("Body = %v", body)
	}
	first := body["transitions"].([]interface{})[0].(map[string]interface{})
	if first["from_state"] != "running" || first["to_state"] != "stopped" {
		t.Fatalf("Record = %v", first)
	}
	if events.lastService != "camera" {
		t.Fatalf("Store queried for %q, want camera", events.lastService)
	}

	s = newTestServer(t, nil, nil)
	rec = doRequest(t, s, http.MethodGet, "/api/services/camera/transitions", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Without event store returned %d", rec.Code)
	}
}

func TestVibrationEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := doRequest(t, s, http.MethodGet, "/api/vibration", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Vibration returned %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["trend"] != "stable" {
		t.Fatalf("Expected trend=stable, got %v", body["trend"])
	}

	s = newTestServer(t, nil, func(d *Deps) { d.Vibration = nil })
	rec = doRequest(t, s, http.MethodGet, "/api/vibration", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Nil vibration returned %d", rec.Code)
	}
}

func TestPreviewEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := doRequest(t, s, http.MethodGet, "/api/camera/preview", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Empty preview returned %d", rec.Code)
	}

	s = newTestServer(t, nil, func(d *Deps) { d.Camera = nil })
	rec = doRequest(t, s, http.MethodGet, "/api/camera/preview", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Nil camera returned %d", rec.Code)
	}
}

func TestServiceControls(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/services/camera/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Start returned %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Fatalf("Expected success=true, got %v", body["success"])
	}
	svc := body["service"].(map[string]interface{})
	if svc["status"] != "running" {
		t.Fatalf("Expected running, got %v", svc["status"])
	}

	// Starting an already running service stays successful.
	rec = doRequest(t, s, http.MethodPost, "/api/services/camera/start", "")
	if body := decodeBody(t, rec); body["success"] != true {
		t.Fatalf("Second start success=%v", body["success"])
	}

	rec = doRequest(t, s, http.MethodPost, "/api/services/camera/stop", "")
	body = decodeBody(t, rec)
	svc = body["service"].(map[string]interface{})
	if svc["status"] != "stopped" {
		t.Fatalf("Expected stopped, got %v", svc["status"])
	}

	rec = doRequest(t, s, http.MethodPost, "/api/services/nope/start", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Unknown service returned %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/services/camera/start", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET on control endpoint returned %d", rec.Code)
	}
}

func TestStartAllStopAll(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/services/start-all", "")
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Fatalf("StartAll success=%v", body["success"])
	}
	for _, raw := range body["services"].([]interface{}) {
		svc := raw.(map[string]interface{})
		if svc["status"] != "running" {
			t.Fatalf("Service %v not running after start-all: %v", svc["service_id"], svc["status"])
		}
	}

	rec = doRequest(t, s, http.MethodPost, "/api/services/stop-all", "")
	body = decodeBody(t, rec)
	for _, raw := range body["services"].([]interface{}) {
		svc := raw.(map[string]interface{})
		if svc["status"] != "stopped" {
			t.Fatalf("Service %v not stopped after stop-all: %v", svc["service_id"], svc["status"])
		}
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/scheduler/override", `{"enabled":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Override returned %d: %s", rec.Code, rec.Body.String())
	}
	st := decodeBody(t, rec)["status"].(map[string]interface{})
	if st["manual_override"] != true {
		t.Fatalf("Expected manual_override=true, got %v", st["manual_override"])
	}

	rec = doRequest(t, s, http.MethodPost, "/api/scheduler/force-start", "")
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Fatalf("ForceStart success=%v", body["success"])
	}
	st = body["status"].(map[string]interface{})
	if st["services_started"] != true {
		t.Fatalf("Expected services_started=true, got %v", st["services_started"])
	}

	rec = doRequest(t, s, http.MethodPost, "/api/scheduler/force-stop", "")
	st = decodeBody(t, rec)["status"].(map[string]interface{})
	if st["services_started"] != false {
		t.Fatalf("Expected services_started=false after force-stop, got %v", st["services_started"])
	}

	rec = doRequest(t, s, http.MethodPut, "/api/scheduler/schedule",
		`{"start":"09:30","end":"18:00","enabled_days":[1,2,3,4,5]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("UpdateSchedule returned %d: %s", rec.Code, rec.Body.String())
	}
	st = decodeBody(t, rec)["status"].(map[string]interface{})
	sched := st["schedule"].(map[string]interface{})
	if sched["start"] != "09:30" || sched["end"] != "18:00" {
		t.Fatalf("Schedule not updated: %v", sched)
	}

	rec = doRequest(t, s, http.MethodPut, "/api/scheduler/schedule",
		`{"start":"25:00","end":"18:00","enabled_days":[1]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Invalid schedule returned %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/scheduler/override", `{bad json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Bad JSON returned %d", rec.Code)
	}
}

func TestFryingEndpoints(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/frying/food-type", `{"food_type":"tempura"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("FoodType returned %d: %s", rec.Code, rec.Body.String())
	}
	if got := s.deps.Frying.(*fakeFrying).foodType; got != "tempura" {
		t.Fatalf("Food type = %q", got)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/frying/food-type", `{"food_type":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Empty food type returned %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/frying/complete", `{"probe_temp":75.5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("MarkComplete returned %d: %s", rec.Code, rec.Body.String())
	}
	if got := s.deps.Frying.(*fakeFrying).probeTemp; got != 75.5 {
		t.Fatalf("Probe temp = %v", got)
	}

	s = newTestServer(t, nil, func(d *Deps) {
		d.Frying = &fakeFrying{completeErr: errors.New("no frying session in progress")}
	})
	rec = doRequest(t, s, http.MethodPost, "/api/frying/complete", `{"probe_temp":75.5}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("Idle MarkComplete returned %d", rec.Code)
	}
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(2, time.Hour)
	defer rl.Close()

	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
		t.Fatal("First two requests should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("Third request should be denied")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("Different client should be allowed")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl := NewRateLimiter(1, 20*time.Millisecond)
	defer rl.Close()

	if !rl.Allow("10.0.0.1") {
		t.Fatal("First request should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("Second request in window should be denied")
	}
	time.Sleep(30 * time.Millisecond)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("Request after window should be allowed")
	}
}

func TestControlEndpointRateLimited(t *testing.T) {
	cfg := &config.APIConfig{
		Port:         8080,
		RateLimit:    2,
		RateWindow:   time.Hour,
		PushInterval: time.Minute,
	}
	s := newTestServer(t, cfg, nil)

	for i := 0; i < 2; i++ {
		rec := doRequest(t, s, http.MethodPost, "/api/scheduler/force-start", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("Request %d returned %d", i+1, rec.Code)
		}
	}
	rec := doRequest(t, s, http.MethodPost, "/api/scheduler/force-start", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Over-limit request returned %d", rec.Code)
	}

	// Read endpoints are not limited.
	rec = doRequest(t, s, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Read endpoint returned %d", rec.Code)
	}
}

func TestCORSHeaders(t *testing.T) {
	s := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Preflight returned %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Unlisted origin got Allow-Origin %q", got)
	}
}

func TestStatusStream(t *testing.T) {
	s := newTestServer(t, nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/status"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dialing %s: %v", url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Reading initial message: %v", err)
	}
	if msg.Type != "status" {
		t.Fatalf("Initial message type = %q", msg.Type)
	}

	s.deps.Dispatcher.Dispatch(makeAlert("ws1"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Reading alert message: %v", err)
	}
	if msg.Type != "alert" {
		t.Fatalf("Expected alert message, got %q", msg.Type)
	}
	var alert map[string]interface{}
	if err := json.Unmarshal(msg.Data, &alert); err != nil {
		t.Fatalf("Decoding alert payload: %v", err)
	}
	if alert["id"] != "ws1" {
		t.Fatalf("Alert id = %v", alert["id"])
	}
}
