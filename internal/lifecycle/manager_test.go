package lifecycle

import (
	"errors"
	"strings"
	"testing"
)

type fakeService struct {
	id       string
	startErr error
	stopErr  error
	panics   bool
	starts   int
	stops    int
	calls    *[]string
}

func (f *fakeService) Start() error {
	f.starts++
	if f.calls != nil {
		*f.calls = append(*f.calls, "start:"+f.id)
	}
	if f.panics {
		panic("boom")
	}
	return f.startErr
}

func (f *fakeService) Stop() error {
	f.stops++
	if f.calls != nil {
		*f.calls = append(*f.calls, "stop:"+f.id)
	}
	return f.stopErr
}

func TestStartStopLifecycle(t *testing.T) {
	m := NewManager()
	svc := &fakeService{id: "camera"}
	if err := m.Register("camera", "Camera Monitoring", svc); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if !m.Start("camera") {
		t.Fatalf("Start returned false")
	}
	rec, ok := m.StatusOf("camera")
	if !ok || rec.State != "running" {
		t.Fatalf("After start: record=%+v ok=%v, want running", rec, ok)
	}
	if rec.Name != "Camera Monitoring" {
		t.Fatalf("Record.Name = %q, want %q", rec.Name, "Camera Monitoring")
	}

	// A second start must not reach the service again.
	if !m.Start("camera") {
		t.Fatalf("Repeated start returned false")
	}
	if svc.starts != 1 {
		t.Fatalf("Service started %d times, want 1", svc.starts)
	}

	if !m.Stop("camera") {
		t.Fatalf("Stop returned false")
	}
	rec, _ = m.StatusOf("camera")
	if rec.State != "stopped" {
		t.Fatalf("After stop: state=%q, want stopped", rec.State)
	}
	if !m.Stop("camera") {
		t.Fatalf("Repeated stop returned false")
	}
	if svc.stops != 1 {
		t.Fatalf("Service stopped %d times, want 1", svc.stops)
	}
}

func TestStartFailureThenRecovery(t *testing.T) {
	m := NewManager()
	svc := &fakeService{id: "vibration", startErr: errors.New("port busy")}
	if err := m.Register("vibration", "Vibration Monitoring", svc); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if m.Start("vibration") {
		t.Fatalf("Start succeeded despite service error")
	}
	rec, _ := m.StatusOf("vibration")
	if rec.State != "error" {
		t.Fatalf("State = %q, want error", rec.State)
	}
	if rec.ErrorMessage != "port busy" {
		t.Fatalf("ErrorMessage = %q, want %q", rec.ErrorMessage, "port busy")
	}

	// The error state does not wedge the service.
	svc.startErr = nil
	if !m.Start("vibration") {
		t.Fatalf("Start after recovery returned false")
	}
	rec, _ = m.StatusOf("vibration")
	if rec.State != "running" || rec.ErrorMessage != "" {
		t.Fatalf("After recovery: %+v, want running with no error", rec)
	}
}

func TestStartPanicBecomesError(t *testing.T) {
	m := NewManager()
	if err := m.Register("frying", "Frying AI Monitoring", &fakeService{id: "frying", panics: true}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if m.Start("frying") {
		t.Fatalf("Start succeeded despite panic")
	}
	rec, _ := m.StatusOf("frying")
	if rec.State != "error" {
		t.Fatalf("State = %q, want error", rec.State)
	}
	if !strings.Contains(rec.ErrorMessage, "panic") {
		t.Fatalf("ErrorMessage = %q, want panic mention", rec.ErrorMessage)
	}
}

func TestStopFailure(t *testing.T) {
	m := NewManager()
	svc := &fakeService{id: "camera", stopErr: errors.New("capture wedged")}
	if err := m.Register("camera", "Camera Monitoring", svc); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	m.Start("camera")
	if m.Stop("camera") {
		t.Fatalf("Stop succeeded despite service error")
	}
	rec, _ := m.StatusOf("camera")
	if rec.State != "error" || rec.ErrorMessage != "capture wedged" {
		t.Fatalf("After failed stop: %+v", rec)
	}
}

func TestUnknownService(t *testing.T) {
	m := NewManager()
	if m.Start("nope") {
		t.Fatalf("Start of unknown service returned true")
	}
	if m.Stop("nope") {
		t.Fatalf("Stop of unknown service returned true")
	}
	if _, ok := m.StatusOf("nope"); ok {
		t.Fatalf("StatusOf unknown service returned ok")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	m := NewManager()
	if err := m.Register("camera", "Camera Monitoring", &fakeService{id: "camera"}); err != nil {
		t.Fatalf("First register failed: %v", err)
	}
	if err := m.Register("camera", "Camera Monitoring", &fakeService{id: "camera"}); err == nil {
		t.Fatalf("Duplicate register succeeded")
	}
}

func TestStartAllAttemptsEveryService(t *testing.T) {
	var calls []string
	m := NewManager()
	broken := &fakeService{id: "camera", startErr: errors.New("no device"), calls: &calls}
	healthy := &fakeService{id: "vibration", calls: &calls}
	m.Register("camera", "Camera Monitoring", broken)
	m.Register("vibration", "Vibration Monitoring", healthy)

	if m.StartAll() {
		t.Fatalf("StartAll reported success with a broken service")
	}
	if healthy.starts != 1 {
		t.Fatalf("Healthy service started %d times, want 1", healthy.starts)
	}
	if !m.AnyRunning() {
		t.Fatalf("AnyRunning = false with one running service")
	}

	// StopAll walks in reverse registration order and also clears the
	// errored service.
	calls = calls[:0]
	if !m.StopAll() {
		t.Fatalf("StopAll failed")
	}
	want := []string{"stop:vibration", "stop:camera"}
	if len(calls) != len(want) || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("StopAll calls = %v, want %v", calls, want)
	}
	if m.AnyRunning() {
		t.Fatalf("AnyRunning = true after StopAll")
	}
	rec, _ := m.StatusOf("camera")
	if rec.State != "stopped" || rec.ErrorMessage != "" {
		t.Fatalf("Errored service after StopAll: %+v, want clean stopped", rec)
	}
}

func TestStopFromErrorState(t *testing.T) {
	m := NewManager()
	svc := &fakeService{id: "camera", startErr: errors.New("no device")}
	if err := m.Register("camera", "Camera Monitoring", svc); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if m.Start("camera") {
		t.Fatalf("Start succeeded despite service error")
	}
	if !m.Stop("camera") {
		t.Fatalf("Stop from error returned false")
	}
	rec, _ := m.StatusOf("camera")
	if rec.State != "stopped" || rec.ErrorMessage != "" {
		t.Fatalf("After stop from error: %+v, want clean stopped", rec)
	}
	if svc.stops != 1 {
		t.Fatalf("Service stopped %d times, want 1", svc.stops)
	}
}

func TestStopRetryAfterFailedStop(t *testing.T) {
	m := NewManager()
	svc := &fakeService{id: "camera", stopErr: errors.New("capture wedged")}
	if err := m.Register("camera", "Camera Monitoring", svc); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	m.Start("camera")
	if m.Stop("camera") {
		t.Fatalf("Stop succeeded despite service error")
	}

	// The wedged service stays reachable: a later stop runs again.
	svc.stopErr = nil
	if !m.Stop("camera") {
		t.Fatalf("Retried stop returned false")
	}
	rec, _ := m.StatusOf("camera")
	if rec.State != "stopped" || rec.ErrorMessage != "" {
		t.Fatalf("After retried stop: %+v, want clean stopped", rec)
	}
	if svc.stops != 2 {
		t.Fatalf("Service stopped %d times, want 2", svc.stops)
	}
}

func TestStopAllOrder(t *testing.T) {
	var calls []string
	m := NewManager()
	m.Register("camera", "Camera Monitoring", &fakeService{id: "camera", calls: &calls})
	m.Register("vibration", "Vibration Monitoring", &fakeService{id: "vibration", calls: &calls})
	m.Register("frying", "Frying AI Monitoring", &fakeService{id: "frying", calls: &calls})

	if !m.StartAll() {
		t.Fatalf("StartAll failed")
	}
	calls = calls[:0]
	m.StopAll()

	want := []string{"stop:frying", "stop:vibration", "stop:camera"}
	if len(calls) != len(want) {
		t.Fatalf("StopAll calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("StopAll calls = %v, want %v", calls, want)
		}
	}
}

func TestTransitionHook(t *testing.T) {
	type hop struct{ from, to State }
	var hops []hop

	m := NewManager()
	m.SetTransitionHook(func(id, name string, from, to State, errMsg string) {
		if id != "camera" {
			t.Fatalf("Hook saw id %q, want camera", id)
		}
		hops = append(hops, hop{from, to})
	})
	m.Register("camera", "Camera Monitoring", &fakeService{id: "camera"})

	m.Start("camera")
	m.Stop("camera")

	want := []hop{
		{StateStopped, StateStarting},
		{StateStarting, StateRunning},
		{StateRunning, StateStopping},
		{StateStopping, StateStopped},
	}
	if len(hops) != len(want) {
		t.Fatalf("Transitions = %v, want %v", hops, want)
	}
	for i := range want {
		if hops[i] != want[i] {
			t.Fatalf("Transition %d = %v, want %v", i, hops[i], want[i])
		}
	}
}

func TestAllStatusesOrder(t *testing.T) {
	m := NewManager()
	m.Register("camera", "Camera Monitoring", &fakeService{id: "camera"})
	m.Register("vibration", "Vibration Monitoring", &fakeService{id: "vibration"})
	m.Register("frying", "Frying AI Monitoring", &fakeService{id: "frying"})

	records := m.AllStatuses()
	if len(records) != 3 {
		t.Fatalf("AllStatuses returned %d records, want 3", len(records))
	}
	wantIDs := []string{"camera", "vibration", "frying"}
	for i, id := range wantIDs {
		if records[i].ID != id {
			t.Fatalf("Record %d ID = %q, want %q", i, records[i].ID, id)
		}
		if records[i].State != "stopped" {
			t.Fatalf("Record %d State = %q, want stopped", i, records[i].State)
		}
	}
}
