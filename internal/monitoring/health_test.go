package monitoring

import (
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func TestHealthEndpointHealthy(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RecordTrainStep(1, 2.5)

	rec := httptest.NewRecorder()
	hm.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", body["status"])
	}
}

func TestNaNLossRaisesCriticalAlert(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RecordTrainStep(1, 1.0)
	hm.RecordTrainStep(2, math.NaN())

	status := hm.getStatus()
	if status.Status != "critical" {
		t.Fatalf("status = %q, want critical", status.Status)
	}
	if len(status.Alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(status.Alerts))
	}
	if status.Alerts[0].Level != "critical" || status.Alerts[0].Component != "training" {
		t.Errorf("alert = %+v, want critical/training", status.Alerts[0])
	}

	rec := httptest.NewRecorder()
	hm.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("health code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestLossSpikeRaisesWarning(t *testing.T) {
	hm := NewHealthMonitor()
	for i := 1; i <= spikeMinSteps; i++ {
		hm.RecordTrainStep(uint64(i), 1.0)
	}
	hm.RecordTrainStep(uint64(spikeMinSteps+1), 50.0)

	status := hm.getStatus()
	if len(status.Alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(status.Alerts))
	}
	if status.Alerts[0].Level != "warning" {
		t.Errorf("alert level = %q, want warning", status.Alerts[0].Level)
	}
	// A warning does not degrade overall health.
	if status.Status != "healthy" {
		t.Errorf("status = %q, want healthy", status.Status)
	}
}

func TestSteadyLossRaisesNoAlert(t *testing.T) {
	hm := NewHealthMonitor()
	for i := 1; i <= 64; i++ {
		hm.RecordTrainStep(uint64(i), 2.0+0.01*float64(i%5))
	}
	if status := hm.getStatus(); len(status.Alerts) != 0 {
		t.Fatalf("alerts = %d, want 0 (%+v)", len(status.Alerts), status.Alerts)
	}
}

func TestResolveAlertRestoresHealth(t *testing.T) {
	hm := NewHealthMonitor()
	hm.AddAlert("critical", "training", "loss is not finite at step 3")

	if status := hm.getStatus(); status.Status != "critical" {
		t.Fatalf("status = %q, want critical", status.Status)
	}
	hm.ResolveAlert(0)
	status := hm.getStatus()
	if status.Status != "healthy" {
		t.Errorf("status after resolve = %q, want healthy", status.Status)
	}
	if !status.Alerts[0].Resolved || status.Alerts[0].ResolvedAt == nil {
		t.Errorf("alert not marked resolved: %+v", status.Alerts[0])
	}
}

func TestClearAlertsEndpoint(t *testing.T) {
	hm := NewHealthMonitor()
	hm.AddAlert("error", "checkpoint", "save failed")

	rec := httptest.NewRecorder()
	hm.handleClearAlerts(rec, httptest.NewRequest(http.MethodGet, "/admin/clear-alerts", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET code = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}

	rec = httptest.NewRecorder()
	hm.handleClearAlerts(rec, httptest.NewRequest(http.MethodPost, "/admin/clear-alerts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST code = %d, want %d", rec.Code, http.StatusOK)
	}
	if status := hm.getStatus(); len(status.Alerts) != 0 {
		t.Errorf("alerts after clear = %d, want 0", len(status.Alerts))
	}
}

func TestStatusDocumentTrainingFields(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RecordTrainStep(1, 4.0)
	hm.RecordTrainStep(2, 2.0)
	hm.RecordInference("predict")

	rec := httptest.NewRecorder()
	hm.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}

	var status Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Training.Step != 2 {
		t.Errorf("step = %d, want 2", status.Training.Step)
	}
	if status.Training.LastLoss != 2.0 {
		t.Errorf("last loss = %v, want 2.0", status.Training.LastLoss)
	}
	if status.Training.MeanLoss != 3.0 {
		t.Errorf("mean loss = %v, want 3.0", status.Training.MeanLoss)
	}
	if status.Training.LastInference.IsZero() {
		t.Error("last inference not recorded")
	}
	if status.System.NumCPU <= 0 {
		t.Errorf("system info missing: %+v", status.System)
	}
}

func TestStepsPerSecUsesWindowSpan(t *testing.T) {
	base := time.Now()
	history := []stepPoint{
		{at: base, loss: 1},
		{at: base.Add(time.Second), loss: 1},
		{at: base.Add(2 * time.Second), loss: 1},
	}
	got := stepsPerSec(history)
	if math.Abs(got-1.0) > 1e-9 {
		t.Errorf("stepsPerSec = %v, want 1.0", got)
	}
	if stepsPerSec(history[:1]) != 0 {
		t.Error("single point should report 0")
	}
}

func TestAlertHistoryIsCapped(t *testing.T) {
	hm := NewHealthMonitor()
	for i := 0; i < maxAlerts+10; i++ {
		hm.AddAlert("info", "test", "noise")
	}
	if got := len(hm.getStatus().Alerts); got != maxAlerts {
		t.Errorf("alerts = %d, want cap %d", got, maxAlerts)
	}
}
