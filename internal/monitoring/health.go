// Package monitoring serves training-run health over HTTP: a liveness
// endpoint, the Prometheus registry, and a status document with loss and
// throughput signals derived from recent steps.
package monitoring

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"runtime"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-bowyer/internal/logger"
)

const (
	// historyWindow bounds the per-step history the status math runs over.
	historyWindow = 256
	maxAlerts     = 100

	// spikeFactor: a step loss this far above the window mean raises a
	// warning. Chosen loose; early training is noisy.
	spikeFactor = 4.0
	// spikeMinSteps gates spike detection until the mean is meaningful.
	spikeMinSteps = 16
)

// Status is the /status document.
type Status struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Training  TrainingInfo  `json:"training"`
	Alerts    []Alert       `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// TrainingInfo summarizes the recent step history.
type TrainingInfo struct {
	Step          uint64    `json:"step"`
	LastLoss      float64   `json:"last_loss"`
	MeanLoss      float64   `json:"mean_loss"`
	StepsPerSec   float64   `json:"steps_per_sec"`
	LastTrainStep time.Time `json:"last_train_step"`
	LastInference time.Time `json:"last_inference"`
}

// Alert levels: info, warning, error, critical. Unresolved error-level
// alerts degrade the health status; critical ones fail it.
type Alert struct {
	Level      string     `json:"level"`
	Component  string     `json:"component"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type stepPoint struct {
	at   time.Time
	loss float64
}

// HealthMonitor watches training signals and serves them. Recording is
// cheap enough to call on every committed step.
type HealthMonitor struct {
	startTime time.Time
	server    *http.Server
	log       *logger.Logger

	mu            sync.RWMutex
	alerts        []Alert
	history       []stepPoint
	step          uint64
	lastLoss      float64
	lastTrain     time.Time
	lastInference time.Time
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		log:       logger.Component("monitoring"),
	}
}

// Start serves until the listener fails or Stop is called.
func (hm *HealthMonitor) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)

	hm.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	hm.log.Info("Health monitor listening", "addr", addr)
	return hm.server.ListenAndServe()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordTrainStep feeds one committed step into the health signals. A
// non-finite loss raises a critical alert; a spike well above the recent
// mean raises a warning.
func (hm *HealthMonitor) RecordTrainStep(step uint64, loss float64) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	now := time.Now()
	hm.step = step
	hm.lastLoss = loss
	hm.lastTrain = now

	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		hm.addAlertLocked("critical", "training", fmt.Sprintf("loss is not finite at step %d", step))
		return
	}

	if len(hm.history) >= spikeMinSteps {
		if mean := meanLoss(hm.history); mean > 0 && loss > spikeFactor*mean {
			hm.addAlertLocked("warning", "training",
				fmt.Sprintf("loss spiked to %.4f at step %d (recent mean %.4f)", loss, step, mean))
		}
	}

	hm.history = append(hm.history, stepPoint{at: now, loss: loss})
	if len(hm.history) > historyWindow {
		hm.history = hm.history[1:]
	}
}

// RecordInference marks inference activity for the status document.
func (hm *HealthMonitor) RecordInference(mode string) {
	hm.mu.Lock()
	hm.lastInference = time.Now()
	hm.mu.Unlock()
	hm.log.Debug("Inference served", "mode", mode)
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

// ResolveAlert marks the alert at index resolved. Out-of-range indexes are
// ignored.
func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.getStatus()
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.getStatus())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

func (hm *HealthMonitor) getStatus() Status {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	return Status{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		System:    systemInfo(),
		Training: TrainingInfo{
			Step:          hm.step,
			LastLoss:      hm.lastLoss,
			MeanLoss:      meanLoss(hm.history),
			StepsPerSec:   stepsPerSec(hm.history),
			LastTrainStep: hm.lastTrain,
			LastInference: hm.lastInference,
		},
		Alerts: hm.alerts,
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func meanLoss(history []stepPoint) float64 {
	if len(history) == 0 {
		return 0
	}
	total := 0.0
	for _, p := range history {
		total += p.loss
	}
	return total / float64(len(history))
}

// stepsPerSec measures over the window's time span, not process uptime, so
// idle sessions do not dilute it.
func stepsPerSec(history []stepPoint) float64 {
	if len(history) < 2 {
		return 0
	}
	span := history[len(history)-1].at.Sub(history[0].at).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(len(history)-1) / span
}
