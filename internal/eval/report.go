package eval

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

// Report is the persisted form of one evaluation run.
type Report struct {
	RunID     string             `json:"run_id,omitempty"`
	Step      uint64             `json:"step"`
	CreatedAt time.Time          `json:"created_at"`
	Metrics   map[string]float64 `json:"metrics"`
	Examples  []ReportExample    `json:"examples"`
}

type ReportExample struct {
	Input      string   `json:"input"`
	Target     string   `json:"target"`
	Prediction string   `json:"prediction"`
	Score      *float32 `json:"score,omitempty"`
}

// WriteReport stores the report as eval_<step>.json under dir and returns
// the final path.
func WriteReport(dir string, report *Report) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("eval: create %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("eval: encode report: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("eval_%d.json", report.Step))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("eval: write report: %w", err)
	}
	return path, nil
}
