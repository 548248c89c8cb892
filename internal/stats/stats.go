// Package stats records per-request routing statistics.
//
// The core treats the recorder as a thread-safe collaborator; this package
// ships a JSONL file recorder with daily rotation, a Prometheus recorder,
// a no-op, and a fan-out combinator.
package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	. "github.com/smartrouter/smartrouter/internal/logging"
)

// Request is one completed (or failed) routing attempt's record.
type Request struct {
	Timestamp        time.Time `json:"timestamp"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	RealModel        string    `json:"realModel,omitempty"`
	ProfileID        string    `json:"profileId,omitempty"`
	Tier             string    `json:"tier,omitempty"`
	TierScore        float64   `json:"tierScore"`
	Task             string    `json:"task,omitempty"`
	LatencyMs        int64     `json:"latencyMs"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	EstimatedCostUSD float64   `json:"estimatedCostUsd,omitempty"`
	ActualCostUSD    float64   `json:"actualCostUsd,omitempty"`
	Success          bool      `json:"success"`
	Error            string    `json:"error,omitempty"`
}

// Recorder is the request-log sink.
type Recorder interface {
	RecordRequest(rec Request)
}

// Noop discards every record.
type Noop struct{}

func (Noop) RecordRequest(Request) {}

// Multi fans one record out to several recorders.
type Multi []Recorder

func (m Multi) RecordRequest(rec Request) {
	for _, r := range m {
		r.RecordRequest(rec)
	}
}

// FileRecorder appends one JSON line per request.
type FileRecorder struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewFileRecorder opens (or creates) the JSONL log at path.
func NewFileRecorder(path string) (*FileRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open stats log: %w", err)
	}
	return &FileRecorder{path: path, f: f}, nil
}

func (r *FileRecorder) RecordRequest(rec Request) {
	line, err := json.Marshal(&rec)
	if err != nil {
		return
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.f.Write(line); err != nil {
		L_error("stats: write failed", "path", r.path, "error", err)
	}
}

// Rotate renames the current log to <path>.<date> and starts a fresh file.
// Run from a scheduled job.
func (r *FileRecorder) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.f.Close(); err != nil {
		L_warn("stats: close before rotate failed", "error", err)
	}

	rotated := r.path + "." + time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	if err := os.Rename(r.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rotate stats log: %w", err)
	}

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen stats log: %w", err)
	}
	r.f = f
	L_info("stats: rotated", "to", rotated)
	return nil
}

// Close flushes and closes the log file.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}
