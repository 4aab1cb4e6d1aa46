// Package journal writes one JSON file per agent decision for offline audit.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record captures an agent cycle end to end.
type Record struct {
	Timestamp     time.Time      `json:"timestamp"`
	Sequence      int            `json:"sequence"`
	AgentID       int64          `json:"agent_id"`
	AgentName     string         `json:"agent_name"`
	Timeframe     string         `json:"timeframe"`
	DecisionID    int64          `json:"decision_id"`
	PromptVersion int            `json:"prompt_version"`
	PromptDigest  string         `json:"prompt_digest,omitempty"`
	ContextDigest string         `json:"context_digest,omitempty"`
	Model         string         `json:"model,omitempty"`
	Response      string         `json:"response,omitempty"`
	Action        string         `json:"action"`
	Symbol        string         `json:"symbol,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	Executed      bool           `json:"executed"`
	Portfolio     map[string]any `json:"portfolio,omitempty"`
	Candidates    []string       `json:"candidates,omitempty"`
	Error         string         `json:"error,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Writer persists records to a directory.
type Writer struct {
	dir   string
	mu    sync.Mutex
	seq   int
	nowFn func() time.Time
}

// NewWriter constructs a journal writer rooted at dir.
func NewWriter(dir string) (*Writer, error) {
	if dir == "" {
		dir = "journal"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create %s: %w", dir, err)
	}
	return &Writer{dir: dir, nowFn: time.Now}, nil
}

// Write stores rec as decision_<agent>_<time>_<seq>.json and returns the path.
func (w *Writer) Write(rec *Record) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("journal: nil record")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = w.nowFn()
	}
	w.seq++
	rec.Sequence = w.seq
	name := fmt.Sprintf("decision_%d_%s_%05d.json", rec.AgentID, rec.Timestamp.UTC().Format("20060102_150405"), w.seq)
	path := filepath.Join(w.dir, name)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("journal: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("journal: write %s: %w", path, err)
	}
	return path, nil
}
