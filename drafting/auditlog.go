package drafting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEvent is one line in the audit trail: what happened to which thread's
// draft, when, and at which revision. Model output is non-deterministic, so
// the trail records sizes and indices rather than re-deriving anything.
type AuditEvent struct {
	Time      time.Time `json:"time"`
	ThreadID  string    `json:"thread_id"`
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"`
	Revision  int       `json:"revision"`

	PromptBytes int `json:"prompt_bytes,omitempty"`
	OutputBytes int `json:"output_bytes,omitempty"`
}

// AuditLog appends events as JSONL. A nil *AuditLog is a valid no-op sink, so
// the orchestrator can treat auditing as optional.
type AuditLog struct {
	mu   sync.Mutex
	path string
}

// OpenAuditLog prepares a JSONL audit file at path, creating parent
// directories as needed.
func OpenAuditLog(path string) (*AuditLog, error) {
	if path == "" {
		return nil, &ValidationError{Field: "path", Reason: "must not be empty"}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &StorageError{Op: "open audit log", Err: err}
	}
	return &AuditLog{path: path}, nil
}

// Record appends one event. Each line is written and synced before Record
// returns, so the trail survives a crash mid-run.
func (l *AuditLog) Record(ev AuditEvent) error {
	if l == nil {
		return nil
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("Record: marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &StorageError{Op: "audit append", Err: err}
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return &StorageError{Op: "audit append", Err: err}
	}
	if err := f.Sync(); err != nil {
		return &StorageError{Op: "audit append", Err: err}
	}
	return nil
}
