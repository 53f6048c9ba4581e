// Package audit keeps an append-only JSONL trail of manual overrides.
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/brutev/fd-agent/internal/errors"
)

// OverrideEvent records a change request whose pattern was forced by a user
// instead of taken from the classifier
type OverrideEvent struct {
	Timestamp       time.Time `json:"timestamp"`
	ChangeRequestID string    `json:"change_request_id"`
	Supersedes      string    `json:"supersedes"`
	DetectedPattern string    `json:"detected_pattern"`
	ForcedPattern   string    `json:"forced_pattern"`
	Confidence      float64   `json:"confidence"`
	Reason          string    `json:"reason,omitempty"`
}

// Log appends events to one JSONL file
type Log struct {
	path string
	mu   sync.Mutex
}

// NewLog returns a log writing to path. The file is created on first write.
func NewLog(path string) *Log {
	return &Log{path: path}
}

// Path returns the log file location
func (l *Log) Path() string { return l.path }

// LogOverride appends event to the log
func (l *Log) LogOverride(event OverrideEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return errors.FileSystemErrorf(err, "create audit directory")
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.FileSystemErrorf(err, "open audit log %s", l.path)
	}
	defer f.Close()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return json.NewEncoder(f).Encode(event)
}

// Overrides reads every event in file order. A missing file has no events.
func (l *Log) Overrides() ([]OverrideEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.FileSystemErrorf(err, "open audit log %s", l.path)
	}
	defer f.Close()

	var events []OverrideEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e OverrideEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeFileSystem, errors.SeverityMedium, "corrupt audit entry in %s", l.path)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.FileSystemErrorf(err, "read audit log %s", l.path)
	}
	return events, nil
}
