// Package audit keeps an append-only JSONL log of controller decisions.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"nyiyui.ca/hato/shirei"
)

type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	// OutcomeNoop is a repeated request that changed nothing.
	OutcomeNoop    Outcome = "noop"
	OutcomeRefused Outcome = "refused"
)

// Entry captures a single controller action and its result.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	// Action is decide, approve or reject.
	Action   string   `json:"action"`
	Target   string   `json:"target"`
	Decision string   `json:"decision,omitempty"`
	Trains   []string `json:"trains,omitempty"`
	Outcome  Outcome  `json:"outcome"`
	Error    string   `json:"error,omitempty"`
}

// Logger appends entries to a file. The zero path discards entries.
type Logger struct {
	path string
	lock sync.Mutex
}

// New creates a logger appending to path, creating its directory.
func New(path string) (*Logger, error) {
	if path == "" {
		return &Logger{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Logger{path: path}, nil
}

// Record assigns an id and timestamp if missing and appends the entry as a JSON line.
func (l *Logger) Record(entry Entry) (Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if l == nil || l.path == "" {
		return entry, nil
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return entry, err
	}
	defer f.Close()
	return entry, json.NewEncoder(f).Encode(entry)
}

// Entries returns every readable entry, oldest first.
func (l *Logger) Entries() ([]Entry, error) {
	if l == nil || l.path == "" {
		return nil, nil
	}
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var res []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		res = append(res, e)
	}
	return res, scanner.Err()
}

// Find returns the entry with the given id.
func (l *Logger) Find(id string) (Entry, error) {
	es, err := l.Entries()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range es {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("audit entry %s: %w", id, shirei.ErrNotFound)
}

func (l *Logger) Path() string {
	return l.path
}
