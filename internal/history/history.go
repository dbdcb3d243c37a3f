// Package history keeps bounded, persisted logs of backup and restore run
// outcomes.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"routerbackup/internal/state"
)

// DefaultCapacity is the number of records kept when none is configured.
const DefaultCapacity = 100

// Key is the state key the log is stored under.
const Key = "backup_history"

// KeyFor returns the state key for a job's history.
func KeyFor(job string) string {
	if job == "" {
		return Key
	}
	return Key + "." + job
}

// Restores keep a shorter log under their own key.
const (
	DefaultRestoreCapacity = 50
	RestoreKey             = "restore_history"
)

// RestoreKeyFor returns the state key for a job's restore history.
func RestoreKeyFor(job string) string {
	if job == "" {
		return RestoreKey
	}
	return RestoreKey + "." + job
}

// Outcome of one run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// SinkResult is the result of writing the artifact to one sink.
type SinkResult struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
	Evicted  int    `json:"evicted"`
	Warning  string `json:"warning,omitempty"` // retention cleanup that only succeeded on retry
}

// Record is one entry of the history.
type Record struct {
	ID            string       `json:"id"`
	Job           string       `json:"job"`
	Time          time.Time    `json:"time"`
	Trigger       string       `json:"trigger,omitempty"`
	Outcome       Outcome      `json:"outcome"`
	Success       bool         `json:"success"`
	Message       string       `json:"message"`
	Artifact      string       `json:"artifact,omitempty"`
	FetchAttempts int          `json:"fetchAttempts"`
	Sinks         []SinkResult `json:"sinks,omitempty"`
}

// Log is a ring buffer of records, newest first.
type Log struct {
	store    state.Store
	key      string
	capacity int

	mu      sync.RWMutex
	records []Record
}

// New creates an empty log. store may be nil, in which case nothing is
// persisted.
func New(store state.Store, key string, capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if key == "" {
		key = Key
	}
	return &Log{store: store, key: key, capacity: capacity}
}

// Load replaces the in-memory records with the persisted ones. A missing key
// leaves the log empty.
func (l *Log) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	raw, err := l.store.Get(ctx, l.key)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("failed to decode history %s: %w", l.key, err)
	}
	if len(records) > l.capacity {
		records = records[:l.capacity]
	}

	l.mu.Lock()
	l.records = records
	l.mu.Unlock()
	return nil
}

// Append inserts rec at the front, drops the oldest records beyond capacity
// and persists the log. The in-memory log is updated even when persisting
// fails.
func (l *Log) Append(ctx context.Context, rec Record) error {
	l.mu.Lock()
	records := make([]Record, 0, min(len(l.records)+1, l.capacity))
	records = append(records, rec)
	for _, r := range l.records {
		if len(records) == l.capacity {
			break
		}
		records = append(records, r)
	}
	l.records = records
	raw, err := json.Marshal(records)
	l.mu.Unlock()

	return l.persist(ctx, raw, err)
}

// Clear drops every record and persists the empty log.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	l.records = nil
	l.mu.Unlock()
	return l.persist(ctx, []byte("[]"), nil)
}

func (l *Log) persist(ctx context.Context, raw []byte, encErr error) error {
	if encErr != nil {
		return fmt.Errorf("failed to encode history: %w", encErr)
	}
	if l.store == nil {
		return nil
	}
	if err := l.store.Put(ctx, l.key, raw); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

// List returns a copy of the records, newest first.
func (l *Log) List() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Latest returns the newest record, if any.
func (l *Log) Latest() (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.records) == 0 {
		return Record{}, false
	}
	return l.records[0], true
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func (l *Log) Capacity() int { return l.capacity }
