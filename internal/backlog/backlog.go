// Package backlog records remote directories that could not be loaded so a
// later run can retry them.
package backlog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Reasons recorded with an entry.
const (
	ReasonMissing    = "missing"
	ReasonConnect    = "connect"
	ReasonFetch      = "fetch"
	ReasonParse      = "parse"
	ReasonLoad       = "load"
	ReasonConstraint = "constraint"
	ReasonRecovery   = "recovery"
)

// Entry is one pending directory.
type Entry struct {
	Dir         string    `json:"dir" yaml:"dir"`
	Granularity string    `json:"granularity" yaml:"granularity"`
	Reason      string    `json:"reason" yaml:"reason"`
	Attempts    int       `json:"attempts" yaml:"attempts"`
	LastError   string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	FirstSeen   time.Time `json:"first_seen" yaml:"first_seen"`
	LastAttempt time.Time `json:"last_attempt" yaml:"last_attempt"`
}

// Store persists backlog entries keyed by directory.
//
// Add inserts a new entry with one attempt, or bumps the attempt count of an
// existing one while keeping its FirstSeen. List returns entries oldest
// FirstSeen first, ties broken by directory.
type Store interface {
	Add(ctx context.Context, e Entry) error
	Remove(ctx context.Context, dir string) error
	List(ctx context.Context) ([]Entry, error)
	Len(ctx context.Context) (int, error)
}

func stamp(e Entry, now time.Time) Entry {
	if e.LastAttempt.IsZero() {
		e.LastAttempt = now
	}
	if e.FirstSeen.IsZero() {
		e.FirstSeen = e.LastAttempt
	}
	e.FirstSeen = e.FirstSeen.UTC()
	e.LastAttempt = e.LastAttempt.UTC()
	e.Attempts = 1
	return e
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].FirstSeen.Equal(entries[j].FirstSeen) {
			return entries[i].FirstSeen.Before(entries[j].FirstSeen)
		}
		return entries[i].Dir < entries[j].Dir
	})
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]Entry{}, now: time.Now}
}

// Add implements Store.
func (m *MemoryStore) Add(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e = stamp(e, m.now())
	if prev, ok := m.entries[e.Dir]; ok {
		e.FirstSeen = prev.FirstSeen
		e.Attempts = prev.Attempts + 1
	}
	m.entries[e.Dir] = e
	return nil
}

// Remove implements Store. Removing an unknown directory is not an error.
func (m *MemoryStore) Remove(_ context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, dir)
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

// Len implements Store.
func (m *MemoryStore) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}
