package session

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rendis/verdict/pkg/schema"
)

// Session is one human-in-the-loop validation run over generated cases.
type Session struct {
	ID           string                    `json:"id"`
	WorkflowID   string                    `json:"workflow_id"`
	Status       schema.SessionStatus      `json:"status"`
	Strategy     schema.CaseStrategy       `json:"strategy"`
	Cases        []schema.ValidationCase   `json:"cases"`
	CurrentIndex int                       `json:"current_index"`
	Answers      []schema.ValidationAnswer `json:"answers"`
	Skipped      int                       `json:"skipped"`
	StartedAt    time.Time                 `json:"started_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`

	// Merged is the workflow's cumulative score as of completion.
	Merged *schema.ValidationScore `json:"merged,omitempty"`
}

// Exhausted reports whether every case has been answered or skipped.
func (s *Session) Exhausted() bool {
	return s.CurrentIndex >= len(s.Cases)
}

// Score aggregates the answers recorded so far.
func (s *Session) Score() schema.ValidationScore {
	score := schema.ValidationScore{Total: len(s.Answers)}
	for _, a := range s.Answers {
		if a.Matched {
			score.Matches++
		}
	}
	return score
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Cases = slices.Clone(s.Cases)
	cp.Answers = slices.Clone(s.Answers)
	if s.Merged != nil {
		m := *s.Merged
		cp.Merged = &m
	}
	return &cp
}

type entry struct {
	mu sync.Mutex
	s  *Session
}

// Table holds live sessions. The map is guarded by an RWMutex; each session
// has its own mutex that callers hold across a read-modify-write, so work on
// different sessions never serializes.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

func (t *Table) put(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[s.ID] = &entry{s: s}
}

func (t *Table) lookup(id string) (*entry, error) {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeSessionNotFound, "session %q not found", id).
			WithDetails(map[string]any{"session_id": id})
	}
	return e, nil
}

// with runs fn while holding the session's lock.
func (t *Table) with(id string, fn func(s *Session) error) error {
	e, err := t.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.s)
}

// Get returns a copy of the session.
func (t *Table) Get(id string) (*Session, error) {
	var out *Session
	err := t.with(id, func(s *Session) error {
		out = s.clone()
		return nil
	})
	return out, err
}

// List returns copies of every session, oldest first.
func (t *Table) List() []*Session {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]*Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.s.clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Delete removes a session. Unknown ids are ignored.
func (t *Table) Delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Len returns the number of sessions held.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
