package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rendis/verdict/pkg/schema"
)

// MemoryStore is an in-process Store. Workflows are stored as encoded
// documents so callers never share mutable state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string][]byte
	events    map[string][]*schema.Event
	nextID    int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string][]byte),
		events:    make(map[string][]*schema.Event),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Vacuum(context.Context) error  { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wf == nil || wf.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	if _, exists := m.workflows[wf.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %q already exists", wf.ID)
	}
	return m.put(wf, nil)
}

// SaveWorkflow inserts or replaces a workflow definition. Accumulated
// validation stats of an existing entry are kept.
func (m *MemoryStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wf == nil || wf.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	var prev *schema.Workflow
	if data, ok := m.workflows[wf.ID]; ok {
		p, err := decodeStored(data)
		if err != nil {
			return err
		}
		prev = p
	}
	return m.put(wf, prev)
}

func (m *MemoryStore) put(wf *schema.Workflow, prev *schema.Workflow) error {
	cp := *wf
	now := time.Now().UTC()
	cp.Metadata.UpdatedAt = now
	if prev != nil {
		cp.Metadata.ValidationScore = prev.Metadata.ValidationScore
		cp.Metadata.ValidationCount = prev.Metadata.ValidationCount
		cp.Metadata.CreatedAt = prev.Metadata.CreatedAt
	}
	cp.Metadata.CreatedAt = timeOrNow(cp.Metadata.CreatedAt)
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	m.workflows[wf.ID] = data
	return nil
}

func (m *MemoryStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	m.mu.RLock()
	data, ok := m.workflows[id]
	m.mu.RUnlock()
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	return decodeStored(data)
}

func (m *MemoryStore) UpdateValidation(ctx context.Context, id string, score float64, count int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.workflows[id]
	if !ok {
		return false, nil
	}
	wf, err := decodeStored(data)
	if err != nil {
		return false, err
	}
	wf.Metadata.ValidationScore = score
	wf.Metadata.ValidationCount = count
	wf.Metadata.UpdatedAt = time.Now().UTC()
	data, err = json.Marshal(wf)
	if err != nil {
		return false, fmt.Errorf("marshal workflow: %w", err)
	}
	m.workflows[id] = data
	return true, nil
}

func (m *MemoryStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	m.mu.RLock()
	var out []*schema.Workflow
	for _, data := range m.workflows {
		wf, err := decodeStored(data)
		if err != nil {
			m.mu.RUnlock()
			return nil, err
		}
		if filter.Domain != "" && wf.Metadata.Domain != filter.Domain {
			continue
		}
		if filter.Tag != "" && !slices.Contains(wf.Metadata.Tags, filter.Tag) {
			continue
		}
		if filter.ValidatedOnly && !wf.Metadata.IsValidated() {
			continue
		}
		out = append(out, wf)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Metadata.UpdatedAt, out[j].Metadata.UpdatedAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(m.workflows, id)
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	event.ID = m.nextID
	event.Sequence = int64(len(m.events[event.SessionID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)
	cp := *event
	m.events[event.SessionID] = append(m.events[event.SessionID], &cp)
	return nil
}

func (m *MemoryStore) GetEvents(ctx context.Context, sessionID string, since int64) ([]*schema.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.Event
	for _, e := range m.events[sessionID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, filter EventFilter) ([]*schema.Event, error) {
	m.mu.RLock()
	var out []*schema.Event
	for _, evs := range m.events {
		for _, e := range evs {
			if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
				continue
			}
			if filter.Type != "" && e.Type != filter.Type {
				continue
			}
			if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
				continue
			}
			cp := *e
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func decodeStored(data []byte) (*schema.Workflow, error) {
	var wf schema.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

var _ Store = (*MemoryStore)(nil)
