package report

import (
	"context"
	"sync"

	"forgescan/tool-runner/internal/model"
)

// Memory keeps results in process. Recent holds at most capacity entries.
type Memory struct {
	mu       sync.RWMutex
	byRun    map[string]*model.Result
	recent   []*model.Result
	capacity int
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 500
	}
	return &Memory{byRun: make(map[string]*model.Result), capacity: capacity}
}

func (m *Memory) Publish(_ context.Context, res *model.Result) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byRun[res.RunID]; ok {
		return false, nil
	}
	cp := *res
	m.byRun[res.RunID] = &cp
	m.recent = append([]*model.Result{&cp}, m.recent...)
	if len(m.recent) > m.capacity {
		evicted := m.recent[m.capacity:]
		for _, r := range evicted {
			delete(m.byRun, r.RunID)
		}
		m.recent = m.recent[:m.capacity]
	}
	return true, nil
}

func (m *Memory) Get(_ context.Context, runID string) (*model.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byRun[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) Recent(_ context.Context, limit int) ([]*model.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.recent) {
		limit = len(m.recent)
	}
	out := make([]*model.Result, 0, limit)
	for _, r := range m.recent[:limit] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// Count reports how many distinct runs have a stored result.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byRun)
}
