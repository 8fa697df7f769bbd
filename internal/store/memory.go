package store

import (
	"sort"
	"sync"

	"github.com/haulio/haul/internal/model"
)

// MemoryStore is a non-durable TaskStore used by tests and by any caller
// that opts out of persistence (spec §4.C allows an engine instance with
// no configured store directory to run in memory-only mode).
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*model.TaskRecord
	seq     map[string]int
	next    int
}

var _ TaskStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*model.TaskRecord),
		seq:     make(map[string]int),
	}
}

func (m *MemoryStore) Save(rec *model.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	if _, ok := m.seq[rec.TaskID]; !ok {
		m.seq[rec.TaskID] = m.next
		m.next++
	}
	m.records[rec.TaskID] = &cp
	return nil
}

func (m *MemoryStore) Load(taskID string) (*model.TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[taskID]
	if !ok {
		return nil, false, nil
	}
	cp := *rec
	return &cp, true, nil
}

func (m *MemoryStore) LoadAll() ([]*model.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return m.seq[ids[i]] < m.seq[ids[j]] })

	out := make([]*model.TaskRecord, 0, len(ids))
	for _, id := range ids {
		cp := *m.records[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Remove(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, taskID)
	delete(m.seq, taskID)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
