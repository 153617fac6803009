package history

import (
	"sort"
	"sync"

	"lanxfer/pkg/types"
)

// MemoryStore keeps records for the life of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	records []types.HistoryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(rec types.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryStore) List(q Query) ([]types.HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.HistoryRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		if !q.matches(m.records[i]) {
			continue
		}
		out = append(out, m.records[i])
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func newestFirst(records []types.HistoryRecord) []types.HistoryRecord {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records
}
