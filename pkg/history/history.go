// Package history keeps the append-only record of finished transfers.
package history

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"lanxfer/pkg/types"
)

// Query narrows a listing. Zero values match everything; records come back
// newest first.
type Query struct {
	Limit   int
	BatchID types.BatchID
	Outcome types.Outcome
}

func (q Query) matches(r types.HistoryRecord) bool {
	if q.BatchID != "" && r.BatchID != q.BatchID {
		return false
	}
	if q.Outcome != "" && r.Outcome != q.Outcome {
		return false
	}
	return true
}

// Store persists history records.
type Store interface {
	Append(rec types.HistoryRecord) error
	List(q Query) ([]types.HistoryRecord, error)
	Close() error
}

// Log is the engine's view of history. Append never fails the caller: a
// store error is logged and the record is still kept in memory so the
// running process can report it.
type Log struct {
	store  Store
	logger *zap.Logger

	mu       sync.Mutex
	fallback *MemoryStore
}

func NewLog(store Store, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Log{store: store, logger: logger}
}

// Append records one terminal session.
func (l *Log) Append(rec types.HistoryRecord) {
	if err := l.store.Append(rec); err != nil {
		l.logger.Error("Failed to persist history record",
			zap.String("session_id", string(rec.SessionID)),
			zap.Error(err))

		l.mu.Lock()
		if l.fallback == nil {
			l.fallback = NewMemoryStore()
		}
		fb := l.fallback
		l.mu.Unlock()
		_ = fb.Append(rec)
	}
}

// List returns matching records, newest first.
func (l *Log) List(q Query) ([]types.HistoryRecord, error) {
	records, err := l.store.List(q)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	l.mu.Lock()
	fb := l.fallback
	l.mu.Unlock()
	if fb == nil {
		return records, nil
	}

	extra, _ := fb.List(q)
	merged := newestFirst(append(records, extra...))
	if q.Limit > 0 && len(merged) > q.Limit {
		merged = merged[:q.Limit]
	}
	return merged, nil
}

func (l *Log) Close() error {
	return l.store.Close()
}
