package history

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"lanxfer/pkg/types"
)

const recordPrefix = "history:"

// BadgerStore persists records in a BadgerDB directory. Keys sort by
// timestamp, so a reverse prefix scan yields newest first.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// OpenBadgerStore opens (or creates) the database at dir. An empty dir opens
// an in-memory database.
func OpenBadgerStore(dir string, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	logger.Debug("Opened history database", zap.String("dir", dir))
	return &BadgerStore{db: db, logger: logger}, nil
}

func recordKey(rec types.HistoryRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", recordPrefix, rec.Timestamp.UnixNano(), rec.SessionID))
}

func (b *BadgerStore) Append(rec types.HistoryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode history record: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec), data)
	})
}

func (b *BadgerStore) List(q Query) ([]types.HistoryRecord, error) {
	var out []types.HistoryRecord
	prefix := []byte(recordPrefix)

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the last key that is <= the seek key.
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var rec types.HistoryRecord
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			})
			if err != nil {
				return fmt.Errorf("failed to decode history record: %w", err)
			}
			if !q.matches(rec) {
				continue
			}
			out = append(out, rec)
			if q.Limit > 0 && len(out) == q.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}
