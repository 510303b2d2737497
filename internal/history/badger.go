package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
)

// BadgerStore keeps history in an embedded badger database. Records expire
// after the retention period.
type BadgerStore struct {
	db        *badger.DB
	retention time.Duration
}

// OpenBadger opens or creates the database at path.
func OpenBadger(path string, retention time.Duration) (*BadgerStore, error) {
	if path == "" {
		return nil, fmt.Errorf("badger history needs a directory")
	}
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return &BadgerStore{db: db, retention: retention}, nil
}

// key format: n:island:timestamp:id, so a reverse scan of one island's
// prefix yields the newest records first.
func recordKey(r Record) []byte {
	return []byte(fmt.Sprintf("n:%06d:%020d:%s", r.Island, r.At.UnixNano(), r.ID))
}

// Append implements Store.
func (s *BadgerStore) Append(_ context.Context, r Record) error {
	val, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(recordKey(r), val)
		if s.retention > 0 {
			e = e.WithTTL(s.retention)
		}
		return txn.SetEntry(e)
	})
}

// Recent implements Store. Without an island filter every island is
// scanned and the results merged by time.
func (s *BadgerStore) Recent(ctx context.Context, q Query) ([]Record, error) {
	prefix := []byte("n:")
	if q.Island > 0 {
		prefix = []byte(fmt.Sprintf("n:%06d:", q.Island))
	}
	limit := limitOf(q)

	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var r Record
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &r) }); err != nil {
				return err
			}
			if q.RequestID > 0 && r.RequestID != q.RequestID {
				continue
			}
			out = append(out, r)
			if q.Island > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if q.Island == 0 {
		sortNewestFirst(out)
		if len(out) > limit {
			out = out[:limit]
		}
	}
	return out, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
