package samplestore

import (
	"context"

	"github.com/dgraph-io/badger/v4"

	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// catalogEntry is the persisted state of one partition.
type catalogEntry struct {
	State    types.PartitionState `json:"state"`
	Rows     int64                `json:"rows,omitempty"`
	File     string               `json:"file,omitempty"`
	Checksum uint64               `json:"checksum,omitempty"`
	Bytes    int64                `json:"bytes,omitempty"`
	Purged   bool                 `json:"purged,omitempty"`
}

func (e catalogEntry) info(p types.Partition) types.PartitionInfo {
	return types.PartitionInfo{
		Partition: p,
		State:     e.State,
		Rows:      e.Rows,
		File:      e.File,
		Checksum:  e.Checksum,
		Bytes:     e.Bytes,
		Purged:    e.Purged,
	}
}

func getCatalog(txn *badger.Txn, p types.Partition) (catalogEntry, bool, error) {
	var e catalogEntry
	item, err := txn.Get(catalogKey(p))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return e, false, nil
	}
	if err != nil {
		return e, false, err
	}
	err = item.Value(func(val []byte) error {
		return decode(val, &e)
	})
	return e, err == nil, err
}

func setCatalog(txn *badger.Txn, p types.Partition, e catalogEntry) error {
	val, err := encode(e)
	if err != nil {
		return err
	}
	return txn.Set(catalogKey(p), val)
}

// ensureWritable reads the catalog entry of p inside txn, registering the
// partition as hot on first write. The read makes txn conflict with any
// concurrent state change of p.
func ensureWritable(txn *badger.Txn, p types.Partition) error {
	e, found, err := getCatalog(txn, p)
	if err != nil {
		return err
	}
	if !found {
		return setCatalog(txn, p, catalogEntry{State: types.StateHot})
	}
	if !e.State.Writable() {
		return errors.NewImmutable(p.String(), e.State.String())
	}
	return nil
}

// Partition returns the catalog entry of p.
func (s *Store) Partition(ctx context.Context, p types.Partition) (types.PartitionInfo, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.PartitionInfo{}, false, err
	}

	var (
		e     catalogEntry
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		e, found, err = getCatalog(txn, p)
		return err
	})
	if err != nil {
		return types.PartitionInfo{}, false, transient("read catalog", err)
	}
	return e.info(p), found, nil
}

// ListPartitions returns the catalog entries of table ordered by day.
func (s *Store) ListPartitions(ctx context.Context, table types.Table) ([]types.PartitionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []types.PartitionInfo
	prefix := catalogTablePrefix(table)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			day, ok := catalogKeyDay(item.Key(), table)
			if !ok {
				continue
			}

			var e catalogEntry
			if err := item.Value(func(val []byte) error {
				return decode(val, &e)
			}); err != nil {
				return err
			}
			out = append(out, e.info(types.Partition{Table: table, Day: day}))
		}
		return nil
	})
	if err != nil {
		return nil, transient("list partitions", err)
	}
	return out, nil
}

// updateCatalog applies fn to the entry of p in one transaction.
func (s *Store) updateCatalog(p types.Partition, fn func(e *catalogEntry, found bool) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		e, found, err := getCatalog(txn, p)
		if err != nil {
			return err
		}
		if err := fn(&e, found); err != nil {
			return err
		}
		return setCatalog(txn, p, e)
	})
}
