package samplestore

import (
	"context"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/storage/parquet"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// exportChunk is the number of rows handed to the Parquet writer at once.
const exportChunk = 1000

// SealPartition moves a hot partition to sealing. From then on upserts
// fail with ErrPartitionImmutable. Sealing an already sealing partition
// is a no-op so an interrupted compression can resume.
func (s *Store) SealPartition(ctx context.Context, p types.Partition) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.updateCatalog(p, func(e *catalogEntry, found bool) error {
		if !found {
			return errors.NewNotFound("partition", p.String())
		}
		switch e.State {
		case types.StateHot, types.StateSealing:
			e.State = types.StateSealing
			return nil
		default:
			return fmt.Errorf("seal %s partition %s: %w", e.State, p, errors.ErrInvalidTransition)
		}
	})
	return transient("seal partition", err)
}

// ExportPartition writes every row of a sealing partition to its Parquet
// file and verifies the file checksum. The file is not visible until it
// is complete.
func (s *Store) ExportPartition(ctx context.Context, p types.Partition) (parquet.FileResult, error) {
	info, found, err := s.Partition(ctx, p)
	if err != nil {
		return parquet.FileResult{}, err
	}
	if !found {
		return parquet.FileResult{}, errors.NewNotFound("partition", p.String())
	}
	if info.State != types.StateSealing {
		return parquet.FileResult{}, fmt.Errorf("export %s partition %s: %w", info.State, p, errors.ErrInvalidTransition)
	}

	path := s.partitionFile(p)
	var res parquet.FileResult
	if p.Table.Kind == types.KindHourly {
		res, err = s.exportRollups(ctx, p, path)
	} else {
		res, err = s.exportSamples(ctx, p, path)
	}
	if err != nil {
		return parquet.FileResult{}, err
	}

	sum, err := parquet.Checksum(path)
	if err != nil {
		return parquet.FileResult{}, transient("checksum partition", err)
	}
	if sum != res.Checksum {
		os.Remove(path)
		return parquet.FileResult{}, errors.NewTransient("verify partition",
			fmt.Errorf("checksum mismatch for %s: %x != %x", path, sum, res.Checksum))
	}

	return res, nil
}

func (s *Store) exportSamples(ctx context.Context, p types.Partition, path string) (parquet.FileResult, error) {
	w, err := parquet.NewSampleWriter(path, s.opts.Parquet)
	if err != nil {
		return parquet.FileResult{}, transient("create partition file", err)
	}

	chunk := make([]types.Sample, 0, exportChunk)
	err = s.scanPrefix(ctx, partitionPrefix(prefixSample, p), func(val []byte) error {
		var smp types.Sample
		if err := decode(val, &smp); err != nil {
			return err
		}
		chunk = append(chunk, smp)
		if len(chunk) == exportChunk {
			err := w.Write(chunk)
			chunk = chunk[:0]
			return err
		}
		return nil
	})
	if err == nil {
		err = w.Write(chunk)
	}
	if err != nil {
		w.Abort()
		return parquet.FileResult{}, transient("export partition", err)
	}

	res, err := w.Commit()
	return res, transient("commit partition file", err)
}

func (s *Store) exportRollups(ctx context.Context, p types.Partition, path string) (parquet.FileResult, error) {
	w, err := parquet.NewRollupWriter(path, s.opts.Parquet)
	if err != nil {
		return parquet.FileResult{}, transient("create partition file", err)
	}

	chunk := make([]types.HourlyRollup, 0, exportChunk)
	err = s.scanPrefix(ctx, partitionPrefix(prefixRollup, p), func(val []byte) error {
		var r types.HourlyRollup
		if err := decode(val, &r); err != nil {
			return err
		}
		chunk = append(chunk, r)
		if len(chunk) == exportChunk {
			err := w.Write(chunk)
			chunk = chunk[:0]
			return err
		}
		return nil
	})
	if err == nil {
		err = w.Write(chunk)
	}
	if err != nil {
		w.Abort()
		return parquet.FileResult{}, transient("export partition", err)
	}

	res, err := w.Commit()
	return res, transient("commit partition file", err)
}

// MarkCompressed records the exported file of a sealing partition and
// deletes its hot rows.
func (s *Store) MarkCompressed(ctx context.Context, p types.Partition, res parquet.FileResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.updateCatalog(p, func(e *catalogEntry, found bool) error {
		if !found || e.State != types.StateSealing {
			return fmt.Errorf("mark %s partition %s compressed: %w", e.State, p, errors.ErrInvalidTransition)
		}
		e.State = types.StateCompressed
		e.File = res.Path
		e.Rows = res.Rows
		e.Bytes = res.Bytes
		e.Checksum = res.Checksum
		return nil
	})
	if err != nil {
		return transient("mark compressed", err)
	}

	return transient("drop hot rows", s.deletePrefix(ctx, hotPrefix(p)))
}

// DropPartition marks a partition dropped and deletes its data: hot rows,
// the Parquet file and latest-index entries that pointed into it.
// Dropping an already dropped partition finishes an interrupted purge.
func (s *Store) DropPartition(ctx context.Context, p types.Partition) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var file string
	err := s.updateCatalog(p, func(e *catalogEntry, found bool) error {
		if !found {
			return errors.NewNotFound("partition", p.String())
		}
		file = e.File
		e.State = types.StateDropped
		return nil
	})
	if err != nil {
		return transient("drop partition", err)
	}

	if err := s.deletePrefix(ctx, hotPrefix(p)); err != nil {
		return transient("drop hot rows", err)
	}
	if file != "" {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			return transient("remove partition file", err)
		}
	}
	if p.Table.Kind == types.KindRaw {
		if err := s.purgeLatest(ctx, p); err != nil {
			return transient("purge latest index", err)
		}
	}

	err = s.updateCatalog(p, func(e *catalogEntry, _ bool) error {
		e.Purged = true
		e.File = ""
		return nil
	})
	return transient("drop partition", err)
}

// VerifyPartition re-hashes the file of a compressed partition and
// compares it with the checksum recorded at export.
func (s *Store) VerifyPartition(ctx context.Context, p types.Partition) error {
	info, found, err := s.Partition(ctx, p)
	if err != nil {
		return err
	}
	if !found {
		return errors.NewNotFound("partition", p.String())
	}
	if info.State != types.StateCompressed {
		return nil
	}

	sum, err := parquet.Checksum(info.File)
	if err != nil {
		return transient("checksum partition", err)
	}
	if sum != info.Checksum {
		return fmt.Errorf("partition %s: checksum %x, recorded %x", p, sum, info.Checksum)
	}
	return nil
}

func hotPrefix(p types.Partition) []byte {
	if p.Table.Kind == types.KindHourly {
		return partitionPrefix(prefixRollup, p)
	}
	return partitionPrefix(prefixSample, p)
}

// deletePrefix deletes every key under prefix through a write batch.
// Unlike DB.DropPrefix it does not block writes to other partitions.
func (s *Store) deletePrefix(ctx context.Context, prefix []byte) error {
	wb := s.db.NewWriteBatch()
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		n := 0
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
			if n%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			if err := wb.Delete(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		wb.Cancel()
		return err
	}
	return wb.Flush()
}

// scanPrefix calls fn with the value of every key under prefix in key order.
func (s *Store) scanPrefix(ctx context.Context, prefix []byte, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchSize = 100

		it := txn.NewIterator(opts)
		defer it.Close()

		n := 0
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
			if n%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// purgeLatest deletes latest-index entries whose sample lies in p.
func (s *Store) purgeLatest(ctx context.Context, p types.Partition) error {
	prefix := latestTablePrefix(p.Table)
	var stale [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var smp types.Sample
			if err := item.Value(func(val []byte) error {
				return decode(val, &smp)
			}); err != nil {
				return err
			}
			if p.Contains(smp.Time) {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Re-check inside the write so a concurrent newer sample survives.
	for _, k := range stale {
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(k)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			var smp types.Sample
			if err := item.Value(func(val []byte) error {
				return decode(val, &smp)
			}); err != nil {
				return err
			}
			if !p.Contains(smp.Time) {
				return nil
			}
			return txn.Delete(k)
		})
		if err != nil && !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return nil
}
