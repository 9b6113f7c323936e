package samplestore

import (
	"context"

	"github.com/dgraph-io/badger/v4"

	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// RecordOutcome is the result of one batch record.
type RecordOutcome struct {
	Index int
	Err   error
}

// IngestResult reports per-record outcomes of a batch.
type IngestResult struct {
	Accepted int
	Rejected int
	Outcomes []RecordOutcome
}

// Errors returns the outcomes that failed.
func (r IngestResult) Errors() []RecordOutcome {
	var out []RecordOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Ingest upserts a batch. Every record is written in its own transaction:
// a failing record never rolls back the others.
func (s *Store) Ingest(ctx context.Context, batch []types.Sample) IngestResult {
	res := IngestResult{Outcomes: make([]RecordOutcome, len(batch))}

	for i := range batch {
		res.Outcomes[i].Index = i

		if err := ctx.Err(); err != nil {
			res.Outcomes[i].Err = err
			res.Rejected++
			continue
		}

		sample := batch[i]
		sample.Normalize()

		err := sample.Validate()
		if err == nil {
			err = s.put(&sample)
		}

		res.Outcomes[i].Err = err
		if err != nil {
			res.Rejected++
			s.rejected.Add(1)
			if errors.IsConflict(err) {
				s.immutable.Add(1)
			}
			continue
		}
		res.Accepted++
		s.accepted.Add(1)
	}

	if res.Rejected > 0 {
		s.logger.Debug("batch partially rejected",
			"accepted", res.Accepted,
			"rejected", res.Rejected,
		)
	}

	return res
}

// put writes one normalized, valid sample and advances the latest index.
func (s *Store) put(sample *types.Sample) error {
	p := types.PartitionFor(sample.Table(), sample.Time)
	val, err := encode(sample)
	if err != nil {
		return errors.NewValidation("sample", err.Error())
	}
	lk := latestKey(sample.Table(), sample.DeviceID, sample.Key, sample.SubKey)

	for attempt := 0; ; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			if err := ensureWritable(txn, p); err != nil {
				return err
			}
			if err := txn.Set(sampleKey(sample), val); err != nil {
				return err
			}

			newer, err := isNewerThanLatest(txn, lk, sample)
			if err != nil || !newer {
				return err
			}
			return txn.Set(lk, val)
		})

		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			// Lost against a seal or a concurrent write of the same
			// series; the retry re-reads the catalog.
			s.conflicts.Add(1)
			continue
		}
		return transient("ingest", err)
	}
}

func isNewerThanLatest(txn *badger.Txn, lk []byte, sample *types.Sample) (bool, error) {
	item, err := txn.Get(lk)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	var indexed types.Sample
	if err := item.Value(func(val []byte) error {
		return decode(val, &indexed)
	}); err != nil {
		return false, err
	}
	return !sample.Time.Before(indexed.Time), nil
}
