// Package query answers dashboard reads: raw ranges, hourly rollups,
// latest values and top-N rankings.
//
// Top-N rankings run over compressed partitions with DuckDB reading the
// Parquet files directly, and over hot partitions by folding the store's
// range iterator. The two partial results are merged per key.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	defaults "github.com/xtxerr/bandwatch/config"
	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/logging"
	"github.com/xtxerr/bandwatch/internal/storage/config"
	"github.com/xtxerr/bandwatch/internal/storage/samplestore"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// Store is the part of the sample store the service reads from.
type Store interface {
	Range(ctx context.Context, q samplestore.RangeQuery) iter.Seq2[types.Sample, error]
	RangeRollups(ctx context.Context, q samplestore.RollupQuery) iter.Seq2[types.HourlyRollup, error]
	Latest(ctx context.Context, dim types.Dimension, deviceID, key, subKey string) (types.Sample, bool, error)
	ListPartitions(ctx context.Context, table types.Table) ([]types.PartitionInfo, error)
}

// Service provides query capabilities over stored data.
type Service struct {
	config *config.Config
	db     *sql.DB
	store  Store
	logger *slog.Logger

	queries      atomic.Int64
	rowsReturned atomic.Int64
	errors       atomic.Int64
}

// ServiceStats holds service statistics.
type ServiceStats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// SampleQuery selects raw samples of one dimension in [From, To).
type SampleQuery struct {
	Dimension types.Dimension
	DeviceID  string
	Key       string
	SubKey    string
	From      time.Time
	To        time.Time
	Limit     int // capped by the configured max rows
}

// RollupQuery selects hourly rollups with HourStart in [From, To).
type RollupQuery struct {
	Dimension types.Dimension
	DeviceID  string
	Key       string
	SubKey    string
	From      time.Time
	To        time.Time
	Limit     int
}

// TopNQuery ranks the keys of one dimension by a field over [From, To).
type TopNQuery struct {
	Dimension types.Dimension
	Kind      types.Kind // raw samples or hourly rollups
	DeviceID  string     // empty ranks over all devices
	SubKey    string     // traffic type filter
	Field     string     // one of types.Fields()
	From      time.Time
	To        time.Time
	Limit     int
}

// TopNEntry is one ranked key. Counters are summed; bandwidth is the peak.
type TopNEntry struct {
	Key    string  `json:"key"`
	SubKey string  `json:"sub_key,omitempty"`
	Value  float64 `json:"value"`
}

// New creates a new query service backed by an in-memory DuckDB.
func New(cfg *config.Config, store Store) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if cfg.Query.MemoryLimit != "" {
		_, err = db.Exec(fmt.Sprintf("SET memory_limit='%s'", strings.ReplaceAll(cfg.Query.MemoryLimit, "'", "")))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{
		config: cfg,
		db:     db,
		store:  store,
		logger: logging.Component("query"),
	}, nil
}

// Close closes the query service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.Query.Timeout > 0 {
		return context.WithTimeout(ctx, s.config.Query.Timeout)
	}
	return context.WithCancel(ctx)
}

func (s *Service) limit(n int) int {
	max := s.config.Query.MaxRows
	if n <= 0 || (max > 0 && n > max) {
		return max
	}
	return n
}

func validateWindow(dim types.Dimension, from, to time.Time) error {
	errs := errors.NewValidationErrors()
	if !dim.Valid() {
		errs.AddField("dimension", "unknown dimension")
	}
	if from.IsZero() {
		errs.AddMissing("from")
	}
	if to.IsZero() {
		errs.AddMissing("to")
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		errs.AddField("to", "must be after from")
	}
	return errs.Err()
}

func (s *Service) done(rows int, err error) {
	s.queries.Add(1)
	s.rowsReturned.Add(int64(rows))
	if err != nil {
		s.errors.Add(1)
	}
}

// Samples returns raw samples ordered by time.
func (s *Service) Samples(ctx context.Context, q SampleQuery) ([]types.Sample, error) {
	if err := validateWindow(q.Dimension, q.From, q.To); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	limit := s.limit(q.Limit)
	var out []types.Sample
	for smp, err := range s.store.Range(ctx, samplestore.RangeQuery{
		Dimension: q.Dimension,
		DeviceID:  q.DeviceID,
		Key:       q.Key,
		SubKey:    q.SubKey,
		From:      q.From,
		To:        q.To,
	}) {
		if err != nil {
			s.done(0, err)
			return nil, err
		}
		out = append(out, smp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}

	s.done(len(out), nil)
	return out, nil
}

// Rollups returns hourly rollups ordered by hour.
func (s *Service) Rollups(ctx context.Context, q RollupQuery) ([]types.HourlyRollup, error) {
	if err := validateWindow(q.Dimension, q.From, q.To); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	limit := s.limit(q.Limit)
	var out []types.HourlyRollup
	for r, err := range s.store.RangeRollups(ctx, samplestore.RollupQuery{
		Dimension: q.Dimension,
		DeviceID:  q.DeviceID,
		Key:       q.Key,
		SubKey:    q.SubKey,
		From:      q.From,
		To:        q.To,
	}) {
		if err != nil {
			s.done(0, err)
			return nil, err
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}

	s.done(len(out), nil)
	return out, nil
}

// Latest returns the newest sample of one series.
func (s *Service) Latest(ctx context.Context, dim types.Dimension, deviceID, key, subKey string) (types.Sample, error) {
	if deviceID == "" {
		return types.Sample{}, errors.NewMissingField("device_id")
	}
	smp, ok, err := s.store.Latest(ctx, dim, deviceID, key, subKey)
	if err != nil {
		s.done(0, err)
		return types.Sample{}, err
	}
	if !ok {
		s.done(0, nil)
		return types.Sample{}, errors.NewNotFound("sample", dim.String()+"/"+deviceID+"/"+key+"/"+subKey)
	}
	s.done(1, nil)
	return smp, nil
}

// TopN ranks keys by a field. Compressed partitions are aggregated by
// DuckDB, hot partitions in memory.
func (s *Service) TopN(ctx context.Context, q TopNQuery) ([]TopNEntry, error) {
	if err := validateWindow(q.Dimension, q.From, q.To); err != nil {
		return nil, err
	}
	if !slices.Contains(types.Fields(), q.Field) {
		return nil, errors.NewInvalidValue("field", q.Field, "not a sample field")
	}
	if q.Limit <= 0 {
		q.Limit = defaults.DefaultTopN
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	table := types.Table{Dimension: q.Dimension, Kind: q.Kind}
	partitions, err := s.store.ListPartitions(ctx, table)
	if err != nil {
		s.done(0, err)
		return nil, err
	}
	states := make(map[int64]types.PartitionInfo, len(partitions))
	for _, info := range partitions {
		states[info.Partition.Day.Unix()] = info
	}

	acc := newAccumulator(q.Field)
	var files []string

	for day := types.TruncateDay(q.From); day.Before(q.To); day = day.Add(types.PartitionSpan) {
		info, found := states[day.Unix()]
		if !found || info.State == types.StateDropped {
			continue
		}
		if info.State == types.StateCompressed {
			files = append(files, info.File)
			continue
		}

		from, to := clip(day, q.From, q.To)
		if err := s.foldHot(ctx, q, from, to, acc); err != nil {
			s.done(0, err)
			return nil, err
		}
	}

	if len(files) > 0 {
		if err := s.foldCompressed(ctx, q, files, acc); err != nil {
			s.done(0, err)
			return nil, err
		}
	}

	out := acc.ranked(q.Limit)
	s.done(len(out), nil)
	return out, nil
}

// clip returns the part of [from, to) inside the partition starting at day.
func clip(day, from, to time.Time) (time.Time, time.Time) {
	end := day.Add(types.PartitionSpan)
	if from.Before(day) {
		from = day
	}
	if to.After(end) {
		to = end
	}
	return from, to
}

func (s *Service) foldHot(ctx context.Context, q TopNQuery, from, to time.Time, acc *accumulator) error {
	if q.Kind == types.KindHourly {
		for r, err := range s.store.RangeRollups(ctx, samplestore.RollupQuery{
			Dimension: q.Dimension,
			DeviceID:  q.DeviceID,
			SubKey:    q.SubKey,
			From:      from,
			To:        to,
		}) {
			if err != nil {
				return err
			}
			v, _ := r.Field(q.Field)
			if q.Field == types.FieldBandwidthBps {
				v = r.BandwidthPeak
			}
			acc.add(r.Key, r.SubKey, v)
		}
		return nil
	}

	for smp, err := range s.store.Range(ctx, samplestore.RangeQuery{
		Dimension: q.Dimension,
		DeviceID:  q.DeviceID,
		SubKey:    q.SubKey,
		From:      from,
		To:        to,
	}) {
		if err != nil {
			return err
		}
		v, _ := smp.Field(q.Field)
		acc.add(smp.Key, smp.SubKey, v)
	}
	return nil
}

func (s *Service) foldCompressed(ctx context.Context, q TopNQuery, files []string, acc *accumulator) error {
	column, timeColumn := q.Field, "time_s"
	if q.Kind == types.KindHourly {
		timeColumn = "hour_start"
		if q.Field == types.FieldBandwidthBps {
			column = "bandwidth_peak"
		}
	}
	agg := "SUM"
	if q.Field == types.FieldBandwidthBps {
		agg = "MAX"
	}

	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = "'" + strings.ReplaceAll(f, "'", "''") + "'"
	}

	query := fmt.Sprintf(`
		SELECT "key", sub_key, %s(%s) AS value
		FROM read_parquet([%s])
		WHERE %s >= $1 AND %s < $2`,
		agg, column, strings.Join(quoted, ", "), timeColumn, timeColumn)

	args := []interface{}{q.From.Unix(), q.To.Unix()}
	if q.DeviceID != "" {
		args = append(args, q.DeviceID)
		query += fmt.Sprintf(" AND device_id = $%d", len(args))
	}
	if q.SubKey != "" {
		args = append(args, q.SubKey)
		query += fmt.Sprintf(" AND sub_key = $%d", len(args))
	}
	query += ` GROUP BY "key", sub_key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.NewTransient("query compressed partitions", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, subKey string
		var value sql.NullFloat64
		if err := rows.Scan(&key, &subKey, &value); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		if value.Valid {
			acc.add(key, subKey, value.Float64)
		}
	}
	return rows.Err()
}

// accumulator merges per-key partial aggregates.
type accumulator struct {
	peak    bool
	entries map[string]*TopNEntry
}

func newAccumulator(field string) *accumulator {
	return &accumulator{
		peak:    field == types.FieldBandwidthBps,
		entries: make(map[string]*TopNEntry),
	}
}

func (a *accumulator) add(key, subKey string, v float64) {
	id := key + "\x00" + subKey
	e, ok := a.entries[id]
	if !ok {
		a.entries[id] = &TopNEntry{Key: key, SubKey: subKey, Value: v}
		return
	}
	if a.peak {
		e.Value = max(e.Value, v)
	} else {
		e.Value += v
	}
}

// ranked returns the top n entries by value, ties broken by key.
func (a *accumulator) ranked(n int) []TopNEntry {
	out := make([]TopNEntry, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(x, y TopNEntry) int {
		switch {
		case x.Value > y.Value:
			return -1
		case x.Value < y.Value:
			return 1
		}
		if c := strings.Compare(x.Key, y.Key); c != 0 {
			return c
		}
		return strings.Compare(x.SubKey, y.SubKey)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Stats returns query statistics.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		QueriesExecuted: s.queries.Load(),
		RowsReturned:    s.rowsReturned.Load(),
		Errors:          s.errors.Load(),
	}
}
