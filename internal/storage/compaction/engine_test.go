package compaction

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/lease"
	"github.com/xtxerr/bandwatch/internal/logging"
	"github.com/xtxerr/bandwatch/internal/storage/config"
	"github.com/xtxerr/bandwatch/internal/storage/parquet"
	"github.com/xtxerr/bandwatch/internal/storage/samplestore"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

var (
	now      = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	appTable = types.Table{Dimension: types.DimensionApplication, Kind: types.KindRaw}
)

func openStore(t *testing.T) *samplestore.Store {
	t.Helper()
	return openStoreIn(t, t.TempDir())
}

func openStoreIn(t *testing.T, dir string) *samplestore.Store {
	t.Helper()
	s, err := samplestore.Open(samplestore.Options{
		InMemory:     true,
		PartitionDir: dir,
		Parquet:      parquet.DefaultOptions(),
		Logger:       logging.Discard(),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleOn(offset int, key string) types.Sample {
	return types.Sample{
		Dimension:  types.DimensionApplication,
		Time:       types.TruncateDay(now).AddDate(0, 0, offset).Add(12 * time.Hour),
		DeviceID:   "fw1",
		Key:        key,
		BytesTotal: 100,
	}
}

func ingest(t *testing.T, s *samplestore.Store, batch ...types.Sample) {
	t.Helper()
	if res := s.Ingest(context.Background(), batch); res.Rejected != 0 {
		t.Fatalf("unexpected rejections: %+v", res.Errors())
	}
}

func newEngine(s Store) *Engine {
	cfg := config.DefaultConfig()
	cfg.Retention.Raw = config.TablePolicy{Retention: 30 * 24 * time.Hour, Compression: 7 * 24 * time.Hour}
	return New(s, cfg, Options{Logger: logging.Discard()})
}

func partitionAt(offset int) types.Partition {
	return types.PartitionFor(appTable, types.TruncateDay(now).AddDate(0, 0, offset))
}

func state(t *testing.T, s *samplestore.Store, p types.Partition) types.PartitionState {
	t.Helper()
	info, found, err := s.Partition(context.Background(), p)
	if err != nil || !found {
		t.Fatalf("Partition %s: found=%v err=%v", p, found, err)
	}
	return info.State
}

func TestDue(t *testing.T) {
	week := 7 * 24 * time.Hour
	tests := []struct {
		name        string
		offset      int
		compression time.Duration
		want        bool
	}{
		{"old partition", -10, week, true},
		{"straddles horizon", -7, week, false},
		{"today", 0, week, false},
		{"compression disabled", -10, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Due(partitionAt(tt.offset), now, tt.compression); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEngine_CompressesDuePartitions(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	ingest(t, s, sampleOn(-10, "youtube"), sampleOn(-10, "netflix"), sampleOn(0, "youtube"))

	e := newEngine(s)
	res := e.SweepTable(ctx, appTable, now, false)
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if res.Compressed() != 1 || res.Jobs[0].File.Rows != 2 {
		t.Fatalf("expected one partition with 2 rows compressed, got %+v", res.Jobs)
	}

	if got := state(t, s, partitionAt(-10)); got != types.StateCompressed {
		t.Errorf("expected compressed, got %s", got)
	}
	if got := state(t, s, partitionAt(0)); got != types.StateHot {
		t.Errorf("today must stay hot, got %s", got)
	}

	// Upserts into the compressed partition are refused
	out := s.Ingest(ctx, []types.Sample{sampleOn(-10, "youtube")})
	if out.Rejected != 1 || !errors.IsConflict(out.Outcomes[0].Err) {
		t.Errorf("expected immutable partition conflict, got %+v", out)
	}

	// But the data stays readable
	got, err := samplestore.Collect(s.Range(ctx, samplestore.RangeQuery{
		Dimension: types.DimensionApplication,
		From:      partitionAt(-10).Start(),
		To:        partitionAt(-10).End(),
	}))
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 samples from compressed partition, got %d", len(got))
	}

	stats := e.Stats()
	if stats.JobsCompleted != 1 || stats.RowsWritten != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}

	// A second sweep has nothing to do
	res = e.SweepTable(ctx, appTable, now, false)
	if len(res.Jobs) != 0 {
		t.Errorf("expected no jobs on second sweep, got %+v", res.Jobs)
	}
}

func TestEngine_ResumesSealingPartition(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	ingest(t, s, sampleOn(-10, "youtube"))

	// An earlier sweep stopped after sealing
	if err := s.SealPartition(ctx, partitionAt(-10)); err != nil {
		t.Fatalf("SealPartition: %v", err)
	}

	res := newEngine(s).SweepTable(ctx, appTable, now, false)
	if len(res.Jobs) != 1 || !res.Jobs[0].Job.Resume || res.Jobs[0].Err != nil {
		t.Fatalf("expected resumed job, got %+v", res.Jobs)
	}
	if got := state(t, s, partitionAt(-10)); got != types.StateCompressed {
		t.Errorf("expected compressed, got %s", got)
	}
}

func TestEngine_DryRun(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	ingest(t, s, sampleOn(-10, "youtube"))

	results := newEngine(s).DryRun(ctx, now)
	found := false
	for _, r := range results {
		if r.Table == appTable {
			found = len(r.Jobs) == 1 && r.DryRun
		}
	}
	if !found {
		t.Errorf("expected dry run to report one job, got %+v", results)
	}
	if got := state(t, s, partitionAt(-10)); got != types.StateHot {
		t.Errorf("dry run must not seal, got %s", got)
	}
}

// racingStore drops the partition between export and mark, as a
// concurrent retention sweep would.
type racingStore struct {
	*samplestore.Store
}

func (r racingStore) MarkCompressed(ctx context.Context, p types.Partition, res parquet.FileResult) error {
	if err := r.Store.DropPartition(ctx, p); err != nil {
		return err
	}
	return r.Store.MarkCompressed(ctx, p, res)
}

func TestEngine_RemovesOrphanedFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openStoreIn(t, dir)
	ingest(t, s, sampleOn(-10, "youtube"))

	res := newEngine(racingStore{s}).SweepTable(ctx, appTable, now, false)
	if len(res.Jobs) != 1 || res.Jobs[0].Err == nil {
		t.Fatalf("expected failed job, got %+v", res.Jobs)
	}
	if !errors.Is(res.Jobs[0].Err, errors.ErrInvalidTransition) {
		t.Errorf("expected invalid transition, got %v", res.Jobs[0].Err)
	}
	if got := state(t, s, partitionAt(-10)); got != types.StateDropped {
		t.Errorf("expected dropped, got %s", got)
	}

	var files []string
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if len(files) != 0 {
		t.Errorf("expected orphaned file to be removed, found %v", files)
	}
}

func TestEngine_Verify(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	ingest(t, s, sampleOn(-10, "youtube"))

	e := newEngine(s)
	res := e.SweepTable(ctx, appTable, now, false)
	if res.Compressed() != 1 {
		t.Fatalf("expected compressed partition, got %+v", res)
	}

	if errs := e.Verify(ctx, appTable); len(errs) != 0 {
		t.Fatalf("unexpected verify errors: %v", errs)
	}

	f, err := os.OpenFile(res.Jobs[0].File.Path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.Write([]byte("garbage"))
	f.Close()

	if errs := e.Verify(ctx, appTable); len(errs) != 1 {
		t.Errorf("expected checksum mismatch, got %v", errs)
	}
}

func TestEngine_SkipsLeasedTable(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	ingest(t, s, sampleOn(-10, "youtube"))

	locker := lease.NewLocal()
	if _, err := locker.TryAcquire(ctx, "compression/application/raw", time.Minute); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}

	e := New(s, config.DefaultConfig(), Options{Locker: locker, Logger: logging.Discard()})
	res := e.SweepTable(ctx, appTable, now, false)
	if !res.Skipped || len(res.Jobs) != 0 {
		t.Errorf("expected skipped table, got %+v", res)
	}
}
