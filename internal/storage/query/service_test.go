package query

import (
	"context"
	"testing"
	"time"

	"github.com/xtxerr/bandwatch/internal/errors"
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

func newService(t *testing.T) (*Service, *samplestore.Store) {
	t.Helper()
	store, err := samplestore.Open(samplestore.Options{
		InMemory:     true,
		PartitionDir: t.TempDir(),
		Parquet:      parquet.DefaultOptions(),
		Logger:       logging.Discard(),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc, err := New(config.DefaultConfig(), store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, store
}

func app(day int, hour int, device, key string, bytes, bps float64) types.Sample {
	return types.Sample{
		Dimension:    types.DimensionApplication,
		Time:         types.TruncateDay(now).AddDate(0, 0, day).Add(time.Duration(hour) * time.Hour),
		DeviceID:     device,
		Key:          key,
		BytesTotal:   bytes,
		BandwidthBps: bps,
	}
}

func ingest(t *testing.T, s *samplestore.Store, batch ...types.Sample) {
	t.Helper()
	if res := s.Ingest(context.Background(), batch); res.Rejected != 0 {
		t.Fatalf("unexpected rejections: %+v", res.Errors())
	}
}

func compress(t *testing.T, s *samplestore.Store, p types.Partition) {
	t.Helper()
	ctx := context.Background()
	if err := s.SealPartition(ctx, p); err != nil {
		t.Fatalf("SealPartition: %v", err)
	}
	file, err := s.ExportPartition(ctx, p)
	if err != nil {
		t.Fatalf("ExportPartition: %v", err)
	}
	if err := s.MarkCompressed(ctx, p, file); err != nil {
		t.Fatalf("MarkCompressed: %v", err)
	}
}

func TestService_TopNMergesCompressedAndHot(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	ingest(t, store,
		app(-10, 9, "fw1", "youtube", 300, 40),
		app(-10, 9, "fw1", "netflix", 100, 10),
		app(0, 9, "fw1", "youtube", 50, 90),
		app(0, 9, "fw1", "netflix", 500, 20),
		app(0, 9, "fw2", "netflix", 1000, 5),
	)
	compress(t, store, types.PartitionFor(appTable, now.AddDate(0, 0, -10)))

	q := TopNQuery{
		Dimension: types.DimensionApplication,
		Kind:      types.KindRaw,
		DeviceID:  "fw1",
		Field:     types.FieldBytesTotal,
		From:      types.TruncateDay(now).AddDate(0, 0, -10),
		To:        now,
	}

	got, err := svc.TopN(ctx, q)
	if err != nil {
		t.Fatalf("TopN: %v", err)
	}
	want := []TopNEntry{{Key: "netflix", Value: 600}, {Key: "youtube", Value: 350}}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rank %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}

	// Bandwidth takes the peak across partitions
	q.Field = types.FieldBandwidthBps
	q.Limit = 1
	got, err = svc.TopN(ctx, q)
	if err != nil {
		t.Fatalf("TopN: %v", err)
	}
	if len(got) != 1 || got[0].Key != "youtube" || got[0].Value != 90 {
		t.Errorf("expected youtube at 90 bps, got %+v", got)
	}

	// All devices
	q.DeviceID, q.Field, q.Limit = "", types.FieldBytesTotal, 0
	got, err = svc.TopN(ctx, q)
	if err != nil {
		t.Fatalf("TopN: %v", err)
	}
	if got[0].Key != "netflix" || got[0].Value != 1600 {
		t.Errorf("expected netflix at 1600 over all devices, got %+v", got)
	}
}

func TestService_TopNHourlyCompressed(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	old := types.TruncateDay(now).AddDate(0, 0, -10)

	rollup := func(hour time.Time, key string, bytes, peak float64) types.HourlyRollup {
		return types.HourlyRollup{
			Dimension:     types.DimensionApplication,
			HourStart:     hour,
			DeviceID:      "fw1",
			Key:           key,
			BytesTotal:    bytes,
			BandwidthAvg:  peak / 2,
			BandwidthPeak: peak,
			SampleCount:   1,
			FirstSeen:     hour,
			LastSeen:      hour,
		}
	}
	replace := func(hour time.Time, rollups ...types.HourlyRollup) {
		t.Helper()
		if err := store.ReplaceRollupBucket(ctx, types.DimensionApplication, hour, rollups); err != nil {
			t.Fatalf("ReplaceRollupBucket: %v", err)
		}
	}

	h1, h2 := old.Add(time.Hour), old.Add(2*time.Hour)
	replace(h1, rollup(h1, "youtube", 100, 40), rollup(h1, "netflix", 300, 10))
	replace(h2, rollup(h2, "youtube", 50, 70))
	hot := types.TruncateDay(now).Add(time.Hour)
	replace(hot, rollup(hot, "youtube", 25, 20))

	hourly := types.Table{Dimension: types.DimensionApplication, Kind: types.KindHourly}
	compress(t, store, types.PartitionFor(hourly, old))

	q := TopNQuery{
		Dimension: types.DimensionApplication,
		Kind:      types.KindHourly,
		Field:     types.FieldBytesTotal,
		From:      old,
		To:        now,
	}
	got, err := svc.TopN(ctx, q)
	if err != nil {
		t.Fatalf("TopN: %v", err)
	}
	want := []TopNEntry{{Key: "netflix", Value: 300}, {Key: "youtube", Value: 175}}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rank %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}

	// Bandwidth ranks hourly peaks, not averages
	q.Field = types.FieldBandwidthBps
	got, err = svc.TopN(ctx, q)
	if err != nil {
		t.Fatalf("TopN: %v", err)
	}
	if len(got) != 2 || got[0].Key != "youtube" || got[0].Value != 70 {
		t.Errorf("expected youtube at 70 bps peak, got %+v", got)
	}

	// The window filters on hour_start inside the file
	q.Field, q.To = types.FieldBytesTotal, h2
	got, err = svc.TopN(ctx, q)
	if err != nil {
		t.Fatalf("TopN: %v", err)
	}
	if len(got) != 2 || got[1].Key != "youtube" || got[1].Value != 100 {
		t.Errorf("expected only the first hour, got %+v", got)
	}
}

func TestService_TopNWindowClipsCompressedPartition(t *testing.T) {
	svc, store := newService(t)

	ingest(t, store,
		app(-10, 3, "fw1", "youtube", 100, 0),
		app(-10, 20, "fw1", "youtube", 1, 0),
	)
	compress(t, store, types.PartitionFor(appTable, now.AddDate(0, 0, -10)))

	day := types.TruncateDay(now).AddDate(0, 0, -10)
	got, err := svc.TopN(context.Background(), TopNQuery{
		Dimension: types.DimensionApplication,
		Field:     types.FieldBytesTotal,
		From:      day,
		To:        day.Add(12 * time.Hour),
	})
	if err != nil {
		t.Fatalf("TopN: %v", err)
	}
	if len(got) != 1 || got[0].Value != 100 {
		t.Errorf("expected only the morning sample, got %+v", got)
	}
}

func TestService_TopNValidation(t *testing.T) {
	svc, _ := newService(t)

	tests := []struct {
		name string
		q    TopNQuery
	}{
		{"unknown field", TopNQuery{Field: "nope", From: now.Add(-time.Hour), To: now}},
		{"missing window", TopNQuery{Field: types.FieldBytesTotal}},
		{"inverted window", TopNQuery{Field: types.FieldBytesTotal, From: now, To: now.Add(-time.Hour)}},
		{"unknown dimension", TopNQuery{Dimension: types.Dimension(42), Field: types.FieldBytesTotal, From: now.Add(-time.Hour), To: now}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.TopN(context.Background(), tt.q); !errors.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestService_SamplesLimit(t *testing.T) {
	svc, store := newService(t)

	var batch []types.Sample
	for h := 0; h < 5; h++ {
		batch = append(batch, app(0, h, "fw1", "youtube", 10, 0))
	}
	ingest(t, store, batch...)

	got, err := svc.Samples(context.Background(), SampleQuery{
		Dimension: types.DimensionApplication,
		DeviceID:  "fw1",
		From:      types.TruncateDay(now),
		To:        now,
		Limit:     3,
	})
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	if !got[0].Time.Equal(types.TruncateDay(now)) {
		t.Errorf("expected oldest sample first, got %v", got[0].Time)
	}
}

func TestService_Latest(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	ingest(t, store, app(0, 1, "fw1", "youtube", 10, 0), app(0, 2, "fw1", "youtube", 20, 0))

	smp, err := svc.Latest(ctx, types.DimensionApplication, "fw1", "youtube", "")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if smp.BytesTotal != 20 {
		t.Errorf("expected newest sample, got %+v", smp)
	}

	if _, err := svc.Latest(ctx, types.DimensionApplication, "fw1", "netflix", ""); !errors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := svc.Latest(ctx, types.DimensionApplication, "", "youtube", ""); !errors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}

	// The validation failure never reaches the store
	stats := svc.Stats()
	if stats.QueriesExecuted != 2 || stats.RowsReturned != 1 || stats.Errors != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}
