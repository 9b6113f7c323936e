package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/bandwatch/internal/logging"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(&Config{
		Workers:      2,
		TickInterval: 5 * time.Millisecond,
		DrainTimeout: time.Second,
		Logger:       logging.Discard(),
	})
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestScheduler_RunsTaskRepeatedly(t *testing.T) {
	s := newTestScheduler(t)

	var runs atomic.Int32
	err := s.Add(Task{
		Name:       "rollup",
		Interval:   10 * time.Millisecond,
		RunOnStart: true,
		Fn: func(ctx context.Context, now time.Time) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start()

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 3 })

	stats := s.Stats()
	if stats.Tasks != 1 || stats.Runs < 3 || stats.Failures != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestScheduler_NoSelfOverlap(t *testing.T) {
	s := newTestScheduler(t)

	var running, maxRunning, runs atomic.Int32
	s.Add(Task{
		Name:       "slow",
		Interval:   time.Millisecond,
		RunOnStart: true,
		Fn: func(ctx context.Context, now time.Time) error {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			runs.Add(1)
			return nil
		},
	})
	s.Start()

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 3 })

	if got := maxRunning.Load(); got != 1 {
		t.Errorf("task overlapped itself: %d concurrent runs", got)
	}
}

func TestScheduler_WaitsForInterval(t *testing.T) {
	s := newTestScheduler(t)

	var runs atomic.Int32
	s.Add(Task{
		Name:     "retention",
		Interval: time.Hour,
		Fn: func(ctx context.Context, now time.Time) error {
			runs.Add(1)
			return nil
		},
	})
	s.Start()

	time.Sleep(50 * time.Millisecond)
	if runs.Load() != 0 {
		t.Errorf("task without RunOnStart ran before its interval")
	}

	if !s.Trigger("retention") {
		t.Fatal("Trigger returned false")
	}
	waitFor(t, 2*time.Second, func() bool { return runs.Load() == 1 })
}

func TestScheduler_StopCancelsRunningTask(t *testing.T) {
	s := New(&Config{
		Workers:      1,
		TickInterval: 5 * time.Millisecond,
		DrainTimeout: 2 * time.Second,
		Logger:       logging.Discard(),
	})

	started := make(chan struct{})
	var cancelled atomic.Bool
	s.Add(Task{
		Name:       "blocking",
		Interval:   time.Minute,
		RunOnStart: true,
		Fn: func(ctx context.Context, now time.Time) error {
			close(started)
			<-ctx.Done()
			cancelled.Store(true)
			return ctx.Err()
		},
	})
	s.Start()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not start")
	}

	s.Stop(context.Background())
	if !cancelled.Load() {
		t.Error("Stop should cancel the running task and wait for it")
	}

	// Stop is idempotent
	s.Stop(context.Background())
}

func TestScheduler_RecoversPanicAndRecordsErrors(t *testing.T) {
	s := newTestScheduler(t)

	var runs atomic.Int32
	s.Add(Task{
		Name:       "flaky",
		Interval:   5 * time.Millisecond,
		RunOnStart: true,
		Fn: func(ctx context.Context, now time.Time) error {
			switch runs.Add(1) {
			case 1:
				panic("boom")
			case 2:
				return errors.New("disk full")
			}
			return nil
		},
	})
	s.Start()

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 3 })

	if failures := s.Stats().Failures; failures < 2 {
		t.Errorf("expected panic and error counted as failures, got %d", failures)
	}

	tasks := s.Tasks()
	if len(tasks) != 1 || tasks[0].Failures < 2 {
		t.Errorf("unexpected task status %+v", tasks)
	}
}

func TestScheduler_AddValidation(t *testing.T) {
	s := newTestScheduler(t)
	fn := func(ctx context.Context, now time.Time) error { return nil }

	tests := []struct {
		name string
		task Task
	}{
		{"missing name", Task{Interval: time.Second, Fn: fn}},
		{"zero interval", Task{Name: "a", Fn: fn}},
		{"missing fn", Task{Name: "a", Interval: time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Add(tt.task); err == nil {
				t.Error("expected error")
			}
		})
	}

	if err := s.Add(Task{Name: "a", Interval: time.Second, Fn: fn}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(Task{Name: "a", Interval: time.Second, Fn: fn}); err == nil {
		t.Error("expected duplicate task to be rejected")
	}
}

func TestScheduler_TriggerSkipsUnknownAndRunning(t *testing.T) {
	s := newTestScheduler(t)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s.Add(Task{
		Name:     "compaction",
		Interval: time.Hour,
		Fn: func(ctx context.Context, now time.Time) error {
			started <- struct{}{}
			<-release
			return nil
		},
	})
	s.Start()

	if s.Trigger("gc") {
		t.Error("unknown task should not be triggerable")
	}
	if !s.Trigger("compaction") {
		t.Fatal("Trigger returned false")
	}
	<-started
	if s.Trigger("compaction") {
		t.Error("running task should not be triggerable")
	}
	close(release)

	waitFor(t, 2*time.Second, func() bool {
		tasks := s.Tasks()
		return len(tasks) == 1 && tasks[0].Runs == 1 && !tasks[0].Running
	})
}
