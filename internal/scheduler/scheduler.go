// Package scheduler provides heap-based scheduling of periodic tasks.
//
// The scheduler uses a min-heap to track when each task is next due.
// Workers execute due tasks concurrently. A task is out of the heap while
// it runs and is rescheduled one interval after it completes, so a task
// never overlaps itself.
//
// Key features:
//   - O(log n) add/remove operations
//   - Optional run on start
//   - Panic recovery per run
//   - Graceful shutdown with drain timeout
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/bandwatch/config"
	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/logging"
)

// =============================================================================
// Types
// =============================================================================

// TaskFunc runs one iteration of a task. now is the scheduled run time.
type TaskFunc func(ctx context.Context, now time.Time) error

// Task is a periodic unit of work.
type Task struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool

	// Timeout bounds a single run. Zero uses the scheduler default.
	Timeout time.Duration

	Fn TaskFunc
}

// TaskStatus describes a scheduled task.
type TaskStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval_ns"`
	NextRun   time.Time     `json:"next_run"`
	Running   bool          `json:"running"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
	LastError string        `json:"last_error,omitempty"`
}

// taskItem represents a task in the scheduler heap.
type taskItem struct {
	task      Task
	nextRunMs int64 // Unix ms when next run is due
	running   bool
	index     int // Heap index for O(log n) updates

	runs     int64
	failures int64
	lastErr  string
}

// =============================================================================
// Heap Implementation
// =============================================================================

// taskHeap implements heap.Interface for taskItems.
type taskHeap []*taskItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].nextRunMs < h[j].nextRunMs
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*taskItem)
	item.index = n
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

func (h taskHeap) peek() *taskItem {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// =============================================================================
// Scheduler Configuration
// =============================================================================

// Config holds scheduler configuration.
type Config struct {
	// Workers is the number of tasks that may run at once.
	Workers int

	// TickInterval is how often the scheduler checks for due tasks.
	TickInterval time.Duration

	// TaskTimeout bounds a run of a task without its own timeout.
	TaskTimeout time.Duration

	// DrainTimeout is how long Stop waits for in-flight runs.
	DrainTimeout time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time

	Logger *slog.Logger
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:      config.DefaultSchedulerWorkers,
		TickInterval: config.DefaultSchedulerTickInterval,
		TaskTimeout:  config.DefaultTaskTimeout,
		DrainTimeout: config.DefaultShutdownTimeout,
	}
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler runs periodic tasks.
//
// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	heap    taskHeap
	heapIdx map[string]*taskItem

	jobs chan *taskItem

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	wg       sync.WaitGroup

	wakeup chan struct{}

	workers      int
	tickInterval time.Duration
	taskTimeout  time.Duration
	drainTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger

	// Metrics
	runs     atomic.Int64
	failures atomic.Int64
	active   atomic.Int32
}

// New creates a new Scheduler.
func New(cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	d := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = d.TickInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = d.TaskTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = d.DrainTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("scheduler")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		heapIdx:      make(map[string]*taskItem),
		jobs:         make(chan *taskItem),
		ctx:          ctx,
		cancel:       cancel,
		shutdown:     make(chan struct{}),
		wakeup:       make(chan struct{}, 1),
		workers:      cfg.Workers,
		tickInterval: cfg.TickInterval,
		taskTimeout:  cfg.TaskTimeout,
		drainTimeout: cfg.DrainTimeout,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start starts the workers and the schedule loop.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.wg.Add(1)
	go s.scheduleLoop()

	s.logger.Info("scheduler started", "workers", s.workers, "tasks", len(s.heapIdx))
}

// Stop cancels running tasks and waits for them up to the drain timeout
// or until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.logger.Info("scheduler stopping")

		close(s.shutdown)
		s.cancel()

		drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
		defer cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			s.logger.Info("scheduler stopped gracefully")
		case <-drainCtx.Done():
			s.logger.Warn("scheduler drain timeout", "active", s.active.Load())
		}
	})
}

// =============================================================================
// Task Management
// =============================================================================

// Add schedules a task. The first run is due immediately when RunOnStart
// is set, otherwise one interval from now.
func (s *Scheduler) Add(task Task) error {
	if task.Name == "" {
		return errors.NewMissingField("name")
	}
	if task.Interval <= 0 {
		return errors.NewInvalidValue("interval", task.Interval, "must be positive")
	}
	if task.Fn == nil {
		return errors.NewMissingField("fn")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.heapIdx[task.Name]; ok {
		return errors.NewValidation("name", fmt.Sprintf("task %q already scheduled", task.Name))
	}

	next := s.now().Add(task.Interval)
	if task.RunOnStart {
		next = s.now()
	}

	item := &taskItem{task: task, nextRunMs: next.UnixMilli()}
	heap.Push(&s.heap, item)
	s.heapIdx[task.Name] = item
	s.signalWakeup()

	s.logger.Debug("task added", "task", task.Name, "interval", task.Interval)
	return nil
}

// Trigger makes a task due now. It has no effect while the task runs.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[name]
	if !ok || item.running {
		return false
	}
	item.nextRunMs = s.now().UnixMilli()
	heap.Fix(&s.heap, item.index)
	s.signalWakeup()
	return true
}

// =============================================================================
// Schedule Loop
// =============================================================================

func (s *Scheduler) scheduleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.wakeup:
		case <-s.shutdown:
			return
		}

		for _, item := range s.dueItems() {
			select {
			case s.jobs <- item:
			case <-s.shutdown:
				return
			}
		}
	}
}

// dueItems pops every due task and marks it running.
func (s *Scheduler) dueItems() []*taskItem {
	now := s.now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*taskItem
	for s.heap.Len() > 0 {
		next := s.heap.peek()
		if next.nextRunMs > now {
			break
		}

		item := heap.Pop(&s.heap).(*taskItem)
		item.running = true
		due = append(due, item)
	}
	return due
}

// markComplete records the outcome of a run and reschedules the task.
func (s *Scheduler) markComplete(item *taskItem, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item.running = false
	item.runs++
	if err != nil {
		item.failures++
		item.lastErr = err.Error()
	} else {
		item.lastErr = ""
	}

	item.nextRunMs = s.now().Add(item.task.Interval).UnixMilli()
	heap.Push(&s.heap, item)
	s.signalWakeup()
}

// =============================================================================
// Worker
// =============================================================================

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case item := <-s.jobs:
			err := s.executeWithRecovery(item.task)
			s.markComplete(item, err)
		case <-s.shutdown:
			return
		}
	}
}

// executeWithRecovery runs one iteration with a timeout and panic recovery.
func (s *Scheduler) executeWithRecovery(task Task) (err error) {
	s.active.Add(1)
	s.runs.Add(1)
	start := s.now()
	logger := s.logger.With("task", task.Name)

	defer func() {
		s.active.Add(-1)

		if r := recover(); r != nil {
			logger.Error("panic in task", "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			s.failures.Add(1)
			logger.Warn("task failed", "error", err, "duration", s.now().Sub(start))
			return
		}
		logger.Debug("task finished", "duration", s.now().Sub(start))
	}()

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = s.taskTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	return task.Fn(ctx, start)
}

// =============================================================================
// Utility Methods
// =============================================================================

func (s *Scheduler) signalWakeup() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// Stats holds scheduler statistics.
type Stats struct {
	Tasks    int
	Active   int
	Runs     int64
	Failures int64
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	tasks := len(s.heapIdx)
	s.mu.Unlock()

	return Stats{
		Tasks:    tasks,
		Active:   int(s.active.Load()),
		Runs:     s.runs.Load(),
		Failures: s.failures.Load(),
	}
}

// Tasks returns the status of every scheduled task.
func (s *Scheduler) Tasks() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.heapIdx))
	for _, item := range s.heapIdx {
		out = append(out, TaskStatus{
			Name:      item.task.Name,
			Interval:  item.task.Interval,
			NextRun:   time.UnixMilli(item.nextRunMs).UTC(),
			Running:   item.running,
			Runs:      item.runs,
			Failures:  item.failures,
			LastError: item.lastErr,
		})
	}
	slices.SortFunc(out, func(a, b TaskStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}
