package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/product-scraper/internal/cache"
	"github.com/maltedev/product-scraper/internal/metrics"
	"github.com/maltedev/product-scraper/internal/models"
	"github.com/maltedev/product-scraper/internal/queue"
	"github.com/maltedev/product-scraper/internal/scraper"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskTerminal = errors.New("task already finished")
	ErrShuttingDown = errors.New("scheduler is shutting down")
)

// Runner executes one scrape. *scraper.Service is the production runner.
type Runner interface {
	Scrape(ctx context.Context, req scraper.Request) (*scraper.Result, error)
}

// Recorder receives every freshly extracted record once its task has
// completed. Errors are logged and never change the task outcome.
type Recorder interface {
	RecordProduct(ctx context.Context, snap Snapshot) error
}

type Config struct {
	Workers         int
	Retention       time.Duration
	SweepInterval   time.Duration
	TaskTimeout     time.Duration
	RecorderTimeout time.Duration
	AllowedHosts    []string
	DeniedHosts     []string
}

func DefaultConfig() Config {
	return Config{
		Workers:         3,
		Retention:       24 * time.Hour,
		SweepInterval:   10 * time.Minute,
		TaskTimeout:     3 * time.Minute,
		RecorderTimeout: 10 * time.Second,
	}
}

type Option func(*Scheduler)

func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

type Scheduler struct {
	runner   Runner
	queue    queue.Queue
	recorder Recorder
	cfg      Config
	metrics  metrics.Sink
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	tasks map[string]*task

	workers    sync.WaitGroup
	background sync.WaitGroup
	stopOnce   sync.Once
	stop       context.CancelFunc
	started    bool
}

func New(runner Runner, q queue.Queue, cfg Config, sink metrics.Sink, logger *slog.Logger, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.RecorderTimeout <= 0 {
		cfg.RecorderTimeout = def.RecorderTimeout
	}
	if q == nil {
		q = queue.NewInMemoryQueue()
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		runner:  runner,
		queue:   q,
		cfg:     cfg,
		metrics: sink,
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
		tasks:   make(map[string]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates the request and queues a pending task.
func (s *Scheduler) Submit(ctx context.Context, req Request) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	u, err := validateURL(req.URL, s.cfg.AllowedHosts, s.cfg.DeniedHosts)
	if err != nil {
		return Snapshot{}, err
	}
	normalized, err := cache.NormalizeURL(u.String())
	if err != nil {
		return Snapshot{}, models.NewError(models.KindInvalidURL, err.Error(), err)
	}
	req.URL = u.String()

	t := newTask(uuid.New().String(), normalized, req, s.now())

	s.mu.Lock()
	s.tasks[t.id] = t
	s.mu.Unlock()

	if err := s.queue.Push(&queue.Task{ID: t.id, URL: req.URL}); err != nil {
		s.mu.Lock()
		delete(s.tasks, t.id)
		s.mu.Unlock()
		if errors.Is(err, queue.ErrQueueClosed) {
			return Snapshot{}, ErrShuttingDown
		}
		return Snapshot{}, fmt.Errorf("failed to queue task: %w", err)
	}

	s.metrics.TaskTransition(string(StatusPending))
	s.metrics.QueueDepth(s.queue.Size())
	s.logger.Info("task submitted",
		"task_id", t.id,
		"url", req.URL,
		"force_refresh", req.ForceRefresh)

	return t.snapshot(), nil
}

func (s *Scheduler) lookup(id string) (*task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

func (s *Scheduler) Get(id string) (Snapshot, error) {
	t, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return t.snapshot(), nil
}

// Cancel settles a pending task immediately. A running task gets its
// context cancelled and settles once the pipeline has torn down.
func (s *Scheduler) Cancel(id string) (Snapshot, error) {
	t, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.status {
	case StatusPending:
		t.err = models.NewError(models.KindCancelled, "cancelled before a worker picked it up", nil)
		t.message = "cancelled by caller"
		s.transitionLocked(t, StatusCancelled)
		s.logger.Info("task cancelled", "task_id", id, "while", StatusPending)
	case StatusRunning:
		if !t.cancelRequested {
			t.cancelRequested = true
			t.message = "cancellation requested"
			t.updatedAt = s.now()
			if t.cancel != nil {
				t.cancel()
			}
			s.logger.Info("task cancellation requested", "task_id", id)
		}
	default:
		return t.snapshotLocked(), ErrTaskTerminal
	}
	return t.snapshotLocked(), nil
}

type Filter struct {
	Status Status
	Limit  int
}

// List returns tasks in submission order.
func (s *Scheduler) List(f Filter) []Snapshot {
	s.mu.RLock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(tasks))
	for _, t := range tasks {
		snap := t.snapshot()
		if f.Status != "" && snap.Status != f.Status {
			continue
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].ID < snaps[j].ID
		}
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
	if f.Limit > 0 && len(snaps) > f.Limit {
		snaps = snaps[len(snaps)-f.Limit:]
	}
	return snaps
}

type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[Status]int `json:"by_status"`
	QueueDepth int            `json:"queue_depth"`
	Workers    int            `json:"workers"`
	Running    bool           `json:"running"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	started := s.started
	s.mu.RUnlock()

	st := Stats{
		Total:      len(tasks),
		ByStatus:   make(map[Status]int),
		QueueDepth: s.queue.Size(),
		Workers:    s.cfg.Workers,
		Running:    started,
	}
	for _, status := range []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled} {
		st.ByStatus[status] = 0
	}
	for _, t := range tasks {
		t.mu.Lock()
		st.ByStatus[t.status]++
		t.mu.Unlock()
	}
	return st
}

// Start launches the worker pool and the retention sweeper. It returns
// immediately; Shutdown stops everything.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.stop = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("scheduler started",
		"workers", s.cfg.Workers,
		"retention", s.cfg.Retention)

	for i := 0; i < s.cfg.Workers; i++ {
		s.workers.Add(1)
		go s.worker(ctx, i)
	}

	s.background.Add(1)
	go s.sweeper(ctx)
}

// Shutdown stops accepting tasks, cancels everything still pending and
// waits for running tasks. When ctx expires first, running tasks are
// cancelled and Shutdown waits for their teardown.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if cerr := s.queue.Close(); cerr != nil {
			s.logger.Warn("failed to close queue", "error", cerr)
		}
		s.cancelPending("scheduler shut down before the task started")

		s.mu.RLock()
		stop := s.stop
		s.mu.RUnlock()
		if stop == nil {
			return
		}

		done := make(chan struct{})
		go func() {
			s.workers.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("shutdown deadline reached, cancelling running tasks")
			stop()
			<-done
			err = ctx.Err()
		}
		stop()
		s.background.Wait()
		s.logger.Info("scheduler stopped")
	})
	return err
}

func (s *Scheduler) cancelPending(reason string) {
	s.mu.RLock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.RUnlock()

	for _, t := range tasks {
		t.mu.Lock()
		if t.status == StatusPending {
			t.err = models.NewError(models.KindCancelled, reason, nil)
			t.message = reason
			s.transitionLocked(t, StatusCancelled)
		}
		t.mu.Unlock()
	}
}

func (s *Scheduler) worker(ctx context.Context, n int) {
	defer s.workers.Done()
	logger := s.logger.With("worker", n)
	logger.Debug("worker started")

	for {
		qt, err := s.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrQueueClosed) && ctx.Err() == nil {
				logger.Error("failed to pop task", "error", err)
				continue
			}
			logger.Debug("worker stopped")
			return
		}
		s.metrics.QueueDepth(s.queue.Size())
		s.process(ctx, qt.ID)
	}
}

// process claims and runs one task. The claim fails silently when the
// task was cancelled or evicted while queued.
func (s *Scheduler) process(ctx context.Context, id string) {
	t, err := s.lookup(id)
	if err != nil {
		return
	}

	var (
		taskCtx context.Context
		cancel  context.CancelFunc
	)
	if s.cfg.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	t.mu.Lock()
	if t.status != StatusPending {
		t.mu.Unlock()
		return
	}
	s.transitionLocked(t, StatusRunning)
	t.cancel = cancel
	req := scraper.Request{
		URL:           t.req.URL,
		NormalizedURL: t.normalized,
		ForceRefresh:  t.req.ForceRefresh,
		BlockImages:   t.req.BlockImages,
		Proxy:         t.req.Proxy,
		UserAgent:     t.req.UserAgent,
		Language:      t.req.TargetLanguage,
	}
	t.mu.Unlock()

	s.logger.Info("task started", "task_id", id, "url", req.URL)
	started := s.now()

	res, err := s.execute(taskCtx, req)

	t.mu.Lock()
	t.cancel = nil
	switch {
	case t.cancelRequested:
		t.err = models.NewError(models.KindCancelled, "cancelled by caller", nil)
		t.message = "cancelled by caller"
		s.transitionLocked(t, StatusCancelled)
	case err != nil:
		te := models.AsError(err)
		t.err = te
		t.message = te.Message
		if te.Kind == models.KindCancelled {
			s.transitionLocked(t, StatusCancelled)
		} else {
			s.transitionLocked(t, StatusFailed)
		}
	case res == nil || res.Record == nil:
		t.err = models.NewError(models.KindInternal, "pipeline returned no record", nil)
		t.message = t.err.Message
		s.transitionLocked(t, StatusFailed)
	default:
		t.record = res.Record.Clone()
		t.cacheHit = res.CacheHit
		t.platform = res.Classification.Platform
		t.confidence = res.Classification.Confidence
		t.indicators = append([]string{}, res.Classification.Indicators...)
		t.attempts = res.Attempts
		t.message = res.Message
		s.transitionLocked(t, StatusCompleted)
	}
	snap := t.snapshotLocked()
	t.mu.Unlock()

	s.metrics.TaskFinished(snap.Platform, string(snap.Status), s.now().Sub(started))
	logArgs := []any{
		"task_id", id,
		"status", snap.Status,
		"platform", snap.Platform,
		"cache_hit", snap.CacheHit,
		"duration", s.now().Sub(started),
	}
	if snap.Error != nil {
		logArgs = append(logArgs, "error_kind", snap.Error.Kind, "error", snap.Error.Message)
		s.logger.Warn("task finished", logArgs...)
	} else {
		s.logger.Info("task finished", logArgs...)
	}

	if snap.Status == StatusCompleted && !snap.CacheHit {
		s.record(snap)
	}
}

// execute runs the pipeline and turns a panic into an InternalError.
func (s *Scheduler) execute(ctx context.Context, req scraper.Request) (res *scraper.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scrape pipeline",
				"url", req.URL,
				"panic", r,
				"stack", string(debug.Stack()))
			res = nil
			err = models.NewError(models.KindInternal, fmt.Sprintf("internal error: %v", r), nil)
		}
	}()
	return s.runner.Scrape(ctx, req)
}

func (s *Scheduler) record(snap Snapshot) {
	if s.recorder == nil || snap.Record == nil || !snap.Record.HasData() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RecorderTimeout)
	defer cancel()

	if err := s.recorder.RecordProduct(ctx, snap); err != nil {
		s.logger.Error("failed to record product",
			"task_id", snap.ID,
			"url", snap.URL,
			"error", err)
	}
}

func (s *Scheduler) transitionLocked(t *task, to Status) {
	if t.setStatusLocked(to, s.now()) {
		s.metrics.TaskTransition(string(to))
	}
}

func (s *Scheduler) sweeper(ctx context.Context) {
	defer s.background.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Info("evicted finished tasks", "count", n)
			}
		}
	}
}

// Sweep evicts terminal tasks that finished more than Retention ago.
func (s *Scheduler) Sweep() int {
	cutoff := s.now().Add(-s.cfg.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, t := range s.tasks {
		t.mu.Lock()
		expired := t.status.Terminal() && t.finishedAt != nil && t.finishedAt.Before(cutoff)
		t.mu.Unlock()
		if expired {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed
}
