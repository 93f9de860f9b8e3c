// Package tasks runs best-effort side work, such as parity generation and
// offsite backup, on a bounded queue drained by a worker pool. Jobs are
// retried with backoff and never report back to the request that queued
// them.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"storagegate/metrics"
)

var (
	ErrQueueFull   = errors.New("side task queue is full")
	ErrQueueClosed = errors.New("side task queue is closed")
)

const (
	KindParity = "parity"
	KindBackup = "backup"
	KindScan   = "scan"
)

// Job is one unit of side work against a completed upload.
type Job struct {
	Kind      string
	Digest    string
	LocalPath string
	Enqueued  time.Time
}

type Handler func(ctx context.Context, job Job) error

// Reporter receives failures that keep recurring, for forwarding to an
// error tracker.
type Reporter interface {
	Report(ctx context.Context, job Job, attempt int, err error)
}

// LogReporter reports through the default logger.
type LogReporter struct{}

func (LogReporter) Report(_ context.Context, job Job, attempt int, err error) {
	slog.Warn("side task keeps failing",
		"kind", job.Kind, "digest", job.Digest, "attempt", attempt, "error", err)
}

type Config struct {
	Workers     int `mapstructure:"Workers"`
	QueueSize   int `mapstructure:"QueueSize"`
	MaxAttempts int `mapstructure:"MaxAttempts"`
	// WarnAfter is the attempt from which failures go to the Reporter.
	WarnAfter     int `mapstructure:"WarnAfter"`
	InitialWaitMS int `mapstructure:"InitialWaitMS"`
	MaxWaitMS     int `mapstructure:"MaxWaitMS"`
}

type Queue struct {
	cfg      Config
	retry    RetryConfig
	reporter Reporter
	jobs     chan Job

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
	wg       sync.WaitGroup
}

func NewQueue(cfg Config, reporter Reporter) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = 3
	}
	if reporter == nil {
		reporter = LogReporter{}
	}
	retry := DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialWaitMS > 0 {
		retry.InitialWait = time.Duration(cfg.InitialWaitMS) * time.Millisecond
	}
	if cfg.MaxWaitMS > 0 {
		retry.MaxWait = time.Duration(cfg.MaxWaitMS) * time.Millisecond
	}
	return &Queue{
		cfg:      cfg,
		retry:    retry,
		reporter: reporter,
		jobs:     make(chan Job, cfg.QueueSize),
		handlers: make(map[string]Handler),
	}
}

// Register installs the handler for one job kind.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Kinds lists the registered job kinds in name order.
func (q *Queue) Kinds() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	kinds := make([]string, 0, len(q.handlers))
	for k := range q.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Enqueue hands job to the workers without blocking.
func (q *Queue) Enqueue(job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.handlers[job.Kind]; !ok {
		return fmt.Errorf("no handler for side task %q", job.Kind)
	}
	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now()
	}
	select {
	case q.jobs <- job:
		metrics.SetSideTaskQueueDepth(len(q.jobs))
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the worker pool. ctx is handed to every handler; workers
// keep draining until Stop closes the queue, so cancel ctx only after Stop
// returns.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range q.jobs {
				metrics.SetSideTaskQueueDepth(len(q.jobs))
				q.run(ctx, job)
			}
		}()
	}
	slog.Info("side task workers started", "workers", q.cfg.Workers, "kinds", q.Kinds())
}

// Stop refuses new jobs and waits for queued ones to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) run(ctx context.Context, job Job) {
	q.mu.RLock()
	handler := q.handlers[job.Kind]
	q.mu.RUnlock()

	cfg := q.retry
	cfg.OnFailure = func(attempt int, err error) {
		slog.Debug("side task attempt failed", "kind", job.Kind, "digest", job.Digest, "attempt", attempt, "error", err)
		if attempt >= q.cfg.WarnAfter {
			q.reporter.Report(ctx, job, attempt, err)
		}
	}
	err := Do(ctx, cfg, func() error { return handler(ctx, job) })
	metrics.RecordSideTask(job.Kind, err == nil)
	if err != nil {
		slog.Error("side task gave up", "kind", job.Kind, "digest", job.Digest, "error", err)
		return
	}
	slog.Info("side task done", "kind", job.Kind, "digest", job.Digest, "waited", time.Since(job.Enqueued).String())
}
