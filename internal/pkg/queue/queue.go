// Package queue 提供带固定 worker 池的内存后台任务队列。
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"imggen/internal/pkg/metrics"
)

// ErrClosed 队列已关闭。
var ErrClosed = errors.New("queue is closed")

// Job 表示一个可执行的后台任务。
type Job = func(ctx context.Context) error

type namedJob struct {
	name string
	run  Job
}

// Queue 内存任务队列。入队不阻塞，队列满时丢弃任务。
//
// worker 只在 Shutdown 关闭通道后退出，已入队的任务都会被执行。
type Queue struct {
	logger  *slog.Logger
	workers int
	jobs    chan namedJob

	wg      sync.WaitGroup
	mu      sync.RWMutex // 保护 closed 与通道关闭之间的竞态
	closed  bool
	started atomic.Bool

	stats queueStats
}

type queueStats struct {
	enqueued  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

// Stats 队列统计快照。
type Stats struct {
	Enqueued  int64
	Succeeded int64
	Failed    int64
	Dropped   int64
	Panics    int64
	Pending   int
}

// NewQueue 创建队列，workers 与 capacity 至少为 1。
func NewQueue(logger *slog.Logger, workers int, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Queue{
		logger:  logger,
		workers: workers,
		jobs:    make(chan namedJob, capacity),
	}
}

// Start 启动 worker 池。ctx 会传给每个任务。
func (q *Queue) Start(ctx context.Context) {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	metrics.BackgroundWorkers.Set(float64(q.workers))
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for job := range q.jobs {
		metrics.BackgroundQueueDepth.Set(float64(len(q.jobs)))
		q.execute(ctx, job, id)
	}
	q.logger.Debug("worker exit", slog.Int("worker_id", id))
}

func (q *Queue) execute(ctx context.Context, job namedJob, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			q.stats.panics.Add(1)
			metrics.BackgroundJobsTotal.WithLabelValues("panic").Inc()
			q.logger.Error("job panic recovered",
				slog.String("job", job.name),
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	if err := job.run(ctx); err != nil {
		q.stats.failed.Add(1)
		metrics.BackgroundJobsTotal.WithLabelValues("failed").Inc()
		q.logger.Warn("job failed",
			slog.String("job", job.name),
			slog.Int("worker_id", workerID),
			slog.String("error", err.Error()))
		return
	}
	q.stats.succeeded.Add(1)
	metrics.BackgroundJobsTotal.WithLabelValues("succeeded").Inc()
}

// Submit 非阻塞入队，队列已满或已关闭时返回 false。
func (q *Queue) Submit(name string, job Job) bool {
	if job == nil {
		return false
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.logger.Warn("queue is closed, reject job", slog.String("job", name))
		return false
	}

	select {
	case q.jobs <- namedJob{name: name, run: job}:
		q.stats.enqueued.Add(1)
		metrics.BackgroundQueueDepth.Set(float64(len(q.jobs)))
		return true
	default:
		q.stats.dropped.Add(1)
		metrics.BackgroundJobsTotal.WithLabelValues("dropped").Inc()
		q.logger.Warn("queue full, drop job",
			slog.String("job", name),
			slog.Int("capacity", cap(q.jobs)))
		return false
	}
}

// Shutdown 拒绝新任务并等待已入队任务执行完毕，ctx 到期时返回错误。
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	if !q.started.Load() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("queue drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue drain: %w", ctx.Err())
	}
}

// Stats 返回统计快照。
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.stats.enqueued.Load(),
		Succeeded: q.stats.succeeded.Load(),
		Failed:    q.stats.failed.Load(),
		Dropped:   q.stats.dropped.Load(),
		Panics:    q.stats.panics.Load(),
		Pending:   len(q.jobs),
	}
}
