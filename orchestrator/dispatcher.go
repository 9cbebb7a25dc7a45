package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/izavyalov-dev/delta-triage/internal/observability"
	"github.com/izavyalov-dev/delta-triage/internal/vcs/github"
)

const (
	ModeQueued = "queued"
	ModeInline = "inline"
)

// ErrQueueDisabled is returned by a queue connector when durable queuing is off.
var ErrQueueDisabled = errors.New("durable queue disabled")

// JobFunc processes one workflow_run event.
type JobFunc func(ctx context.Context, evt github.WorkflowRunEvent) error

// Task is the unit of work handed to a queue.
type Task struct {
	ID         string                  `json:"id"`
	Event      github.WorkflowRunEvent `json:"event"`
	EnqueuedAt time.Time               `json:"enqueued_at"`
}

// TaskQueue accepts tasks for execution.
type TaskQueue interface {
	Enqueue(ctx context.Context, task Task) error
	Durable() bool
}

// QueueConnector opens the durable queue. It is called at most once per dispatcher.
type QueueConnector func(ctx context.Context) (TaskQueue, error)

// InlineQueue runs each task synchronously in the caller.
type InlineQueue struct {
	run     JobFunc
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewInlineQueue(run JobFunc, logger *slog.Logger, metrics *observability.Metrics) *InlineQueue {
	if logger == nil {
		logger = observability.NewLogger("dispatcher")
	}
	return &InlineQueue{run: run, logger: logger, metrics: metrics}
}

// Enqueue runs the task and returns its error. The job is detached from ctx's
// cancellation so a dropped webhook connection does not abort it.
func (q *InlineQueue) Enqueue(ctx context.Context, task Task) error {
	return runTask(context.WithoutCancel(ctx), q.run, task, ModeInline, q.logger, q.metrics)
}

func (q *InlineQueue) Durable() bool { return false }

// SubmitResult describes how an accepted event is being processed.
type SubmitResult struct {
	TaskID string `json:"task_id"`
	Mode   string `json:"mode"`
}

// Dispatcher sends events to the durable queue when one is available and runs them
// inline otherwise. The choice is made once, on first use.
type Dispatcher struct {
	inline  *InlineQueue
	connect QueueConnector
	logger  *slog.Logger

	once  sync.Once
	queue TaskQueue
	mu    sync.RWMutex
}

func NewDispatcher(run JobFunc, connect QueueConnector, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = observability.NewLogger("dispatcher")
	}
	return &Dispatcher{
		inline:  NewInlineQueue(run, logger, metrics),
		connect: connect,
		logger:  logger,
	}
}

// Submit hands evt to the active queue. In inline mode the returned error is the
// job's error. Cancellation of ctx does not affect queue selection or the enqueue.
func (d *Dispatcher) Submit(ctx context.Context, taskID string, evt github.WorkflowRunEvent) (SubmitResult, error) {
	ctx = context.WithoutCancel(ctx)
	d.once.Do(func() { d.init(ctx) })

	if taskID == "" {
		taskID = uuid.NewString()
	}
	task := Task{ID: taskID, Event: evt, EnqueuedAt: time.Now().UTC()}

	queue := d.activeQueue()
	if queue.Durable() {
		err := queue.Enqueue(ctx, task)
		if err == nil {
			return SubmitResult{TaskID: task.ID, Mode: ModeQueued}, nil
		}
		observability.WithTask(d.logger, task.ID).Warn("durable enqueue failed, running inline", "event", "enqueue_failed", "error", err)
	}

	return SubmitResult{TaskID: task.ID, Mode: ModeInline}, d.inline.Enqueue(ctx, task)
}

// Durable reports whether events are currently being queued durably.
func (d *Dispatcher) Durable() bool {
	return d.activeQueue().Durable()
}

// Mode reports the dispatch mode, ModeQueued or ModeInline.
func (d *Dispatcher) Mode() string {
	if d.Durable() {
		return ModeQueued
	}
	return ModeInline
}

// Close releases the durable queue, if one was opened.
func (d *Dispatcher) Close() error {
	d.once.Do(func() {})
	queue := d.activeQueue()
	if closer, ok := queue.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (d *Dispatcher) init(ctx context.Context) {
	if d.connect == nil {
		d.logger.Warn("no durable queue configured, processing inline", "event", "queue_inline")
		return
	}
	queue, err := d.connect(ctx)
	if err != nil {
		if errors.Is(err, ErrQueueDisabled) {
			d.logger.Info("durable queue disabled, processing inline", "event", "queue_inline")
		} else {
			d.logger.Warn("durable queue unavailable, processing inline", "event", "queue_inline", "error", err)
		}
		return
	}
	d.mu.Lock()
	d.queue = queue
	d.mu.Unlock()
	d.logger.Info("durable queue ready", "event", "queue_ready")
}

func (d *Dispatcher) activeQueue() TaskQueue {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.queue == nil {
		return d.inline
	}
	return d.queue
}

// runTask executes one task, turning panics into errors.
func runTask(ctx context.Context, run JobFunc, task Task, mode string, logger *slog.Logger, metrics *observability.Metrics) (err error) {
	logger = observability.WithRun(observability.WithTask(logger, task.ID), task.Event.RunID())
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
		if err != nil {
			metrics.IncJob(mode, "failed")
			logger.Error("job failed", "event", "job_failed", "mode", mode, "error", err)
			return
		}
		metrics.IncJob(mode, "completed")
		logger.Info("job completed", "event", "job_completed", "mode", mode, "duration_ms", time.Since(start).Milliseconds())
	}()

	if run == nil {
		return errors.New("no job function configured")
	}
	return run(ctx, task.Event)
}
