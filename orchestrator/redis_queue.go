package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/izavyalov-dev/delta-triage/internal/observability"
)

const (
	defaultQueueKey         = "triage:webhooks"
	defaultQueueConcurrency = 2
	defaultQueueRate        = 10
	defaultQueuePollTimeout = 5 * time.Second
	defaultQueueConnect     = 3 * time.Second
	defaultFailedHistory    = 1000
)

// RedisQueueConfig configures the durable queue.
type RedisQueueConfig struct {
	URL            string
	Key            string
	Concurrency    int
	RatePerSecond  float64
	PollTimeout    time.Duration
	ConnectTimeout time.Duration
	FailedHistory  int64
}

func (c RedisQueueConfig) withDefaults() RedisQueueConfig {
	if c.Key == "" {
		c.Key = defaultQueueKey
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultQueueConcurrency
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = defaultQueueRate
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultQueuePollTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultQueueConnect
	}
	if c.FailedHistory <= 0 {
		c.FailedHistory = defaultFailedHistory
	}
	return c
}

// RedisQueue is a durable task list in Redis drained by a fixed pool of workers.
// Tasks move to a processing list while they run so a crashed process does not lose
// them; they are pushed back on the next Start.
type RedisQueue struct {
	client  *redis.Client
	config  RedisQueueConfig
	run     JobFunc
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *observability.Metrics

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// NewRedisQueue connects to Redis and verifies it answers PING.
func NewRedisQueue(ctx context.Context, config RedisQueueConfig, run JobFunc, logger *slog.Logger, metrics *observability.Metrics) (*RedisQueue, error) {
	if config.URL == "" {
		return nil, errors.New("redis url required")
	}
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	queue := newRedisQueue(client, config, run, logger, metrics)
	pingCtx, cancel := context.WithTimeout(ctx, queue.config.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return queue, nil
}

func newRedisQueue(client *redis.Client, config RedisQueueConfig, run JobFunc, logger *slog.Logger, metrics *observability.Metrics) *RedisQueue {
	config = config.withDefaults()
	if logger == nil {
		logger = observability.NewLogger("queue")
	}
	return &RedisQueue{
		client:  client,
		config:  config,
		run:     run,
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), max(1, int(config.RatePerSecond))),
		logger:  logger,
		metrics: metrics,
	}
}

func (q *RedisQueue) Durable() bool { return true }

// Enqueue appends task to the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.config.Key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	q.metrics.IncJob(ModeQueued, "enqueued")
	return nil
}

// Start requeues tasks left in flight by a previous process and launches the workers.
func (q *RedisQueue) Start() {
	q.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		if n, err := q.requeueInFlight(ctx); err != nil {
			q.logger.Warn("requeue in-flight tasks failed", "event", "queue_recover_failed", "error", err)
		} else if n > 0 {
			q.logger.Info("requeued in-flight tasks", "event", "queue_recovered", "tasks", n)
		}

		group, groupCtx := errgroup.WithContext(ctx)
		q.group = group
		for i := 0; i < q.config.Concurrency; i++ {
			worker := i
			group.Go(func() error {
				return q.work(groupCtx, worker)
			})
		}
		q.logger.Info("queue workers started", "event", "queue_started", "workers", q.config.Concurrency, "rate_per_second", q.config.RatePerSecond)
	})
}

// Close stops the workers after their current task and closes the client.
func (q *RedisQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.startOnce.Do(func() {})
		if q.cancel != nil {
			q.cancel()
		}
		if q.group != nil {
			err = q.group.Wait()
		}
		if cerr := q.client.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

func (q *RedisQueue) processingKey() string { return q.config.Key + ":processing" }
func (q *RedisQueue) failedKey() string     { return q.config.Key + ":failed" }

func (q *RedisQueue) requeueInFlight(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.RPopLPush(ctx, q.processingKey(), q.config.Key).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (q *RedisQueue) work(ctx context.Context, worker int) error {
	logger := q.logger.With("worker", worker)
	for {
		if ctx.Err() != nil {
			return nil
		}
		payload, err := q.client.BRPopLPush(ctx, q.config.Key, q.processingKey(), q.config.PollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("queue poll failed", "event", "queue_poll_failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := q.limiter.Wait(ctx); err != nil {
			// Shutting down: leave the task in the processing list for the next Start.
			return nil
		}
		q.handle(context.WithoutCancel(ctx), payload, logger)
	}
}

type failedTask struct {
	TaskID   string    `json:"task_id,omitempty"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
	Payload  string    `json:"payload"`
}

func (q *RedisQueue) handle(ctx context.Context, payload string, logger *slog.Logger) {
	var task Task
	err := json.Unmarshal([]byte(payload), &task)
	if err != nil {
		err = fmt.Errorf("decode task: %w", err)
		logger.Error("job failed", "event", "job_failed", "mode", ModeQueued, "error", err)
		q.metrics.IncJob(ModeQueued, "failed")
	} else {
		err = runTask(ctx, q.run, task, ModeQueued, logger, q.metrics)
	}

	if err != nil {
		q.recordFailure(ctx, task.ID, payload, err, logger)
	}
	if rerr := q.client.LRem(ctx, q.processingKey(), 1, payload).Err(); rerr != nil {
		logger.Warn("ack task failed", "event", "queue_ack_failed", "task_id", task.ID, "error", rerr)
	}
}

func (q *RedisQueue) recordFailure(ctx context.Context, taskID, payload string, jobErr error, logger *slog.Logger) {
	record, err := json.Marshal(failedTask{TaskID: taskID, Error: jobErr.Error(), FailedAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		return
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.failedKey(), record)
	pipe.LTrim(ctx, q.failedKey(), 0, q.config.FailedHistory-1)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("record failed task", "event", "queue_failed_record_error", "task_id", taskID, "error", err)
	}
}
