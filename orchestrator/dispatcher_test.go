package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izavyalov-dev/delta-triage/internal/vcs/github"
)

type recordingJob struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (j *recordingJob) run(ctx context.Context, evt github.WorkflowRunEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs = append(j.runs, evt.RunID())
	return j.err
}

type fakeQueue struct {
	tasks  []Task
	err    error
	closed bool
}

func (q *fakeQueue) Enqueue(ctx context.Context, task Task) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) Durable() bool { return true }

func (q *fakeQueue) Close() error {
	q.closed = true
	return nil
}

func TestDispatcherRunsInlineWhenQueueDisabled(t *testing.T) {
	job := &recordingJob{}
	dispatcher := NewDispatcher(job.run, func(ctx context.Context) (TaskQueue, error) {
		return nil, ErrQueueDisabled
	}, nil, nil)

	result, err := dispatcher.Submit(context.Background(), "delivery-1", workflowEvent(1, "completed", "failure"))
	require.NoError(t, err)
	assert.Equal(t, SubmitResult{TaskID: "delivery-1", Mode: ModeInline}, result)
	assert.Equal(t, []string{"1"}, job.runs)
	assert.Equal(t, ModeInline, dispatcher.Mode())
}

func TestDispatcherFallsBackWhenConnectFails(t *testing.T) {
	job := &recordingJob{}
	connects := 0
	dispatcher := NewDispatcher(job.run, func(ctx context.Context) (TaskQueue, error) {
		connects++
		return nil, errors.New("connection refused")
	}, nil, nil)

	for i := 0; i < 3; i++ {
		_, err := dispatcher.Submit(context.Background(), "", workflowEvent(int64(i+1), "completed", "success"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, connects, "queue selection happens once")
	assert.Len(t, job.runs, 3)
	assert.False(t, dispatcher.Durable())
}

func TestDispatcherInlineErrorPropagates(t *testing.T) {
	job := &recordingJob{err: errors.New("store down")}
	dispatcher := NewDispatcher(job.run, nil, nil, nil)

	result, err := dispatcher.Submit(context.Background(), "", workflowEvent(2, "completed", "failure"))
	require.Error(t, err)
	assert.Equal(t, ModeInline, result.Mode)
	assert.NotEmpty(t, result.TaskID, "task id is generated when none is supplied")
}

func TestDispatcherQueuesDurably(t *testing.T) {
	job := &recordingJob{}
	queue := &fakeQueue{}
	dispatcher := NewDispatcher(job.run, func(ctx context.Context) (TaskQueue, error) {
		return queue, nil
	}, nil, nil)

	result, err := dispatcher.Submit(context.Background(), "delivery-9", workflowEvent(9, "completed", "failure"))
	require.NoError(t, err)
	assert.Equal(t, ModeQueued, result.Mode)
	require.Len(t, queue.tasks, 1)
	assert.Equal(t, "delivery-9", queue.tasks[0].ID)
	assert.Equal(t, "9", queue.tasks[0].Event.RunID())
	assert.False(t, queue.tasks[0].EnqueuedAt.IsZero())
	assert.Empty(t, job.runs)

	require.NoError(t, dispatcher.Close())
	assert.True(t, queue.closed)
}

func TestDispatcherRunsInlineWhenEnqueueFails(t *testing.T) {
	job := &recordingJob{}
	queue := &fakeQueue{err: errors.New("READONLY")}
	dispatcher := NewDispatcher(job.run, func(ctx context.Context) (TaskQueue, error) {
		return queue, nil
	}, nil, nil)

	result, err := dispatcher.Submit(context.Background(), "", workflowEvent(4, "completed", "failure"))
	require.NoError(t, err)
	assert.Equal(t, ModeInline, result.Mode)
	assert.Equal(t, []string{"4"}, job.runs)
}

func TestInlineQueueRecoversPanics(t *testing.T) {
	queue := NewInlineQueue(func(ctx context.Context, evt github.WorkflowRunEvent) error {
		panic("boom")
	}, nil, nil)

	err := queue.Enqueue(context.Background(), Task{ID: "t", Event: workflowEvent(3, "completed", "failure")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestInlineQueueIgnoresCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var jobErr error
	queue := NewInlineQueue(func(ctx context.Context, evt github.WorkflowRunEvent) error {
		jobErr = ctx.Err()
		return nil
	}, nil, nil)

	require.NoError(t, queue.Enqueue(ctx, Task{ID: "t", Event: workflowEvent(3, "completed", "failure")}))
	assert.NoError(t, jobErr)
}

func TestDispatcherSelectsQueueDespiteCancelledFirstRequest(t *testing.T) {
	server := miniredis.RunT(t)
	job := &recordingJob{}
	dispatcher := NewDispatcher(job.run, func(ctx context.Context) (TaskQueue, error) {
		queue, err := NewRedisQueue(ctx, RedisQueueConfig{URL: "redis://" + server.Addr(), Key: "test:dispatch"}, job.run, nil, nil)
		if err != nil {
			return nil, err
		}
		return queue, nil
	}, nil, nil)
	t.Cleanup(func() { _ = dispatcher.Close() })

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	first, err := dispatcher.Submit(cancelled, "delivery-1", workflowEvent(31, "completed", "failure"))
	require.NoError(t, err)
	second, err := dispatcher.Submit(context.Background(), "delivery-2", workflowEvent(32, "completed", "failure"))
	require.NoError(t, err)

	assert.Equal(t, ModeQueued, first.Mode)
	assert.Equal(t, ModeQueued, second.Mode)
	assert.True(t, dispatcher.Durable())
	assert.Empty(t, job.runs)

	queued, err := server.List("test:dispatch")
	require.NoError(t, err)
	assert.Len(t, queued, 2)
}
