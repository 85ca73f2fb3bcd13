package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/eventfn/redlock"
	"github.com/toolink/eventfn/scheduler"
)

type countingJob struct {
	name  string
	runs  atomic.Int32
	err   error
	block chan struct{}
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return j.err
}

func newLocks(t *testing.T, opts ...redlock.Option) (*redlock.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return redlock.NewClient(client, opts...), mr
}

func TestRunsOnIntervalUntilStopped(t *testing.T) {
	t.Parallel()
	job := &countingJob{name: "tick"}
	s := scheduler.New()
	require.NoError(t, s.Add(job, 10*time.Millisecond, true))

	require.NoError(t, s.Start(t.Context()))
	assert.Eventually(t, func() bool { return job.runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(t.Context()))

	after := job.runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, job.runs.Load())

	status, ok := s.Status("tick")
	require.True(t, ok)
	assert.EqualValues(t, after, status.Runs)
	assert.Zero(t, status.Failures)
}

func TestAddValidation(t *testing.T) {
	t.Parallel()
	s := scheduler.New()
	job := &countingJob{name: "x"}
	require.Error(t, s.Add(job, 0, false))
	require.NoError(t, s.Add(job, time.Hour, false))
	require.Error(t, s.Add(job, time.Hour, false))

	require.ErrorIs(t, s.RunNow(t.Context(), "missing"), scheduler.ErrUnknownJob)
	_, ok := s.Status("missing")
	assert.False(t, ok)
}

func TestRunNowRecordsFailures(t *testing.T) {
	t.Parallel()
	errStore := errors.New("store down")
	job := &countingJob{name: "failing", err: errStore}
	locks, _ := newLocks(t)
	s := scheduler.New(scheduler.WithLocks(locks))
	require.NoError(t, s.Add(job, time.Hour, false))

	require.ErrorIs(t, s.RunNow(t.Context(), "failing"), errStore)
	status, _ := s.Status("failing")
	assert.Equal(t, 1, status.Failures)
	assert.ErrorIs(t, status.LastErr, errStore)

	// the lock is released after a failed run
	job.err = nil
	require.NoError(t, s.RunNow(t.Context(), "failing"))
}

func TestLockPreventsConcurrentRuns(t *testing.T) {
	t.Parallel()
	locks, _ := newLocks(t)
	job := &countingJob{name: "trending", block: make(chan struct{})}

	a := scheduler.New(scheduler.WithLocks(locks))
	b := scheduler.New(scheduler.WithLocks(locks))
	require.NoError(t, a.Add(job, time.Hour, false))
	require.NoError(t, b.Add(job, time.Hour, false))

	done := make(chan error, 1)
	go func() { done <- a.RunNow(context.Background(), "trending") }()
	assert.Eventually(t, func() bool { return job.runs.Load() == 1 }, time.Second, time.Millisecond)

	require.ErrorIs(t, b.RunNow(t.Context(), "trending"), scheduler.ErrSkipped)
	close(job.block)
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, job.runs.Load())
}

func TestLockRefreshedWhileJobRuns(t *testing.T) {
	t.Parallel()
	locks, mr := newLocks(t, redlock.WithTTL(time.Second))
	job := &countingJob{name: "slow", block: make(chan struct{})}
	s := scheduler.New(scheduler.WithLocks(locks))
	require.NoError(t, s.Add(job, time.Hour, false))
	key := redlock.DefaultKeyPrefix + "slow"

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	assert.Eventually(t, func() bool { return job.runs.Load() == 1 }, time.Second, time.Millisecond)

	// without a refresh the lock would expire after the second jump
	mr.FastForward(900 * time.Millisecond)
	assert.Eventually(t, func() bool { return mr.TTL(key) > 500*time.Millisecond }, 3*time.Second, 10*time.Millisecond)
	mr.FastForward(900 * time.Millisecond)
	assert.True(t, mr.Exists(key))

	close(job.block)
	require.NoError(t, <-done)
	assert.False(t, mr.Exists(key))
}

func TestLostLockCancelsRun(t *testing.T) {
	t.Parallel()
	locks, mr := newLocks(t, redlock.WithTTL(100*time.Millisecond))
	job := &countingJob{name: "slow", block: make(chan struct{})}
	s := scheduler.New(scheduler.WithLocks(locks))
	require.NoError(t, s.Add(job, time.Hour, false))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	assert.Eventually(t, func() bool { return job.runs.Load() == 1 }, time.Second, time.Millisecond)
	mr.Del(redlock.DefaultKeyPrefix + "slow")

	select {
	case err := <-done:
		require.ErrorIs(t, err, scheduler.ErrLockLost)
		require.ErrorIs(t, err, redlock.ErrNotHeld)
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("run was not cancelled after losing its lock")
	}

	status, _ := s.Status("slow")
	assert.Equal(t, 1, status.Failures)
}
