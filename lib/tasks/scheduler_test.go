package tasks_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/DeckSettings/decky-game-settings/lib/tasks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestScheduler_Go(t *testing.T) {
	s := tasks.NewScheduler(zap.NewNop())

	done := make(chan struct{})
	require.NoError(t, s.Go("once", func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	require.NoError(t, s.Stop(context.Background()))
	assert.Zero(t, s.Pending())
}

func TestScheduler_AfterRuns(t *testing.T) {
	s := tasks.NewScheduler(zap.NewNop())
	defer s.Stop(context.Background())

	start := time.Now()
	fired := make(chan time.Duration, 1)
	require.NoError(t, s.After("timer", 20*time.Millisecond, func(context.Context) {
		fired <- time.Since(start)
	}))

	select {
	case elapsed := <-fired:
		assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestScheduler_StopCancelsPending(t *testing.T) {
	s := tasks.NewScheduler(zap.NewNop())

	var ran atomic.Bool
	require.NoError(t, s.After("late", time.Hour, func(context.Context) { ran.Store(true) }))
	assert.Equal(t, 1, s.Pending())

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, ran.Load())
	assert.Zero(t, s.Pending())
}

func TestScheduler_ContextCancelledOnStop(t *testing.T) {
	s := tasks.NewScheduler(zap.NewNop())

	started := make(chan struct{})
	require.NoError(t, s.Go("worker", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}))
	<-started

	require.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_GoAfterStop(t *testing.T) {
	s := tasks.NewScheduler(nil)
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	assert.ErrorIs(t, s.Go("late", func(context.Context) {}), tasks.ErrStopped)
	assert.ErrorIs(t, s.After("late", time.Millisecond, func(context.Context) {}), tasks.ErrStopped)
}

func TestScheduler_RecoversPanics(t *testing.T) {
	s := tasks.NewScheduler(zap.NewNop())

	require.NoError(t, s.Go("boom", func(context.Context) { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, s.Go("after", func(context.Context) { close(done) }))
	<-done

	require.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_StopTimeout(t *testing.T) {
	s := tasks.NewScheduler(zap.NewNop())

	release := make(chan struct{})
	require.NoError(t, s.Go("stubborn", func(context.Context) { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, s.Stop(context.Background()))
}
