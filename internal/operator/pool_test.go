// ABOUTME: Tests for the on-demand worker pool
// ABOUTME: Covers saturation blocking, panic recovery, idle retirement and Join semantics

package operator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func TestPool_BlocksWhenSaturated(t *testing.T) {
	p := NewPool("test", 3, time.Minute, nil, nil)
	release := make(chan struct{})

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(context.Background(), func() { <-release }))
	}
	require.Eventually(t, func() bool { return p.Stats().Busy == 3 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 3, p.Stats().Workers, "pool grew past its maximum")

	close(release)
	p.Join()

	stats := p.Stats()
	assert.Equal(t, int64(3), stats.Completed)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Workers)
}

func TestPool_StartsWorkersOnDemand(t *testing.T) {
	p := NewPool("test", 10, time.Minute, nil, nil)
	defer p.Join()

	assert.Equal(t, 0, p.Stats().Workers)

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { close(done) }))
	<-done

	assert.Equal(t, 1, p.Stats().Workers)
}

func TestPool_ReusesIdleWorker(t *testing.T) {
	p := NewPool("test", 10, time.Minute, nil, nil)
	defer p.Join()

	for i := 0; i < 5; i++ {
		done := make(chan struct{})
		require.NoError(t, p.Submit(context.Background(), func() { close(done) }))
		<-done
		require.Eventually(t, func() bool { return p.Stats().Busy == 0 }, waitFor, tick)
	}

	assert.Equal(t, 1, p.Stats().Workers)
}

func TestPool_RecoversPanics(t *testing.T) {
	p := NewPool("test", 1, time.Minute, nil, nil)

	var ran atomic.Bool
	require.NoError(t, p.Submit(context.Background(), func() { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), func() { ran.Store(true) }))
	p.Join()

	assert.True(t, ran.Load(), "task after panic did not run")
	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Panics)
	assert.Equal(t, int64(2), stats.Completed)
}

func TestPool_IdleWorkersExit(t *testing.T) {
	p := NewPool("test", 4, 20*time.Millisecond, nil, nil)
	defer p.Join()

	require.NoError(t, p.Submit(context.Background(), func() {}))
	require.Eventually(t, func() bool { return p.Stats().Workers == 0 }, waitFor, tick)

	// A retired pool still accepts work.
	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { close(done) }))
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("task not run after idle retirement")
	}
}

func TestPool_JoinWaitsForRunningTasks(t *testing.T) {
	p := NewPool("test", 2, time.Minute, nil, nil)

	var finished atomic.Bool
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	}))
	<-started

	p.Join()
	assert.True(t, finished.Load())
}

func TestPool_SubmitAfterJoin(t *testing.T) {
	p := NewPool("test", 2, time.Minute, nil, nil)
	p.Join()
	p.Join()

	err := p.Submit(context.Background(), func() {})
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Submit after Join = %v, want ErrPoolClosed", err)
	}
}
