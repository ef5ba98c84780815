package sandbox

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
)

func TestLoopRunsJobsInOrder(t *testing.T) {
	l := newLoop(nil)
	defer l.Stop()

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		require.True(t, l.Submit(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Call(context.Background(), func() error { return nil }))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestLoopSurvivesPanics(t *testing.T) {
	var panics int32
	l := newLoop(func(interface{}) { atomic.AddInt32(&panics, 1) })
	defer l.Stop()

	l.Submit(func() { panic("boom") })
	err := l.Call(context.Background(), func() error { panic("again") })
	assert.Equal(t, errs.CodeInternal, errs.CodeOf(err))
	assert.Contains(t, err.Error(), "again")

	require.NoError(t, l.Call(context.Background(), func() error { return nil }))
	assert.Equal(t, int32(1), atomic.LoadInt32(&panics))
}

func TestLoopRejectsWorkAfterStop(t *testing.T) {
	l := newLoop(nil)
	l.Stop()
	<-l.Done()

	assert.False(t, l.Submit(func() {}))
	assert.False(t, l.TrySubmit(func() {}))
	err := l.Call(context.Background(), func() error { return nil })
	assert.Equal(t, errs.CodeProcessExited, errs.CodeOf(err))
}

func TestLoopTrySubmitWhenFull(t *testing.T) {
	l := newLoop(nil)
	defer l.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	l.Submit(func() {
		close(started)
		<-release
	})
	<-started

	for i := 0; i < loopBuffer; i++ {
		require.True(t, l.TrySubmit(func() {}))
	}
	assert.False(t, l.TrySubmit(func() {}))
	close(release)
}

func TestLoopCallHonorsContext(t *testing.T) {
	l := newLoop(nil)
	defer l.Stop()

	release := make(chan struct{})
	defer close(release)
	l.Submit(func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Call(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
