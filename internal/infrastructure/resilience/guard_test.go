package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardOpensOnQuickCrashes(t *testing.T) {
	clock := newFakeClock()
	g := NewGuard(GuardSettings{Threshold: 3, Cooldown: time.Minute, QuickExit: 5 * time.Second, Now: clock.Now})

	for i := 0; i < 3; i++ {
		a, err := g.Allow("/ext/bin/server")
		require.NoError(t, err)
		clock.Advance(time.Second)
		a.Exited(false)
	}

	_, err := g.Allow("/ext/bin/server")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, g.State("/ext/bin/server"))
	assert.False(t, g.RetryAt("/ext/bin/server").IsZero())

	// Other commands are unaffected.
	_, err = g.Allow("/ext/bin/other")
	assert.NoError(t, err)
}

func TestGuardLongRunsAreNotCrashes(t *testing.T) {
	clock := newFakeClock()
	g := NewGuard(GuardSettings{Threshold: 2, QuickExit: 5 * time.Second, Now: clock.Now})

	for i := 0; i < 5; i++ {
		a, err := g.Allow("srv")
		require.NoError(t, err)
		clock.Advance(time.Minute)
		a.Exited(false)
	}
	assert.Equal(t, StateClosed, g.State("srv"))
}

func TestGuardCleanExitIsSuccess(t *testing.T) {
	clock := newFakeClock()
	g := NewGuard(GuardSettings{Threshold: 1, Now: clock.Now})

	a, err := g.Allow("srv")
	require.NoError(t, err)
	a.Exited(true)
	assert.Equal(t, StateClosed, g.State("srv"))

	a, err = g.Allow("srv")
	require.NoError(t, err)
	a.Abandon()
	assert.Equal(t, StateOpen, g.State("srv"))
}

func TestGuardRecoversAfterCooldown(t *testing.T) {
	clock := newFakeClock()
	g := NewGuard(GuardSettings{Threshold: 1, Cooldown: 10 * time.Second, QuickExit: time.Second, Now: clock.Now})

	a, err := g.Allow("srv")
	require.NoError(t, err)
	a.Exited(false)
	_, err = g.Allow("srv")
	require.Error(t, err)

	clock.Advance(11 * time.Second)
	a, err = g.Allow("srv")
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	a.Exited(false)
	assert.Equal(t, StateClosed, g.State("srv"))
}

func TestGuardLongRunAfterCooldownReleasesHalfOpen(t *testing.T) {
	clock := newFakeClock()
	var pending []func()
	g := NewGuard(GuardSettings{
		Threshold: 1,
		Cooldown:  10 * time.Second,
		QuickExit: 5 * time.Second,
		Now:       clock.Now,
		AfterFunc: func(_ time.Duration, f func()) func() bool {
			pending = append(pending, f)
			return func() bool { return true }
		},
	})

	a, err := g.Allow("srv")
	require.NoError(t, err)
	a.Exited(false)
	assert.Equal(t, StateOpen, g.State("srv"))

	clock.Advance(11 * time.Second)
	long, err := g.Allow("srv")
	require.NoError(t, err)
	_, err = g.Allow("srv")
	assert.ErrorIs(t, err, ErrTooManyRequests)

	// The admitted run outlives QuickExit while still running.
	clock.Advance(time.Hour)
	pending[len(pending)-1]()
	assert.Equal(t, StateClosed, g.State("srv"))

	other, err := g.Allow("srv")
	require.NoError(t, err)
	other.Exited(true)

	// A later crash of the long run does not count a second time.
	long.Exited(false)
	assert.Equal(t, StateClosed, g.State("srv"))
}

func TestGuardExitStopsSurvivalTimer(t *testing.T) {
	stopped := 0
	g := NewGuard(GuardSettings{
		AfterFunc: func(_ time.Duration, _ func()) func() bool {
			return func() bool { stopped++; return true }
		},
	})
	a, err := g.Allow("srv")
	require.NoError(t, err)
	a.Exited(true)
	assert.Equal(t, 1, stopped)
}
