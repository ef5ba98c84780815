package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name          string
		attempts      []bool // true = success, false = failure
		expectedState State
	}{
		{"stays closed on successes", []bool{true, true, true}, StateClosed},
		{"opens after consecutive failures", []bool{false, false, false}, StateOpen},
		{"success resets the streak", []bool{false, false, true, false, false}, StateClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			b := New("test", Settings{
				Interval: time.Minute,
				Timeout:  time.Minute,
				ReadyToTrip: func(c Counts) bool {
					return c.ConsecutiveFailures >= 3
				},
				Now: clock.Now,
			})
			for _, ok := range tt.attempts {
				ticket, err := b.Allow()
				require.NoError(t, err)
				ticket.Done(ok)
			}
			assert.Equal(t, tt.expectedState, b.State())
		})
	}
}

func TestBreakerHalfOpenAdmitsOne(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := New("srv", Settings{
		Timeout:     10 * time.Second,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
		Now: clock.Now,
	})

	ticket, err := b.Allow()
	require.NoError(t, err)
	ticket.Done(false)

	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, clock.Now().Add(10*time.Second), b.RetryAt())

	clock.Advance(11 * time.Second)
	probe, err := b.Allow()
	require.NoError(t, err)
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrTooManyRequests)

	probe.Done(true)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestTicketDoneCountsOnce(t *testing.T) {
	b := New("x", Settings{ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 2 }})
	ticket, err := b.Allow()
	require.NoError(t, err)
	ticket.Done(false)
	ticket.Done(false)
	assert.Equal(t, uint32(1), b.Counts().ConsecutiveFailures)
	assert.Equal(t, StateClosed, b.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
