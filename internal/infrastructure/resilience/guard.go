package resilience

import (
	"sync"
	"time"
)

// GuardSettings configures a crash-loop guard.
type GuardSettings struct {
	// Threshold consecutive quick exits open the breaker for a key.
	Threshold int
	// Window clears counts when no trip happens within it.
	Window time.Duration
	// Cooldown is how long an open key refuses new attempts.
	Cooldown time.Duration
	// QuickExit is the uptime under which an exit counts as a crash.
	QuickExit time.Duration

	OnStateChange func(key string, from, to State)
	Now           func() time.Time
	// AfterFunc schedules the survival mark of a run. Defaults to
	// time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
}

// Guard keeps one breaker per key (for example an executable path) so a
// process that keeps dying right after start is refused for a cooldown.
type Guard struct {
	settings GuardSettings

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGuard creates a crash-loop guard.
func NewGuard(settings GuardSettings) *Guard {
	if settings.Threshold <= 0 {
		settings.Threshold = 3
	}
	if settings.Window <= 0 {
		settings.Window = 30 * time.Second
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 60 * time.Second
	}
	if settings.QuickExit <= 0 {
		settings.QuickExit = 10 * time.Second
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	if settings.AfterFunc == nil {
		settings.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	return &Guard{settings: settings, breakers: make(map[string]*Breaker)}
}

// Attempt is an admitted run. A run still alive after QuickExit is settled
// as a success right away, so a long-lived run admitted while half-open
// closes the breaker instead of holding its only slot.
type Attempt struct {
	ticket  *Ticket
	started time.Time
	quick   time.Duration
	now     func() time.Time
	stop    func() bool
}

// Allow admits a run for key.
func (g *Guard) Allow(key string) (*Attempt, error) {
	ticket, err := g.breaker(key).Allow()
	if err != nil {
		return nil, err
	}
	a := &Attempt{
		ticket:  ticket,
		started: g.settings.Now(),
		quick:   g.settings.QuickExit,
		now:     g.settings.Now,
	}
	a.stop = g.settings.AfterFunc(a.quick, a.survived)
	return a, nil
}

func (a *Attempt) survived() {
	a.ticket.Done(true)
}

// Exited reports the end of the run. A run shorter than QuickExit that did
// not exit cleanly counts as a crash.
func (a *Attempt) Exited(clean bool) {
	a.stop()
	a.ticket.Done(clean || a.now().Sub(a.started) >= a.quick)
}

// Abandon reports a run that never started, such as a failed exec.
func (a *Attempt) Abandon() {
	a.stop()
	a.ticket.Done(false)
}

// State returns the breaker state for key.
func (g *Guard) State(key string) State {
	g.mu.Lock()
	b, ok := g.breakers[key]
	g.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return b.State()
}

// RetryAt returns when an open key will admit its next run.
func (g *Guard) RetryAt(key string) time.Time {
	g.mu.Lock()
	b, ok := g.breakers[key]
	g.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return b.RetryAt()
}

func (g *Guard) breaker(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.breakers[key]; ok {
		return b
	}
	threshold := uint32(g.settings.Threshold)
	b := New(key, Settings{
		MaxRequests: 1,
		Interval:    g.settings.Window,
		Timeout:     g.settings.Cooldown,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: g.settings.OnStateChange,
		Now:           g.settings.Now,
	})
	g.breakers[key] = b
	return b
}
