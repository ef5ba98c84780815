/*
Package resilience provides a circuit breaker and a crash-loop guard built
on it.

# Breaker

A three-state breaker (Closed, Open, Half-Open) with a two-phase API so an
attempt can span a long-running child process:

	ticket, err := breaker.Allow()
	if err != nil {
	    return err // open or half-open budget used
	}
	go func() {
	    err := cmd.Wait()
	    ticket.Done(err == nil)
	}()

# Guard

Guard keeps one breaker per key. The process broker keys it by
executable path: consecutive exits shortly after start open the key for a
cooldown, during which spawns fail with ERR_SPAWN_THROTTLED.

	Closed --[quick exits]-> Open --[cooldown]-> Half-Open --[long run]-> Closed
	                                               |
	                                         [quick exit]
	                                               v
	                                             Open
*/
package resilience
