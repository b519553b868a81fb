// Package clock provides the single injectable time source shared by the
// tailer's poll loop and the scheduler's cron/interval jobs.
package clock

import "github.com/jonboulle/clockwork"

// clock is a package-level time source so tests can freeze time via Set.
// Production code uses the real clock; tests inject a fake for deterministic
// poll/rollup behavior.
var clock clockwork.Clock = clockwork.NewRealClock()

// Get returns the current shared clock.
func Get() clockwork.Clock {
	return clock
}

// Set installs c as the shared clock. Passing nil restores the real clock.
func Set(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}
