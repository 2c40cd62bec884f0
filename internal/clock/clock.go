// Package clock provides the injectable wall-clock seam used by the
// Timer Service and Workflow Executor tests, so replay-determinism and
// timer-monotonicity tests (spec.md §8) don't depend on real time.
package clock

import "time"

// Clock abstracts time.Now/time.After for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

// Real is the production Clock backed by the standard library.
var Real Clock = realClock{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
