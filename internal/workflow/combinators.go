package workflow

// Combinators compose already-registered Futures into a derived Future.
// None of them allocate a seq or emit a command: per spec.md §4.1.1 a
// combinator's EventualDefinition has no generateCommands, so it is never
// correspondence-checked — only its children, each created by an earlier
// ctx call, are.

// All resolves once every future has succeeded, with results in the same
// order as the inputs; it resolves with the first error any child fails
// with, at the moment that failure is observed.
func All(futures ...*Future) *Future {
	composite := newFuture()
	if len(futures) == 0 {
		composite.resolve([]any{}, nil)
		return composite
	}
	results := make([]any, len(futures))
	remaining := len(futures)
	for i, f := range futures {
		i := i
		f.addOnSettle(func(value any, err error) {
			if composite.settled {
				return
			}
			if err != nil {
				composite.resolve(nil, err)
				return
			}
			results[i] = value
			remaining--
			if remaining == 0 {
				composite.resolve(results, nil)
			}
		})
	}
	return composite
}

// Settled is one element of an AllSettled result: either Value is set or
// Err is, never both.
type Settled struct {
	Value any
	Err   error
}

// AllSettled resolves once every future has settled, success or failure,
// never itself failing.
func AllSettled(futures ...*Future) *Future {
	composite := newFuture()
	if len(futures) == 0 {
		composite.resolve([]Settled{}, nil)
		return composite
	}
	results := make([]Settled, len(futures))
	remaining := len(futures)
	for i, f := range futures {
		i := i
		f.addOnSettle(func(value any, err error) {
			results[i] = Settled{Value: value, Err: err}
			remaining--
			if remaining == 0 && !composite.settled {
				composite.resolve(results, nil)
			}
		})
	}
	return composite
}

// Any resolves with the value of the first future to succeed. If every
// future fails, it resolves with the last observed error.
func Any(futures ...*Future) *Future {
	composite := newFuture()
	if len(futures) == 0 {
		composite.resolve(nil, nil)
		return composite
	}
	remaining := len(futures)
	var lastErr error
	for _, f := range futures {
		f.addOnSettle(func(value any, err error) {
			if composite.settled {
				return
			}
			if err == nil {
				composite.resolve(value, nil)
				return
			}
			lastErr = err
			remaining--
			if remaining == 0 {
				composite.resolve(nil, lastErr)
			}
		})
	}
	return composite
}

// Race resolves with the value or error of whichever future settles
// first, regardless of outcome.
func Race(futures ...*Future) *Future {
	composite := newFuture()
	for _, f := range futures {
		f.addOnSettle(func(value any, err error) {
			if !composite.settled {
				composite.resolve(value, err)
			}
		})
	}
	return composite
}
