package reviewer

import (
	"context"
	"time"
)

// Outcome is the tagged result of Retry. Succeeded reports which variant it holds:
// the value of the first successful attempt, or the error of the last failed one.
type Outcome[T any] struct {
	Value    T
	Attempts int
	Err      error
	ok       bool
}

// Succeeded reports whether an attempt produced a value.
func (o Outcome[T]) Succeeded() bool { return o.ok }

// Exhausted reports whether every attempt failed.
func (o Outcome[T]) Exhausted() bool { return !o.ok }

// AttemptHook observes each failed attempt.
type AttemptHook func(attempt int, err error)

// Retry runs fn up to attempts times, sleeping delay between attempts. It stops early
// when ctx is done; the outcome then carries the context error.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, onFailure AttemptHook, fn func(context.Context) (T, error)) Outcome[T] {
	if attempts < 1 {
		attempts = 1
	}
	var out Outcome[T]
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				out.Err = ctx.Err()
				return out
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			out.Err = err
			return out
		}

		out.Attempts = attempt
		v, err := fn(ctx)
		if err == nil {
			out.Value = v
			out.Err = nil
			out.ok = true
			return out
		}
		out.Err = err
		if onFailure != nil {
			onFailure(attempt, err)
		}
	}
	return out
}
