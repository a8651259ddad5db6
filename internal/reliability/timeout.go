package reliability

import (
	"context"
	"time"

	"github.com/ent0n29/voxnote/internal/apperr"
)

// WithTimeout runs fn with a deadline. If fn has not returned when d elapses
// the wait is abandoned and a timeout-kind error naming op is returned. fn
// receives a context cancelled at the deadline; whatever it returns after
// that point is dropped.
//
// A non-positive d runs fn without a deadline. A panic inside fn is returned
// as a general-kind error.
func WithTimeout[T any](ctx context.Context, d time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if d > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type result struct {
		val T
		err error
	}
	// Buffered so a late completion never blocks the abandoned goroutine.
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: apperr.Newf(apperr.KindGeneral, "%s panicked: %v", op, r)}
			}
		}()
		val, err := fn(callCtx)
		done <- result{val: val, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		return r.val, r.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			// Caller went away; not a deadline on our side.
			return zero, apperr.Wrap(err, apperr.KindGeneral, op+" cancelled")
		}
		return zero, TimeoutError(op, d)
	}
}

// TimeoutError builds the taxonomy error raised by WithTimeout.
func TimeoutError(op string, d time.Duration) *apperr.Error {
	return apperr.Newf(apperr.KindTimeout, "%s timed out after %dms", op, d.Milliseconds())
}
