package hxbench

import (
	"time"

	"github.com/go-faster/errors"
)

// DefaultHandlerTimeout is the deadline used by the default Server handler.
const DefaultHandlerTimeout = 60 * time.Second

// TimeoutHandler creates Handler, which returns an error wrapping
// ErrHandlerTimeout if h doesn't return in the given duration.
//
// The wrapped handler works on a private copy of ctx, so its result is
// discarded once the timeout fires and the connection may proceed
// (or be closed) without waiting for it.
func TimeoutHandler(h Handler, timeout time.Duration) Handler {
	if timeout <= 0 {
		return h
	}
	return func(ctx *Ctx) error {
		hctx := &Ctx{}
		ctx.copyTo(hctx)

		// Buffered, so the handler goroutine never blocks on a late send.
		ch := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					ch <- errors.Errorf("handler panic: %v", r)
				}
			}()
			ch <- h(hctx)
		}()

		t := time.NewTimer(timeout)
		defer t.Stop()

		select {
		case err := <-ch:
			if err != nil {
				return err
			}
			hctx.Response.CopyTo(&ctx.Response)
			return nil
		case <-t.C:
			return errors.Wrapf(ErrHandlerTimeout, "exceeded %s", timeout)
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "server stopped")
		}
	}
}
