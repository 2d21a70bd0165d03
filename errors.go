package hxbench

import "github.com/go-faster/errors"

// ErrInvalidWorkers is returned when the worker count is not a positive integer.
var ErrInvalidWorkers = errors.New("worker count must be a positive integer")

// ErrHandlerTimeout is returned by TimeoutHandler if the wrapped handler
// did not complete in time.
var ErrHandlerTimeout = errors.New("handler timeout")
