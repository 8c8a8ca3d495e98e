// Package async contains small helpers for spawning goroutines that must
// never take the process down on a panic.
package async

import (
	"runtime/debug"

	"foreman/internal/logging"
)

// Go runs fn in a new goroutine, recovering panics and logging them with the
// goroutine's name and a stack trace. Background loops use this instead of a
// bare `go` statement so a bug in one subsystem cannot crash the server.
func Go(logger logging.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// GoDone behaves like Go and additionally returns a channel closed when fn
// returns, which lets callers join on completion in tests and shutdown paths.
func GoDone(logger logging.Logger, name string, fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer Recover(logger, name)
		fn()
	}()
	return done
}

// Recover logs a recovered panic. Deferred directly by code that manages its
// own goroutines.
func Recover(logger logging.Logger, name string) {
	if r := recover(); r != nil {
		logging.OrNop(logger).Error("panic in %s: %v\n%s", name, r, debug.Stack())
	}
}
