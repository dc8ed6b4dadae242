// Package recovery keeps a panicking handler or goroutine from taking down a
// groupcast node.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use this with defer at the start of goroutines.
//
// Example:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "udpReader")
//	    // ... goroutine work
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// Call runs fn and reports whether it panicked. A panic is logged and
// swallowed, so the caller keeps running.
func Call(logger *slog.Logger, name string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(logger, name, r)
			panicked = true
		}
	}()
	fn()
	return false
}

// Go runs fn on a new goroutine tracked by wg, recovering any panic.
func Go(wg *sync.WaitGroup, logger *slog.Logger, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, name)
		fn()
	}()
}

func logPanic(logger *slog.Logger, name string, r any) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
