package recovery

import (
	"runtime/debug"

	"github.com/vanpelt/runbridge/internal/logger"
)

// SafeGo runs a function in a goroutine with automatic panic recovery
// This prevents any single goroutine panic from crashing the entire server
func SafeGo(name string, fn func()) {
	go Run(name, fn, nil)
}

// SafeGoWithCleanup runs a function in a goroutine with panic recovery and cleanup
func SafeGoWithCleanup(name string, fn func(), cleanup func()) {
	go Run(name, fn, cleanup)
}

// Run calls fn on the current goroutine, logging instead of propagating a
// panic. cleanup, if set, always runs afterwards.
func Run(name string, fn func(), cleanup func()) (panicked bool) {
	defer func() {
		if cleanup != nil {
			cleanup()
		}
		if r := recover(); r != nil {
			panicked = true
			logger.Logger.Error().
				Str("goroutine", name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("🚨 PANIC recovered")
		}
	}()
	fn()
	return false
}
