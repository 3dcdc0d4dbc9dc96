// Package safego launches goroutines that recover their own panics.
package safego

import "log/slog"

// Go runs fn in a new goroutine. A panic inside fn is recovered and logged
// instead of taking the process down. Fire-and-forget work (async trail
// writes, periodic collectors) goes through here so a panic never silently
// kills the goroutine.
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "panic", r)
			}
		}()
		fn()
	}()
}
