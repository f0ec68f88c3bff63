// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Go launches fn in a new goroutine. If fn panics, the panic is recovered and
// logged with the task name rather than crashing the process.
func Go(name string, fn func()) {
	go run(name, fn)
}

func run(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in background goroutine",
				"task", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Group tracks in-flight background tasks so shutdown can wait for them.
// The zero value is ready to use.
type Group struct {
	wg sync.WaitGroup
}

// Go launches fn like the package-level Go and tracks it until it returns.
func (g *Group) Go(name string, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		run(name, fn)
	}()
}

// Wait blocks until every tracked task has returned or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
