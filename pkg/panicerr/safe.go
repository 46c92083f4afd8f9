// Package panicerr converts panics in background tasks into plain errors so
// one misbehaving workflow loop or agent run cannot take the daemon down.
package panicerr

import (
	"context"
	"log/slog"

	"github.com/sourcegraph/conc/panics"
)

// Safe wraps fn so that a panic inside it is recovered and returned as an
// error instead of propagating.
func Safe(fn func() error) func() error {
	return func() error {
		var (
			catcher panics.Catcher
			err     error
		)
		catcher.Try(func() {
			err = fn()
		})
		if err != nil {
			return err
		}
		return catcher.Recovered().AsError()
	}
}

// SafeContext is Safe for context-taking functions.
func SafeContext(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		var (
			catcher panics.Catcher
			err     error
		)
		catcher.Try(func() {
			err = fn(ctx)
		})
		if err != nil {
			return err
		}
		return catcher.Recovered().AsError()
	}
}

// LogRecovered runs fn, logging any panic or returned error under name.
// Used for fire-and-forget goroutines whose failure must never propagate.
func LogRecovered(ctx context.Context, name string, fn func(context.Context) error) {
	if err := SafeContext(fn)(ctx); err != nil {
		slog.ErrorContext(ctx, "background task failed", "task", name, "error", err)
	}
}
