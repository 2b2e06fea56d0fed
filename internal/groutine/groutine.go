// Package groutine starts named goroutines so they can be told apart in
// pprof profiles and in log output.
package groutine

import (
	"context"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go starts fn on a new goroutine labelled with name.
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		fn(context.WithValue(ctx, nameKey, name))
	})
}

// GoSafe is Go with a recover guard: a panic inside fn is logged instead of
// taking the process down. Backend callbacks run through it.
func GoSafe(parentCtx context.Context, name string, logger *logrus.Logger, fn func(ctx context.Context)) {
	if logger == nil {
		logger = logrus.New()
	}
	Go(parentCtx, name, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logrus.Fields{
					"goroutine": name,
					"panic":     r,
				}).Error("Recovered from goroutine panic")
			}
		}()
		fn(ctx)
	})
}

// Name returns the goroutine name stored in ctx by Go, or "".
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(nameKey).(string); ok {
		return s
	}
	return ""
}
