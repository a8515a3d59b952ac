// Package patchcontext carries the logger and metrics registry of a patch run
// in a context.Context.
package patchcontext

import (
	"context"
	"os"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

type contextKey int

const (
	loggerKey contextKey = iota
	registryKey
)

var defaultLogger = log.NewLogfmtLogger(os.Stderr)

func WithLogger(ctx context.Context, logger log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func Logger(ctx context.Context) log.Logger {
	if logger, ok := ctx.Value(loggerKey).(log.Logger); ok {
		return logger
	}
	return defaultLogger
}

func WithRegistry(ctx context.Context, registry prometheus.Registerer) context.Context {
	return context.WithValue(ctx, registryKey, registry)
}

// Registry returns the registerer of ctx, or a fresh registry nobody gathers.
func Registry(ctx context.Context) prometheus.Registerer {
	if registry, ok := ctx.Value(registryKey).(prometheus.Registerer); ok {
		return registry
	}
	return prometheus.NewRegistry()
}

// WithPatch labels the logger and the metrics of ctx with the patch name.
func WithPatch(ctx context.Context, patch string) context.Context {
	ctx = WithRegistry(ctx, prometheus.WrapRegistererWith(prometheus.Labels{"patch": patch}, Registry(ctx)))
	return WithLogger(ctx, log.With(Logger(ctx), "patch", patch))
}
