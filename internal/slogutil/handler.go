package slogutil

import (
	"context"
	"log/slog"
)

// Hook is called on every record before it reaches the base handler.
type Hook interface {
	Run(ctx context.Context, r *slog.Record)
}

// Handler wraps a slog.Handler with context-attribute injection.
type Handler struct {
	handler slog.Handler
	hooks   []Hook
}

// WrapHandler attaches the context-attribute hook to h.
func WrapHandler(h slog.Handler) Handler {
	return Handler{handler: h, hooks: []Hook{dataHook{}}}
}

func (h Handler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.handler.Enabled(ctx, l)
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if len(h.hooks) > 0 {
		r = r.Clone()
		for _, hook := range h.hooks {
			hook.Run(ctx, &r)
		}
	}
	return h.handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{hooks: h.hooks, handler: h.handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{hooks: h.hooks, handler: h.handler.WithGroup(name)}
}
