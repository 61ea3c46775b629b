// Package slogutil wires log/slog up with rotation and per-connection
// context attributes (trace id, client id) the way request handlers
// want them to show up on every log line without threading them
// through every function signature.
package slogutil

import (
	"context"
	"log/slog"
	"maps"
)

type data map[string]slog.Attr

func (d data) append(attrs ...slog.Attr) {
	for _, attr := range attrs {
		d[attr.Key] = attr
	}
}

type dataKey struct{}

func cloneData(ctx context.Context) data {
	d, ok := ctx.Value(dataKey{}).(data)
	if !ok {
		return data{}
	}
	return maps.Clone(d)
}

// WithAttrs returns a new context carrying attrs in addition to any
// already attached to ctx.
func WithAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	d := cloneData(ctx)
	d.append(attrs...)
	return context.WithValue(ctx, dataKey{}, d)
}

// Attrs returns the attributes attached to ctx, if any.
func Attrs(ctx context.Context) []slog.Attr {
	d, ok := ctx.Value(dataKey{}).(data)
	if !ok {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(d))
	for _, v := range d {
		attrs = append(attrs, v)
	}
	return attrs
}

type dataHook struct{}

func (dataHook) Run(ctx context.Context, r *slog.Record) {
	for _, a := range Attrs(ctx) {
		r.AddAttrs(a)
	}
}
