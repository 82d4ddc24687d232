package logging

import (
	"context"
	"log/slog"
)

// AttrSource extracts attributes from a record's context.
type AttrSource func(ctx context.Context) []slog.Attr

// ContextAttrHandler appends attributes taken from the logging call's
// context, so records logged from a spawned goroutine carry the same
// request identifiers as the goroutine that spawned it.
type ContextAttrHandler struct {
	next    slog.Handler
	sources []AttrSource
}

// NewContextAttrHandler wraps next.
func NewContextAttrHandler(next slog.Handler, sources ...AttrSource) *ContextAttrHandler {
	return &ContextAttrHandler{next: next, sources: sources}
}

// Enabled implements slog.Handler.
func (h *ContextAttrHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *ContextAttrHandler) Handle(ctx context.Context, r slog.Record) error { //nolint:gocritic // slog.Handler interface requires value
	if ctx != nil {
		r = r.Clone()
		for _, source := range h.sources {
			r.AddAttrs(source(ctx)...)
		}
	}

	return h.next.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *ContextAttrHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewContextAttrHandler(h.next.WithAttrs(attrs), h.sources...)
}

// WithGroup implements slog.Handler.
func (h *ContextAttrHandler) WithGroup(name string) slog.Handler {
	return NewContextAttrHandler(h.next.WithGroup(name), h.sources...)
}
