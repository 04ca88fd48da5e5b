package diag

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler drops every record. Enabled reports false so that callers
// skip building attributes.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

var silent = slog.New(nopHandler{})

// current is shared by the root package, the Sink and every internal
// package.
var current atomic.Pointer[slog.Logger]

func init() { current.Store(silent) }

// Logger returns the shared logger.
func Logger() *slog.Logger { return current.Load() }

// SetLogger replaces the shared logger. nil restores silence.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = silent
	}
	current.Store(l)
}
