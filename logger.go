package explicit

import (
	"log/slog"

	"github.com/gogpu/explicit/internal/diag"
)

// SetLogger sets the logger used by the device, its queue and every native
// object it creates. Logging is off by default; nil turns it off again.
// SetLogger may be called at any time from any goroutine.
//
// Levels:
//   - [slog.LevelDebug]: native object creation, replay, polling
//   - [slog.LevelInfo]: device and queue lifecycle
//   - [slog.LevelWarn]: warning diagnostics, failed commands
//   - [slog.LevelError]: device loss
//
// Diagnostics delivered to an [Observer] are logged as well, so a text
// handler at debug level shows everything the observer sees:
//
//	explicit.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) { diag.SetLogger(l) }

// Logger returns the current logger.
func Logger() *slog.Logger { return diag.Logger() }
