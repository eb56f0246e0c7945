package logfields

import (
	"io"
	"log/slog"
)

const (
	KeyBuildID = "build_id"
	KeyStage   = "stage"
	KeyPath    = "path"
	KeyMode    = "mode"
	KeyError   = "error"
	KeyMS      = "duration_ms"
)

func BuildID(id string) slog.Attr     { return slog.String(KeyBuildID, id) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Mode(m string) slog.Attr         { return slog.String(KeyMode, m) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyMS, ms) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// Setup installs the default text logger on w.
func Setup(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	return logger
}
