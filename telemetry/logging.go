package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type labelKeyType struct{}

var labelKey labelKeyType

// WithLogLabel returns a context whose log label stack has label appended.
// The parent context is unchanged, so labels are scoped to the call tree
// that received the derived context.
func WithLogLabel(ctx context.Context, label string) context.Context {
	parent := LogLabels(ctx)
	labels := make([]string, len(parent), len(parent)+1)
	copy(labels, parent)
	labels = append(labels, label)
	return context.WithValue(ctx, labelKey, labels)
}

// LogLabels returns the label stack carried by ctx (outermost first).
func LogLabels(ctx context.Context) []string {
	if v, ok := ctx.Value(labelKey).([]string); ok {
		return v
	}
	return nil
}

// Logger returns the default logger annotated with the context's label stack
// (rendered as "Outer::Inner") and correlation id.
func Logger(ctx context.Context) *slog.Logger {
	l := LoggerWithCorr(ctx)
	if labels := LogLabels(ctx); len(labels) > 0 {
		l = l.With(slog.String("context", strings.Join(labels, "::")))
	}
	return l
}

// ParseLevel maps LOG_LEVEL values onto slog levels. Unknown values report ok=false.
func ParseLevel(v string) (lvl slog.Level, ok bool) {
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	case "info", "":
		return slog.LevelInfo, true
	}
	return slog.LevelInfo, false
}

// NewHandler builds the text or json handler selected by LOG_FORMAT.
func NewHandler(w io.Writer, format string, lvl slog.Level) slog.Handler {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
