// Package logging builds the slog handlers used by the server and the CLI.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the handler built by New.
type Options struct {
	Level  string // DEBUG, INFO, WARN, ERROR; case-insensitive
	Format string // text or json
	File   string // when set, output is also written to a rotated file
}

// New returns a logger for opts and the closer of the rotated file, if any.
// An unknown level falls back to INFO and is reported on the returned logger.
func New(opts Options) (*slog.Logger, io.Closer) {
	level, levelErr := ParseLevel(opts.Level)

	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, rotated)
		closer = rotated
	}

	logger := Logger(w, strings.EqualFold(opts.Format, "json"), level)
	if levelErr != nil {
		logger.Warn("Invalid log level, defaulting to INFO", "level", opts.Level, "error", levelErr)
	}
	return logger, closer
}

// Logger builds a text or JSON logger writing to w. Attributes stored in the
// context with AppendCtx are added to every record.
func Logger(w io.Writer, json bool, level slog.Level) *slog.Logger {
	ho := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(w, ho)
	} else {
		h = slog.NewTextHandler(w, ho)
	}
	return slog.New(&ctxHandler{Handler: h})
}

// ParseLevel parses DEBUG, INFO, WARN or ERROR.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}

type ctxKey struct{}

// AppendCtx returns a context whose log records carry attrs.
func AppendCtx(ctx context.Context, attrs ...slog.Attr) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	existing, _ := ctx.Value(ctxKey{}).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(existing)+len(attrs))
	merged = append(merged, existing...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, ctxKey{}, merged)
}

type ctxHandler struct {
	slog.Handler
}

func (h *ctxHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs, ok := ctx.Value(ctxKey{}).([]slog.Attr); ok {
		r.AddAttrs(attrs...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ctxHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ctxHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ctxHandler) WithGroup(name string) slog.Handler {
	return &ctxHandler{Handler: h.Handler.WithGroup(name)}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
