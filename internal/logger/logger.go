package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pterm/pterm"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/twinleaf/tio-proxy/internal/util"
)

// Config controls the Proxy's diagnostic log, per spec.md §4.9 and §6 (-t, -u, -v).
type Config struct {
	TimeFormat   string // strftime format, default "%F %T"
	Microseconds bool   // append microseconds to the timestamp
	Verbose      bool   // emit per-packet trace lines at debug level
	LogDir       string
	MaxSize      int // megabytes
	MaxBackups   int
	MaxAge       int // days
	FileOutput   bool
}

const DefaultLogOutputName = "tio-proxy.log"

// New builds the slog.Logger the Proxy logs through: a strftime-prefixed
// console handler (colourised when attached to a terminal) plus, optionally,
// a rotating JSON file handler for offline analysis.
func New(cfg *Config) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}

	layout := strftimeToGoLayout(cfg.TimeFormat)
	if layout == "" {
		layout = strftimeToGoLayout("%F %T")
	}

	handlers := []slog.Handler{
		newConsoleHandler(level, layout, cfg.Microseconds),
	}

	var cleanupFuncs []func()
	if cfg.FileOutput {
		fileHandler, cleanup, err := createFileHandler(cfg, level)
		if err != nil {
			return nil, nil, err
		}
		cleanupFuncs = append(cleanupFuncs, cleanup)
		handlers = append(handlers, fileHandler)
	}

	var log *slog.Logger
	if len(handlers) == 1 {
		log = slog.New(handlers[0])
	} else {
		log = slog.New(&simpleMultiHandler{handlers: handlers})
	}

	cleanup := func() {
		for _, fn := range cleanupFuncs {
			fn()
		}
	}

	return log, cleanup, nil
}

func createFileHandler(cfg *Config, level slog.Level) (slog.Handler, func(), error) {
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, nil, err
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, DefaultLogOutputName),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	}

	handler := slog.NewJSONHandler(rotator, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: fastReplaceAttr,
	})

	cleanup := func() {
		_ = rotator.Close()
	}

	return handler, cleanup, nil
}

// fastReplaceAttr strips ANSI codes that might leak into attribute values
// (e.g. a sensor's text-mode payload echoed into a log field) before they
// hit a non-colour sink such as the JSON file handler.
func fastReplaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		str := a.Value.String()
		if strings.ContainsRune(str, '\x1b') {
			return slog.Attr{Key: a.Key, Value: slog.StringValue(stripAnsiCodes(str))}
		}
	}
	return a
}

// consoleHandler renders the line format spec.md §4.9 calls for: a
// strftime-formatted timestamp prefix, the level, the message, and any
// attributes, colourising the level badge when attached to a terminal.
type consoleHandler struct {
	level        slog.Level
	layout       string
	microseconds bool
	colour       bool
	attrs        []slog.Attr
}

func newConsoleHandler(level slog.Level, layout string, microseconds bool) *consoleHandler {
	return &consoleHandler{
		level:        level,
		layout:       layout,
		microseconds: microseconds,
		colour:       util.ShouldUseColors(),
	}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.Format(h.layout)
	if h.microseconds {
		ts = fmt.Sprintf("%s.%06d", ts, r.Time.Nanosecond()/1000)
	}

	var b strings.Builder
	b.WriteString(ts)
	b.WriteByte(' ')
	b.WriteString(levelBadge(r.Level, h.colour))
	b.WriteByte(' ')
	b.WriteString(r.Message)

	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	})

	_, err := fmt.Fprintln(os.Stdout, b.String())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := *h
	n.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &n
}

func (h *consoleHandler) WithGroup(_ string) slog.Handler {
	n := *h
	return &n
}

func levelBadge(level slog.Level, colour bool) string {
	text := level.String()
	if !colour {
		return text
	}
	switch {
	case level >= slog.LevelError:
		return pterm.Red(text)
	case level >= slog.LevelWarn:
		return pterm.Yellow(text)
	case level >= slog.LevelInfo:
		return pterm.Cyan(text)
	default:
		return pterm.Gray(text)
	}
}

// simpleMultiHandler sends records to every handler without double-processing.
type simpleMultiHandler struct {
	handlers []slog.Handler
}

func (h *simpleMultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *simpleMultiHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, record.Level) {
			if err := handler.Handle(ctx, record); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *simpleMultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithAttrs(attrs)
	}
	return &simpleMultiHandler{handlers: newHandlers}
}

func (h *simpleMultiHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithGroup(name)
	}
	return &simpleMultiHandler{handlers: newHandlers}
}
