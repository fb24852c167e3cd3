// Package logger builds the engine's fanout slog handler: a JSON file log,
// a colorized console log, and a bridge that surfaces warnings/errors on
// the progress bus.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ANSI color codes
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Purple = "\033[35m"
	Cyan   = "\033[36m"
	Gray   = "\033[37m"
)

type ConsoleHandler struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleHandler(out io.Writer) *ConsoleHandler {
	return &ConsoleHandler{out: out}
}

func (h *ConsoleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *ConsoleHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	levelColor := Reset
	switch r.Level {
	case slog.LevelDebug:
		levelColor = Gray
	case slog.LevelInfo:
		levelColor = Green
	case slog.LevelWarn:
		levelColor = Yellow
	case slog.LevelError:
		levelColor = Red
	}

	timeStr := r.Time.Format(time.TimeOnly)
	msg := fmt.Sprintf("%s%s%s [%s] %s\n", levelColor, r.Level.String()[:4], Reset, timeStr, r.Message)

	_, err := h.out.Write([]byte(msg))
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	return h
}

// ExceptionNotifier is implemented by internal/progress.Bus; kept as a
// narrow interface here so logger never imports progress (would cycle,
// since progress logs through this same package).
type ExceptionNotifier interface {
	NotifyException(level, message string, attrs map[string]any)
}

// BridgeHandler forwards Warn/Error records onto a progress bus as
// ProcessException notifications, replacing the teacher's Wails-event
// handler leg with our own transport.
type BridgeHandler struct {
	mu       sync.Mutex
	notifier ExceptionNotifier
}

func NewBridgeHandler() *BridgeHandler {
	return &BridgeHandler{}
}

// SetNotifier attaches the live progress bus once it's constructed; the
// daemon wires logger before progress exists, so this is set post hoc.
func (h *BridgeHandler) SetNotifier(n ExceptionNotifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifier = n
}

func (h *BridgeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelWarn
}

func (h *BridgeHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	notifier := h.notifier
	h.mu.Unlock()

	if notifier == nil || r.Level < slog.LevelWarn {
		return nil
	}

	attrs := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	notifier.NotifyException(r.Level.String(), r.Message, attrs)
	return nil
}

func (h *BridgeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *BridgeHandler) WithGroup(name string) slog.Handler {
	return h
}

// New builds the fanout logger (JSON file + console + progress bridge) and
// returns the bridge so the caller can attach the bus once it exists.
func New(consoleOutput io.Writer, logDir string) (*slog.Logger, *BridgeHandler, error) {
	if logDir == "" {
		appData, err := os.UserConfigDir()
		if err != nil {
			return nil, nil, err
		}
		logDir = filepath.Join(appData, "meterfleet", "logs")
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(filepath.Join(logDir, "app.json"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}

	jsonHandler := slog.NewJSONHandler(f, nil)
	consoleHandler := NewConsoleHandler(consoleOutput)
	bridgeHandler := NewBridgeHandler()

	handler := &FanoutHandler{
		handlers: []slog.Handler{jsonHandler, consoleHandler, bridgeHandler},
	}

	return slog.New(handler), bridgeHandler, nil
}

type FanoutHandler struct {
	handlers []slog.Handler
}

func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		_ = handler.Handle(ctx, r)
	}
	return nil
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithAttrs(attrs)
	}
	return &FanoutHandler{handlers: newHandlers}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithGroup(name)
	}
	return &FanoutHandler{handlers: newHandlers}
}
