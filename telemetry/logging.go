// Package telemetry configures process-wide logging and tracing.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// ServiceName is the instrumentation scope for logs and traces.
const ServiceName = "arrowquery"

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			_ = h.Handle(ctx, r.Clone())
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
// Anything else yields fallback.
func ParseLevel(s string, fallback slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}

// LogConfig selects where logs go.
type LogConfig struct {
	Level slog.Level
	// OTLPEndpoint is a host[:port] receiving OTLP/HTTP logs. Empty keeps
	// logging on the writer only.
	OTLPEndpoint string
	// Writer defaults to os.Stderr.
	Writer io.Writer
}

// InitLogging installs the default slog logger. Logs always go to the
// writer; the OTLP exporter is additive. The returned function flushes the
// exporter.
func InitLogging(cfg LogConfig) func() {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	textHandler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.Level})

	if cfg.OTLPEndpoint == "" {
		slog.SetDefault(slog.New(textHandler))
		return func() {}
	}

	exporter, err := otlploghttp.New(context.Background(),
		otlploghttp.WithEndpoint(cfg.OTLPEndpoint),
		otlploghttp.WithInsecure(),
	)
	if err != nil {
		slog.SetDefault(slog.New(textHandler))
		slog.Error("Failed to create OTLP log exporter, continuing with stderr only.", "error", err)
		return func() {}
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	otelHandler := otelslog.NewHandler(ServiceName, otelslog.WithLoggerProvider(provider))

	slog.SetDefault(slog.New(&multiHandler{
		handlers: []slog.Handler{textHandler, otelHandler},
	}))

	slog.Info("OTLP logging enabled.", "endpoint", cfg.OTLPEndpoint)

	return func() {
		_ = provider.Shutdown(context.Background())
	}
}
