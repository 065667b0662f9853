// Package main is the entry point for the API publisher.
package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stacklok/api-publisher/cmd/api-publisher/app"
	"github.com/stacklok/api-publisher/internal/config"
)

// logLevel reads API_PUBLISHER_LOG_LEVEL, then LOG_LEVEL. Unset or unparsable values
// mean info; "warning" is accepted for warn.
func logLevel() slog.Level {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()

	value := v.GetString("log_level")
	if value == "" {
		value = os.Getenv("LOG_LEVEL")
	}
	if value == "" {
		return slog.LevelInfo
	}
	if strings.EqualFold(value, "warning") {
		value = "warn"
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		slog.Warn("Ignoring invalid log level", "value", value)
		return slog.LevelInfo
	}
	return level
}

// spanContextHandler adds the trace and span IDs of the active span to each record
type spanContextHandler struct {
	slog.Handler
}

func (h spanContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h spanContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return spanContextHandler{h.Handler.WithAttrs(attrs)}
}

func (h spanContextHandler) WithGroup(name string) slog.Handler {
	return spanContextHandler{h.Handler.WithGroup(name)}
}

// newLogger builds the JSON logger on stderr; stdout is left to command output such as
// the what-if report and version --format json
func newLogger(level zap.AtomicLevel) (*slog.Logger, func()) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = level
	zapConfig.OutputPaths = []string{"stderr"}
	zapConfig.EncoderConfig.TimeKey = "time"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zapLogger, err := zapConfig.Build()
	if err != nil {
		zapLogger = zap.NewNop()
	}

	handler := spanContextHandler{logr.ToSlogHandler(zapr.NewLogger(zapLogger))}
	return slog.New(handler), func() { _ = zapLogger.Sync() }
}

func main() {
	level := zap.NewAtomicLevelAt(app.ZapLevel(logLevel()))
	logger, flush := newLogger(level)
	slog.SetDefault(logger)

	err := app.NewRootCmd(app.WithLogLevel(level)).Execute()
	flush()
	if err != nil {
		os.Exit(1)
	}
}
