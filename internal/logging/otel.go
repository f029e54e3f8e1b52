package logging

import (
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// WithOTelBridge tees the logger's output into an OpenTelemetry
// LoggerProvider so log records reach the OTLP collector alongside
// stdout. A nil provider returns the logger unchanged.
func WithOTelBridge(logger *zap.Logger, provider log.LoggerProvider) *zap.Logger {
	if provider == nil {
		return logger
	}

	otelCore := otelzap.NewCore("feedforward",
		otelzap.WithLoggerProvider(provider),
	)
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, otelCore)
	}))
}
