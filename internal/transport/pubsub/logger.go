package pubsub

import (
	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

type zapLoggerAdapter struct {
	log    *zap.Logger
	fields watermill.LogFields
}

// NewLogger adapts a zap logger to watermill.LoggerAdapter
func NewLogger(log *zap.Logger) watermill.LoggerAdapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &zapLoggerAdapter{
		log:    log,
		fields: make(watermill.LogFields),
	}
}

func (l *zapLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	merged := make(watermill.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &zapLoggerAdapter{
		log:    l.log,
		fields: merged,
	}
}

// mergeFields lets call-specific fields override base fields with the same key
func (l *zapLoggerAdapter) mergeFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(l.fields)+len(fields))
	for k, v := range l.fields {
		if _, overridden := fields[k]; overridden {
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (l *zapLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	zf := l.mergeFields(fields)
	if err != nil {
		zf = append(zf, zap.Error(err))
	}
	l.log.Error(msg, zf...)
}

func (l *zapLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	l.log.Info(msg, l.mergeFields(fields)...)
}

func (l *zapLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	l.log.Debug(msg, l.mergeFields(fields)...)
}

func (l *zapLoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	l.Debug(msg, fields)
}
