package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

// Interface is the logging surface the rest of the tool depends on. Both
// Logger and NoOpLogger satisfy it.
type Interface interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

type Logger struct {
	*zap.Logger
	settings  *config.LoggingSettings
	sanitizer *FieldSanitizer
}

type FieldSanitizer struct {
	sensitiveFields map[string]bool
}

func NewLogger(settings *config.LoggingSettings) (*Logger, error) {
	if settings == nil {
		return nil, fmt.Errorf("logging settings is nil")
	}

	level, err := parseLogLevel(settings.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoder, err := createEncoder(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	cores := make([]zapcore.Core, 0, len(settings.Output))

	for _, output := range settings.Output {
		var writer zapcore.WriteSyncer

		switch output {
		case "stdout":
			writer = zapcore.AddSync(os.Stdout)
		case "stderr":
			writer = zapcore.AddSync(os.Stderr)
		case "file":
			if settings.FilePath == "" {
				return nil, fmt.Errorf("file_path is required when using file output")
			}

			if err := os.MkdirAll(filepath.Dir(settings.FilePath), 0755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}

			fileWriter := &lumberjack.Logger{
				Filename:   settings.FilePath,
				MaxSize:    settings.MaxSize,
				MaxBackups: settings.MaxBackups,
				MaxAge:     settings.MaxAge,
				Compress:   settings.Compress,
			}
			writer = zapcore.AddSync(fileWriter)
		default:
			return nil, fmt.Errorf("unsupported output type: %s", output)
		}

		core := zapcore.NewCore(encoder, writer, level)
		cores = append(cores, core)
	}

	combinedCore := zapcore.NewTee(cores...)

	zapLogger := zap.New(combinedCore, zap.AddCaller(), zap.AddCallerSkip(1))

	sanitizer := NewFieldSanitizer(settings.SanitizeFields)

	logger := &Logger{
		Logger:    zapLogger,
		settings:  settings,
		sanitizer: sanitizer,
	}

	return logger, nil
}

// SafeLog routes every message through the sanitizer so a token passed as a
// field value never reaches an output.
func (l *Logger) SafeLog(level zapcore.Level, msg string, fields ...zap.Field) {
	sanitizedFields := l.sanitizer.SanitizeFields(fields)
	if ce := l.Logger.Check(level, msg); ce != nil {
		ce.Write(sanitizedFields...)
	}
}

func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.SafeLog(zapcore.DebugLevel, msg, interfacesToZapFields(fields...)...)
}

func (l *Logger) Info(msg string, fields ...interface{}) {
	l.SafeLog(zapcore.InfoLevel, msg, interfacesToZapFields(fields...)...)
}

func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.SafeLog(zapcore.WarnLevel, msg, interfacesToZapFields(fields...)...)
}

func (l *Logger) Error(msg string, fields ...interface{}) {
	l.SafeLog(zapcore.ErrorLevel, msg, interfacesToZapFields(fields...)...)
}

func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	sanitizedFields := l.sanitizer.SanitizeFields(fields)
	newLogger := l.Logger.With(sanitizedFields...)
	return &Logger{
		Logger:    newLogger,
		settings:  l.settings,
		sanitizer: l.sanitizer,
	}
}

func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields(zap.Error(err))
}

func (l *Logger) WithOperation(operation string) *Logger {
	return l.WithFields(zap.String("operation", operation))
}

func (l *Logger) WithRunID(runID string) *Logger {
	return l.WithFields(zap.String("run_id", runID))
}

func NewFieldSanitizer(sensitiveFields []string) *FieldSanitizer {
	fieldMap := make(map[string]bool)
	for _, field := range sensitiveFields {
		fieldMap[strings.ToLower(field)] = true
	}

	return &FieldSanitizer{
		sensitiveFields: fieldMap,
	}
}

func (fs *FieldSanitizer) SanitizeFields(fields []zap.Field) []zap.Field {
	if len(fs.sensitiveFields) == 0 {
		return fields
	}

	sanitized := make([]zap.Field, len(fields))

	for i, field := range fields {
		if fs.isSensitiveField(field.Key) {
			sanitized[i] = zap.String(field.Key, "***REDACTED***")
		} else {
			sanitized[i] = field
		}
	}

	return sanitized
}

func (fs *FieldSanitizer) isSensitiveField(fieldName string) bool {
	lowerFieldName := strings.ToLower(fieldName)

	if fs.sensitiveFields[lowerFieldName] {
		return true
	}

	for sensitiveField := range fs.sensitiveFields {
		if strings.Contains(lowerFieldName, sensitiveField) {
			return true
		}
	}

	return false
}

func parseLogLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

func createEncoder(settings *config.LoggingSettings) (zapcore.Encoder, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch strings.ToLower(settings.Format) {
	case "json":
		return zapcore.NewJSONEncoder(encoderConfig), nil
	case "console":
		return zapcore.NewConsoleEncoder(encoderConfig), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", settings.Format)
	}
}

func interfacesToZapFields(fields ...interface{}) []zap.Field {
	if len(fields)%2 != 0 {
		return []zap.Field{zap.String("error", "odd number of fields provided")}
	}

	zapFields := make([]zap.Field, 0, len(fields)/2)

	for i := 0; i < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			zapFields = append(zapFields, zap.String("error", fmt.Sprintf("non-string key at index %d", i)))
			continue
		}

		value := fields[i+1]
		zapFields = append(zapFields, zap.Any(key, value))
	}

	return zapFields
}

type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, fields ...interface{}) {}
func (l *NoOpLogger) Info(msg string, fields ...interface{})  {}
func (l *NoOpLogger) Warn(msg string, fields ...interface{})  {}
func (l *NoOpLogger) Error(msg string, fields ...interface{}) {}

func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}
