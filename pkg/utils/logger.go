package utils

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

type Logger struct {
	level LogLevel
	sugar *zap.SugaredLogger
}

var defaultLogger *Logger

func init() {
	defaultLogger = NewLogger("info")
}

func parseLevel(levelStr string) (LogLevel, zapcore.Level) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return DEBUG, zapcore.DebugLevel
	case "warn":
		return WARN, zapcore.WarnLevel
	case "error":
		return ERROR, zapcore.ErrorLevel
	default:
		return INFO, zapcore.InfoLevel
	}
}

func NewLogger(levelStr string) *Logger {
	level, zl := parseLevel(levelStr)

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}

	return &Logger{
		level: level,
		sugar: z.Sugar(),
	}
}

// NewNopLogger логгер без вывода, для тестов
func NewNopLogger() *Logger {
	return &Logger{level: ERROR, sugar: zap.NewNop().Sugar()}
}

// With возвращает логгер с постоянными полями
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{level: l.level, sugar: l.sugar.With(keysAndValues...)}
}

func (l *Logger) Debug(format string, v ...interface{}) {
	if l.level <= DEBUG {
		l.sugar.Debugf(format, v...)
	}
}

func (l *Logger) Info(format string, v ...interface{}) {
	if l.level <= INFO {
		l.sugar.Infof(format, v...)
	}
}

func (l *Logger) Warn(format string, v ...interface{}) {
	if l.level <= WARN {
		l.sugar.Warnf(format, v...)
	}
}

func (l *Logger) Error(format string, v ...interface{}) {
	if l.level <= ERROR {
		l.sugar.Errorf(format, v...)
	}
}

// Sync сбрасывает буферы zap
func (l *Logger) Sync() {
	_ = l.sugar.Sync()
}

// SetDefault заменяет глобальный логгер
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// Global logging functions
func LogDebug(msg string) {
	defaultLogger.Debug("%s", msg)
}

func LogInfo(msg string) {
	defaultLogger.Info("%s", msg)
}

func LogWarn(msg string) {
	defaultLogger.Warn("%s", msg)
}

func LogError(msg string) {
	defaultLogger.Error("%s", msg)
}
