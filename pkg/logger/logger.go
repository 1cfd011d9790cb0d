package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls where and how much the global logger writes.
type Options struct {
	Level           string
	File            string
	JSONFile        string
	Console         bool
	TruncateOnStart bool
}

// Global logger instance
var (
	globalLogger *zap.Logger
	mu           sync.RWMutex
)

// defaultOptions is used when GetLogger runs before Init, e.g. in tests.
var defaultOptions = Options{
	Level:   "warn",
	Console: true,
}

// Init builds the global logger from opts, replacing any earlier one.
func Init(opts Options) {
	l := newLogger(opts)
	mu.Lock()
	prev := globalLogger
	globalLogger = l
	mu.Unlock()
	if prev != nil {
		_ = prev.Sync()
	}
}

// GetLogger returns the global logger
func GetLogger() *zap.Logger {
	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if globalLogger == nil {
		globalLogger = newLogger(defaultOptions)
	}
	return globalLogger
}

// Sync flushes buffered entries
func Sync() {
	_ = GetLogger().Sync()
}

func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, fields...)
}

func newLogger(opts Options) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("02.01.2006 - 15:04:05.000000000Z07:00")
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	colorConfig := encoderConfig
	colorConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	level := zapcore.InfoLevel
	if err := level.Set(opts.Level); err != nil {
		level = zapcore.InfoLevel
	}

	var cores []zapcore.Core
	if opts.Console {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(colorConfig), zapcore.AddSync(os.Stderr), level))
	}
	if w := openLogFile(opts.File, opts.TruncateOnStart); w != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), w, level))
	}
	// the terminal UI tails this file
	if w := openLogFile(opts.JSONFile, opts.TruncateOnStart); w != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), w, level))
	}
	if len(cores) == 0 {
		return zap.NewNop()
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
}

func openLogFile(path string, truncate bool) zapcore.WriteSyncer {
	if path == "" {
		return nil
	}
	flags := os.O_APPEND | os.O_CREATE | os.O_WRONLY
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil
	}
	return zapcore.AddSync(f)
}
