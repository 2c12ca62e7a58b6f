package slog

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	initOnce sync.Once
	logger   *zap.SugaredLogger
)

// Init configures the process-wide logger. Safe to call more than once;
// only the first call takes effect.
func Init() {
	InitWithFile("")
}

// InitWithFile configures the process-wide logger with an optional rotating
// file sink alongside stderr.
func InitWithFile(logFile string) {
	initOnce.Do(func() {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder := zapcore.NewConsoleEncoder(encoderConfig)

		level := zapcore.InfoLevel
		if os.Getenv("SVM_MONITOR_DEBUG") != "" {
			level = zapcore.DebugLevel
		}

		cores := []zapcore.Core{
			zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
		}
		if logFile != "" {
			rotated := &lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    100, // megabytes
				MaxBackups: 5,
				MaxAge:     14, // days
			}
			cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotated), level))
		}
		logger = zap.New(zapcore.NewTee(cores...)).Sugar()
	})
}

// Get returns the process-wide sugared logger, initializing it with defaults
// if Init was never called.
func Get() *zap.SugaredLogger {
	if logger == nil {
		Init()
	}
	return logger
}
