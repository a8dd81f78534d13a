package utils

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logMu       sync.RWMutex
	globalLog   *zap.Logger
	globalLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // console or json
	File   string // empty or "-" for stderr
}

// ParseLogLevel parses a string log level
func ParseLogLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "INFO":
		return zapcore.InfoLevel, nil
	case "WARN", "WARNING":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// SetupLogging configures the global logger
func SetupLogging(cfg LogConfig) error {
	level, err := ParseLogLevel(cfg.Level)
	if err != nil {
		return err
	}

	var zc zap.Config
	switch cfg.Format {
	case "", "console":
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
	case "json":
		zc = zap.NewProductionConfig()
	default:
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	globalLevel.SetLevel(level)
	zc.Level = globalLevel

	if cfg.File != "" && cfg.File != "-" {
		zc.OutputPaths = []string{cfg.File}
		zc.ErrorOutputPaths = []string{cfg.File}
	} else {
		zc.OutputPaths = []string{"stderr"}
	}

	logger, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	ReplaceLogger(logger)
	return nil
}

// ReplaceLogger swaps the global logger and returns a function restoring the previous one.
func ReplaceLogger(logger *zap.Logger) func() {
	logMu.Lock()
	prev := globalLog
	globalLog = logger
	logMu.Unlock()

	return func() {
		logMu.Lock()
		globalLog = prev
		logMu.Unlock()
	}
}

// L returns the global logger. Before SetupLogging it is a no-op logger.
func L() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	if globalLog == nil {
		return zap.NewNop()
	}
	return globalLog
}

// Component returns the global logger tagged with a component name.
func Component(name string) *zap.Logger {
	return L().With(zap.String("component", name))
}

// Sync flushes buffered log entries.
func Sync() error {
	return L().Sync()
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
