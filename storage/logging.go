package storage

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger writing at level ("debug", "info", "warn", "error").
// format is "json" (default) or "console"; output is "stderr" (default), "stdout" or a file path.
// The returned close function syncs the logger and releases a file sink; it must be
// called once the logger is no longer used.
func NewLogger(level, format, output string) (*zap.Logger, func() error, error) {
	lvl, err := zapLevel(level)
	if err != nil {
		return nil, nil, err
	}

	sink, closeSink, err := logSink(output)
	if err != nil {
		return nil, nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(format, "console") {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(lvl))
	logger := zap.New(core, zap.AddCaller()).With(zap.String("component", "pagecache"))

	closeLogger := func() error {
		// Sync on a terminal returns EINVAL or ENOTTY; only the file close matters
		_ = logger.Sync()
		return closeSink()
	}
	return logger, closeLogger, nil
}

// zapLevel accepts the levels a page cache logs at
func zapLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return zapcore.ParseLevel(strings.ToLower(level))
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", level)
	}
}

func logSink(output string) (zapcore.WriteSyncer, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(output) {
	case "", "stderr":
		return zapcore.Lock(os.Stderr), noop, nil
	case "stdout":
		return zapcore.Lock(os.Stdout), noop, nil
	default:
		file, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", output, err)
		}
		var once sync.Once
		var closeErr error
		closeFile := func() error {
			once.Do(func() { closeErr = file.Close() })
			return closeErr
		}
		return zapcore.Lock(file), closeFile, nil
	}
}
