package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap/zapcore"
)

// NewMultiCore creates a zapcore.Core that tees console output with a rotated
// JSON file. Console output goes to stderr so command output on stdout stays clean.
//
// The file core is omitted when cfg.FilePath is empty.
func NewMultiCore(cfg Config) (zapcore.Core, error) {
	consoleWriter := zapcore.Lock(zapcore.AddSync(os.Stderr))

	if cfg.FilePath == "" {
		return newConsoleCore(cfg.Level, consoleWriter, cfg.Development), nil
	}

	// lumberjack creates the file lazily; fail early on an unusable directory.
	dir := filepath.Dir(cfg.FilePath)
	if info, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("log directory %s: %w", dir, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("log directory %s is not a directory", dir)
	}

	fileWriter := NewFileWriterWithConfig(cfg.FilePath, cfg.File)
	return NewMultiCoreWithWriters(cfg.Level, consoleWriter, fileWriter, cfg.Development), nil
}

// NewMultiCoreWithWriters tees a console core and a JSON file core over the
// provided writers. Useful in tests with in-memory buffers.
//
// Example:
//
//	var console, file bytes.Buffer
//	core := NewMultiCoreWithWriters(zapcore.DebugLevel, zapcore.AddSync(&console), zapcore.AddSync(&file), true)
func NewMultiCoreWithWriters(level zapcore.Level, consoleWriter, fileWriter zapcore.WriteSyncer, isDev bool) zapcore.Core {
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(NewEncoderConfig()),
		fileWriter,
		level,
	)

	return zapcore.NewTee(newConsoleCore(level, consoleWriter, isDev), fileCore)
}

func newConsoleCore(level zapcore.Level, w zapcore.WriteSyncer, isDev bool) zapcore.Core {
	var encoder zapcore.Encoder
	if isDev {
		encoder = zapcore.NewConsoleEncoder(NewConsoleEncoderConfig())
	} else {
		encoder = zapcore.NewJSONEncoder(NewEncoderConfig())
	}
	return zapcore.NewCore(encoder, w, level)
}
