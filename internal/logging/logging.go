// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/die-net/paproxy/internal/config"
)

// New builds a zap.Logger from c, installs it as the global logger and
// redirects the standard library log package into it. The returned func
// syncs the logger and closes any files it opened.
func New(c config.LogConfig) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(normalizeLevel(c.Level))
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if strings.EqualFold(c.Format, "json") {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var (
		cores   []zapcore.Core
		closers []io.Closer
	)
	for _, out := range c.Outputs {
		ws, closer, err := open(out, c.Rotation)
		if err != nil {
			for _, cl := range closers {
				_ = cl.Close()
			}
			return nil, nil, err
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
	restoreGlobals := zap.ReplaceGlobals(logger)
	restoreStdLog, err := zap.RedirectStdLogAt(logger, zap.WarnLevel)
	if err != nil {
		restoreGlobals()
		return nil, nil, fmt.Errorf("redirect std log: %w", err)
	}

	cleanup := func() {
		_ = logger.Sync()
		restoreStdLog()
		restoreGlobals()
		for _, cl := range closers {
			_ = cl.Close()
		}
	}
	return logger, cleanup, nil
}

func normalizeLevel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return "info"
	case "warning":
		return "warn"
	}
	return s
}

func open(out string, rot config.RotationConfig) (zapcore.WriteSyncer, io.Closer, error) {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil, nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil, nil
	}

	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("log output %s: %w", out, err)
		}
	}
	if rot.Enable {
		lj := &lumberjack.Logger{
			Filename:   out,
			MaxSize:    max(rot.MaxSizeMB, 1),
			MaxBackups: rot.MaxBackups,
			MaxAge:     rot.MaxAgeDays,
			Compress:   rot.Compress,
		}
		return zapcore.AddSync(lj), lj, nil
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("log output %s: %w", out, err)
	}
	return zapcore.Lock(f), f, nil
}
