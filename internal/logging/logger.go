package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
	FormatBoth    = "both"
)

// New builds the process logger. json goes through a zap production core,
// console through ColorHandler on stderr, and both fans out to the two.
// The returned func flushes buffered zap output.
func New(level, format string) (*slog.Logger, func(), error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, fmt.Errorf("log level %q: %w", level, err)
	}

	switch strings.ToLower(format) {
	case FormatConsole:
		return slog.New(NewColorHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), func() {}, nil
	case FormatJSON, "":
		h, sync, err := zapHandler(lvl)
		if err != nil {
			return nil, nil, err
		}
		return slog.New(h), sync, nil
	case FormatBoth:
		h, sync, err := zapHandler(lvl)
		if err != nil {
			return nil, nil, err
		}
		return slog.New(slogmulti.Fanout(h, NewColorHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))), sync, nil
	}
	return nil, nil, fmt.Errorf("unknown log format %q", format)
}

func zapHandler(lvl slog.Level) (slog.Handler, func(), error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(lvl))
	logg, err := cfg.Build()
	if err != nil {
		return nil, nil, err
	}
	return zapslog.NewHandler(logg.Core()), func() { _ = logg.Sync() }, nil
}

func zapLevel(l slog.Level) zapcore.Level {
	switch {
	case l >= slog.LevelError:
		return zapcore.ErrorLevel
	case l >= slog.LevelWarn:
		return zapcore.WarnLevel
	case l >= slog.LevelInfo:
		return zapcore.InfoLevel
	}
	return zapcore.DebugLevel
}

// Discard is a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
