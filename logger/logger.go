package logger

import (
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
)

const (
	// LevelTrace is more verbose than slog.LevelDebug, meant for dumping
	// vote and attribute level detail.
	LevelTrace slog.Level = slog.LevelDebug - 4
	levelNone  slog.Level = math.MaxInt32
)

type LogConfiguration struct {
	Level        string `yaml:"defaultLevel"`
	Format       string `yaml:"format"`
	OutputPath   string `yaml:"outputPath"`
	TimeFormat   string `yaml:"timeFormat"`
	NodeIDFormat string `yaml:"nodeIdFormat"`
	ShowCaller   bool   `yaml:"showCaller"`
}

// New creates logger based on configuration.
func New(cfg *LogConfiguration) (*slog.Logger, error) {
	h, err := cfg.handler()
	if err != nil {
		return nil, fmt.Errorf("creating log handler: %w", err)
	}
	return slog.New(h), nil
}

func (cfg *LogConfiguration) handler() (slog.Handler, error) {
	out, err := cfg.output()
	if err != nil {
		return nil, err
	}

	ho := &slog.HandlerOptions{
		AddSource: cfg.ShowCaller,
		Level:     cfg.logLevel(),
	}

	var h slog.Handler
	switch cfg.Format {
	case "text", "":
		ho.ReplaceAttr = composeAttrFmt(
			formatTimeAttr(cfg.TimeFormat),
			formatNodeIDAttr(cfg.NodeIDFormat),
		)
		h = slog.NewTextHandler(out, ho)
	case "console":
		// tuned for humans watching the output live
		ho.ReplaceAttr = composeAttrFmt(
			formatTimeAttr(cmp.Or(cfg.TimeFormat, "15:04:05.0000")),
			formatNodeIDAttr(cmp.Or(cfg.NodeIDFormat, "short")),
		)
		h = slog.NewTextHandler(out, ho)
	case "json":
		ho.ReplaceAttr = composeAttrFmt(
			formatTimeAttr(cfg.TimeFormat),
			formatDataAttrAsJSON,
		)
		h = slog.NewJSONHandler(out, ho)
	case "ecs":
		ho.ReplaceAttr = composeAttrFmt(
			formatTimeAttr(cfg.TimeFormat),
			formatAttrECS,
		)
		h = slog.NewJSONHandler(out, ho)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return h, nil
}

func (cfg *LogConfiguration) output() (io.Writer, error) {
	switch cfg.OutputPath {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "discard", os.DevNull:
		return io.Discard, nil
	}
	file, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", cfg.OutputPath, err)
	}
	return file, nil
}

func (cfg *LogConfiguration) logLevel() slog.Level {
	if cfg.OutputPath == "discard" || cfg.OutputPath == os.DevNull {
		return levelNone
	}

	switch strings.ToLower(cfg.Level) {
	case "none":
		return levelNone
	case "trace":
		return LevelTrace
	case "warning":
		return slog.LevelWarn
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
