// Package logging builds the process logger from the environment.
package logging

import (
	"io"
	"log/slog"

	"github.com/animus-labs/animus-deploy/internal/platform/env"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

type Config struct {
	Level  slog.Level
	Format string
}

func ConfigFromEnv() (Config, error) {
	format, err := env.OneOf("ANIMUS_DEPLOY_LOG_FORMAT", FormatJSON, FormatJSON, FormatText)
	if err != nil {
		return Config{}, err
	}
	levelRaw, err := env.OneOf("ANIMUS_DEPLOY_LOG_LEVEL", "info", "debug", "info", "warn", "error")
	if err != nil {
		return Config{}, err
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelRaw)); err != nil {
		return Config{}, err
	}
	return Config{Level: level, Format: format}, nil
}

// New returns a logger writing to w.
func New(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	if cfg.Format == FormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
