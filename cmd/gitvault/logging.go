package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

const logLevelEnvKey = "GITVAULT_LOG_LEVEL"

func configureLogger(flagLevel string) error {
	raw := strings.TrimSpace(flagLevel)
	if raw == "" {
		raw = strings.TrimSpace(os.Getenv(logLevelEnvKey))
	}

	level := slog.LevelInfo
	if raw != "" {
		if strings.EqualFold(raw, "warning") {
			raw = "warn"
		}
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			return fmt.Errorf("invalid log level %q", raw)
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}
