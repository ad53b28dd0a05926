package main

import (
	"log/slog"
	"os"

	"github.com/c360/extmesh/logging"
)

func setupLogger(level, format string) *slog.Logger {
	return logging.Setup(level, format).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
}
