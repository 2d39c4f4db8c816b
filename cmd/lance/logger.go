package main

import (
	"log/slog"
	"os"

	"github.com/nitecon/go-lance/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "lance")
	logging.Set(l)
	return l
}
