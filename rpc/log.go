package rpc

import "github.com/decred/slog"

var log = slog.Disabled

// UseLogger sets the package logger. Call before serving.
func UseLogger(logger slog.Logger) {
	log = logger
}
