package paymaster

import "github.com/decred/slog"

// log is the package logger. It is disabled until the host application
// injects a backend; the engine never writes to stderr on its own.
var log = slog.Disabled

// UseLogger sets the package logger. Call before constructing an Engine.
func UseLogger(logger slog.Logger) {
	log = logger
}
