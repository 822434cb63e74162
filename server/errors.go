package server

import "fmt"

// ConfigError means the server executable cannot be run at all. It is
// raised at install time and never deferred.
type ConfigError struct {
	Exe string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s is not executable", e.Exe)
}

// ExitError means the server process died before it became healthy. The
// last log line and the log path are embedded so CI failures can be
// diagnosed from the error alone.
type ExitError struct {
	Host        string
	LogPath     string
	LastLogLine string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("failed to start server at host %s: process exited: %q, check server log at %s",
		e.Host, e.LastLogLine, e.LogPath)
}

// StartTimeoutError means the readiness probes never both succeeded within
// the start budget.
type StartTimeoutError struct {
	Host    string
	LogPath string
}

func (e *StartTimeoutError) Error() string {
	return fmt.Sprintf("failed to start server %s, check server log at %s", e.Host, e.LogPath)
}
