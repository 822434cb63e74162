// Package driver defines the client-protocol contract the harness uses to
// decide whether a server is serviceable and to measure the namespace count
// checked between tests. Implementations speak the server's native protocol;
// the rest of the harness only sees this interface.
package driver

import (
	"context"
	"errors"
	"fmt"
)

// Session is a persistent control connection to one server, retained from a
// successful Probe until the server is stopped.
type Session interface {
	// NamespaceCount returns the number of namespaces currently present.
	NamespaceCount(ctx context.Context) (int, error)
	Close() error
}

// Driver probes one server over its client protocol.
// Drivers must be safe to share between servers; all per-server state lives
// in the Session.
type Driver interface {
	// AdminUp reports whether the server's administrative endpoint answers.
	// It is the cheap first-stage readiness check and never returns an error.
	AdminUp(ctx context.Context, host string) bool

	// Probe runs a client-protocol round trip that creates and immediately
	// drops a throwaway namespace. The protocol port can accept connections
	// before the server finishes internal bootstrap, so only a successful
	// round trip proves the server is serviceable. On success the returned
	// Session is retained by the caller for later namespace counts.
	// Not-ready conditions are reported as TransientError.
	Probe(ctx context.Context, host string) (Session, error)
}

// TransientError marks a client-protocol failure that means "not yet
// healthy" while a server is starting: unreachable host, request timeout,
// server still bootstrapping. Callers polling for readiness retry on it;
// anywhere else it is an ordinary error.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %s", e.Op, e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether any error in err's chain is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
