// Package agent owns the child agent process: argv construction, the stdin
// writer, the stdout line reader, and exit tracking. Callers see a
// line-oriented handle; the pipes themselves never leave this package.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
)

// Spawn failure modes.
var (
	ErrBinaryMissing      = errors.New("agent binary not found")
	ErrSpawnFailed        = errors.New("agent process failed to start")
	ErrEarlyExit          = errors.New("agent exited before completing handshake")
	ErrStartupTimeout     = errors.New("timed out waiting for agent handshake")
	ErrHandshakeMalformed = errors.New("agent handshake missing session id")
	ErrBadPayload         = errors.New("payload is not valid JSON")
	ErrExited             = errors.New("agent process has exited")
)

// Process is a running agent child. Write enqueues one JSON value for stdin;
// Read yields stdout lines in emission order. Read has a single consumer.
type Process interface {
	Write(payload []byte) error
	Read() (json.RawMessage, bool)
	Wait() error
	Done() <-chan struct{}
	Signal(sig os.Signal) error
	Kill()
	PID() int
}

// Spec describes one child to spawn.
type Spec struct {
	// SessionID is passed as --session-id, or as --resume when Resume is set.
	SessionID string
	// WorkingDir is the child's cwd. Must exist.
	WorkingDir string
	// Resume selects the resume handshake: the effective session id is read
	// from the child's early stdout instead of taken from SessionID.
	Resume bool
	// FirstPayload is enqueued for stdin before Spawn returns.
	FirstPayload json.RawMessage
}

// Launcher spawns agent processes. The session manager depends on this
// interface so tests can substitute an in-memory agent.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, string, error)
}
