// Package remote manages long-lived remote-shell sessions: connect, command
// execution, inference relayed through the far side, and idle expiry.
package remote

import (
	"context"
	"errors"
	"time"
)

// Error kinds reported by the session manager. Callers match with errors.Is.
var (
	ErrValidation = errors.New("remote: invalid request")
	ErrNotFound   = errors.New("remote: session not found or expired")
	ErrAuth       = errors.New("remote: authentication failed")
	ErrConnect    = errors.New("remote: connection failed")
	ErrExec       = errors.New("remote: command failed")
	ErrNoBackend  = errors.New("remote: no inference backend on remote")
)

// Target identifies the remote host and credentials for one connection.
type Target struct {
	Host     string
	User     string
	Password string
	Port     int
}

// ExecResult is the captured outcome of one remote command. A non-zero exit
// code is a result, not an error.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Conn is an open remote-shell transport. Run may be called sequentially
// for the life of the connection.
type Conn interface {
	Run(ctx context.Context, cmd string, stdin []byte) (ExecResult, error)
	Close() error
}

// Dialer opens remote-shell transports. Implementations must return errors
// wrapping ErrAuth for rejected credentials and ErrConnect otherwise.
type Dialer interface {
	Dial(ctx context.Context, t Target, timeout time.Duration) (Conn, error)
}

// Info is a read-only snapshot of one session.
type Info struct {
	ID           string    `json:"session_id"`
	Host         string    `json:"host"`
	User         string    `json:"user"`
	Port         int       `json:"port"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"last_activity"`
}

// Node returns the user@host label of the session.
func (i Info) Node() string { return i.User + "@" + i.Host }
