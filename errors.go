package redisserver

import (
	"errors"
	"fmt"
)

// Error types for specific failure scenarios
var (
	// ErrNotConnected indicates the replica is not connected to the master
	ErrNotConnected = errors.New("not connected to master")

	// ErrNotReplica indicates a replica-only operation was called on a master
	ErrNotReplica = errors.New("server is not a replica")

	// ErrInvalidConfig indicates invalid configuration options
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrClosed indicates the server has been closed
	ErrClosed = errors.New("server is closed")
)

// SyncError represents a synchronization error with additional context
type SyncError struct {
	Phase   string // "handshake", "rdb", "streaming"
	Err     error
	Retries int
}

// Error implements the error interface
func (e *SyncError) Error() string {
	return fmt.Sprintf("sync error in phase %s after %d retries: %v", e.Phase, e.Retries, e.Err)
}

// Unwrap returns the wrapped error
func (e *SyncError) Unwrap() error {
	return e.Err
}

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Addr string
	Err  error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error to %s: %v", e.Addr, e.Err)
}

// Unwrap returns the wrapped error
func (e *ConnectionError) Unwrap() error {
	return e.Err
}
