package core

//go:generate mockgen -destination=mocks/mock_conn.go -package=mocks github.com/dkeye/roomrelay/internal/core Conn

import (
	"context"
	"errors"
)

// Frame is one encoded message as it travels over the transport.
type Frame []byte

// ConnID identifies one live transport session. It is assigned by the
// adapter on accept and never reused.
type ConnID string

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrBackpressure = errors.New("backpressure")
)

// Conn is what the registry stores and fans out to.
// Owned by the adapter; the adapter must Close() it.
type Conn interface {
	ID() ConnID
	// TrySend must not block. Any error means the connection is dead.
	TrySend(Frame) error
	Close()
}

// Transport is the session-facing side of a connection.
type Transport interface {
	Conn
	// Receive blocks until the next message arrives or the connection fails.
	Receive(ctx context.Context) (Frame, error)
}
