// Package transport is the duplex byte-message channel between a client and
// the relay. The realtime manager only sees the Socket and Dialer interfaces.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a socket that has been closed.
var ErrClosed = errors.New("transport: socket closed")

// Socket is one established connection. ReadMessage is called from a single
// goroutine; WriteMessage and Close are safe for concurrent use.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(b []byte) error
	Close() error
}

// Dialer opens a Socket authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Socket, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, token string) (Socket, error)

func (f DialerFunc) Dial(ctx context.Context, token string) (Socket, error) { return f(ctx, token) }

// AuthError reports a rejected handshake. It is never retried.
type AuthError struct {
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: auth rejected (%d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transport: auth rejected (%d)", e.Status)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err (or anything it wraps) is an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
