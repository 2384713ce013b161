package transport

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by sends after Close.
var ErrClosed = errors.New("transport: sockets closed")

// Socket names one of the two NatNet sockets.
type Socket string

const (
	SocketCommand Socket = "command"
	SocketData    Socket = "data"
)

// ErrorKind classifies connect-time failures.
type ErrorKind string

const (
	KindBind    ErrorKind = "bind"
	KindResolve ErrorKind = "resolve"
	KindJoin    ErrorKind = "join"
	KindTimeout ErrorKind = "timeout"
)

// Error is a socket setup failure returned by Open. Nothing is retried; the
// caller decides whether to try again with other settings.
type Error struct {
	Op     ErrorKind
	Socket Socket
	Err    error
}

func (e *Error) Error() string {
	if e.Socket == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s socket: %v", e.Op, e.Socket, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SocketError is a receive failure that was neither a timeout nor part of
// shutdown. Fatal means the loop has exited.
type SocketError struct {
	Socket Socket
	Err    error
	Fatal  bool
}

func (e *SocketError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("%s socket receive loop terminated: %v", e.Socket, e.Err)
	}
	return fmt.Sprintf("%s socket receive: %v", e.Socket, e.Err)
}

func (e *SocketError) Unwrap() error {
	return e.Err
}
