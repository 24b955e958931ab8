package galil

import (
	"errors"
	"fmt"
)

var (
	ErrClosed     = errors.New("link closed")
	ErrTimeout    = errors.New("timed out waiting for reply")
	ErrRejected   = errors.New("command rejected")
	ErrEmptyReply = errors.New("empty reply")
	ErrAxis       = errors.New("invalid axis")
)

// ConnectionError is a transport failure. It is never retried.
type ConnectionError struct {
	Addr string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("galil %s: %s: %v", e.Addr, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError is a rejected, empty or malformed controller reply.
type ProtocolError struct {
	Command string
	Reply   string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("galil: %s: reply %q: %v", e.Command, e.Reply, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
