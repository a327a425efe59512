// Package link owns the connection to the car's onboard controller.
//
// A Manager holds at most one active session at a time. Each session is
// tagged with a generation number; callbacks arriving from a transport
// whose generation is no longer current are dropped, so a socket that was
// replaced or torn down can never mutate state after the fact.
package link

import (
	"context"
	"errors"
	"fmt"
)

// ExitNotice is sent before a graceful close so the car stops expecting
// control traffic.
const ExitNotice = "exit"

var (
	// ErrOffline is returned by Send when no session is open.
	ErrOffline = errors.New("link: offline")
	// ErrSuppressed is returned by Connect while maintenance holds the link.
	ErrSuppressed = errors.New("link: reconnection suppressed")
	// ErrSuperseded is returned by Connect when the attempt was torn down
	// before it finished.
	ErrSuperseded = errors.New("link: session superseded")
)

// Status is the lifecycle state of the current session.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusOpen
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for v := StatusIdle; v <= StatusClosed; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("link: unknown status %q", b)
}

// Handler receives transport events for one session.
type Handler interface {
	// HandleMessage is called for every inbound message.
	HandleMessage(msg []byte)
	// HandleClose is called once when the transport fails or is closed
	// by the peer.
	HandleClose(err error)
}

// Conn is an established transport. Send must be safe for concurrent use;
// implementations serialize writes.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// Dialer opens a transport and wires h to it before returning.
type Dialer interface {
	Dial(ctx context.Context, h Handler) (Conn, error)
}

// Listener observes the lifecycle of the active session. Callbacks are
// never invoked with the Manager's lock held.
type Listener interface {
	LinkOpened()
	LinkMessage(msg []byte)
	// LinkClosed reports the end of the active session. err is nil for an
	// intentional close.
	LinkClosed(err error)
}
