package session

import (
	"errors"
	"fmt"
)

// Kind classifies a terminal session failure
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindConnect
	KindSubscribe
	KindTransport
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFoundError"
	case KindConnect:
		return "ConnectError"
	case KindSubscribe:
		return "SubscribeError"
	case KindTransport:
		return "TransportError"
	case KindIO:
		return "IOError"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the terminal failure of a session
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels below, so errors.Is(err, ErrIO) works for
// any IO failure regardless of its cause
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok || t.Err != nil {
		return false
	}
	return e.Kind == t.Kind
}

// Kind sentinels
var (
	ErrNotFound  = &Error{Kind: KindNotFound}
	ErrConnect   = &Error{Kind: KindConnect}
	ErrSubscribe = &Error{Kind: KindSubscribe}
	ErrTransport = &Error{Kind: KindTransport}
	ErrIO        = &Error{Kind: KindIO}
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrLinkLost       = errors.New("peripheral disconnected unexpectedly")
)
