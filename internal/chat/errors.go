package chat

import (
	"errors"
	"fmt"

	"dashtracer-chat/internal/domain"
)

// ErrNotConnected matches any *NotConnectedError via errors.Is.
var ErrNotConnected = errors.New("chat: not connected")

// NotConnectedError is returned by Send when the connection is not open.
type NotConnectedError struct {
	State domain.ConnState
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("chat: not connected (state %s)", e.State)
}

func (e *NotConnectedError) Is(target error) bool { return target == ErrNotConnected }

// TransportError wraps a failure of the underlying socket.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chat: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedMessageError reports an inbound frame that could not be used.
// The frame is dropped.
type MalformedMessageError struct {
	Raw []byte
	Err error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("chat: malformed frame: %v", e.Err)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// RemoteError carries an error frame sent by the relay.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "chat: remote error: " + e.Message }
