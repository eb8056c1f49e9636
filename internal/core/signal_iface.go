package core

import (
	"encoding/json"
	"errors"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Frame is a raw text payload (one JSON envelope).
type Frame []byte

type SessionID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Channel is the client's bidirectional event channel to the relay.
// Send must not block on the network.
type Channel interface {
	Send(event string, payload any) error
	On(event string, handler func(data json.RawMessage))
}
