package core

import "errors"

// Frame is one encoded signaling message.
type Frame []byte

// ConnID identifies one transport connection. Assigned by the lifecycle
// manager on open and never reused.
type ConnID string

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// SignalConnection abstracts for a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
// TrySend never blocks: a full queue yields ErrBackpressure and a closed
// connection yields ErrConnClosed, and the frame is dropped either way.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
