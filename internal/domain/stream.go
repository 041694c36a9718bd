// Package domain contains entity without logic, just meta-data
package domain

type (
	// StreamID names one live broadcast. Chosen by the broadcaster.
	StreamID string
	// ListenerID names one listener negotiation. Chosen by the listener.
	ListenerID string
)

// StreamInfo is a read-only view of a registered stream.
type StreamInfo struct {
	ID        StreamID `json:"id"`
	Owner     string   `json:"owner"`
	Listeners int      `json:"listeners"`
}
