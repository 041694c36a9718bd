// Package protocol defines the signaling wire format: one JSON object per
// WebSocket text frame, tagged by its "type" field, with the event payload
// fields flattened next to it.
//
// Session descriptions and ICE candidates are carried as json.RawMessage and
// are never re-encoded, so a relayed payload is byte-identical to the one the
// sender submitted.
package protocol

import (
	"encoding/json"

	"github.com/mixlnk/beacon/internal/domain"
)

type Type string

const (
	TypeRegisterStream    Type = "register-stream"
	TypeJoinStreamRequest Type = "join-stream-request"
	TypeOffer             Type = "offer"
	TypeAnswer            Type = "answer"
	TypeICECandidate      Type = "ice-candidate"
	TypeEndStream         Type = "end-stream"
	TypeStreamEnded       Type = "stream-ended"
	TypeError             Type = "error"
)

// ErrStreamNotFound is the message sent back to a listener whose join
// request names a stream nobody broadcasts.
const ErrStreamNotFound = "Stream not found"

// Message is implemented by every variant in both directions.
type Message interface {
	Type() Type
}

// Inbound is a client-to-server variant.
type Inbound interface {
	Message
	inbound()
}

// RegisterStream claims a stream id for the sending connection.
type RegisterStream struct {
	StreamID domain.StreamID
}

// JoinStreamRequest flows listener -> server -> owner with the same shape.
type JoinStreamRequest struct {
	StreamID   domain.StreamID
	ListenerID domain.ListenerID
}

// Offer flows owner -> server -> listener with the same shape.
type Offer struct {
	ListenerID domain.ListenerID
	Offer      json.RawMessage
}

// Answer is submitted by a listener.
type Answer struct {
	StreamID   domain.StreamID
	ListenerID domain.ListenerID
	Answer     json.RawMessage
}

// ICECandidate is submitted by either side. A non-empty ListenerID addresses
// the listener; otherwise StreamID addresses the stream owner.
type ICECandidate struct {
	ListenerID domain.ListenerID
	StreamID   domain.StreamID
	Candidate  json.RawMessage
}

// ToListener reports whether the candidate travels owner -> listener.
func (m ICECandidate) ToListener() bool { return m.ListenerID != "" }

// EndStream stops a broadcast. Only honoured from the current owner.
type EndStream struct {
	StreamID domain.StreamID
}

// AnswerRelay is the answer as delivered to the stream owner.
type AnswerRelay struct {
	UserID domain.ListenerID
	Answer json.RawMessage
}

// CandidateRelay is an ICE candidate as delivered to its target. StreamID is
// set on the way to a listener, UserID on the way to an owner.
type CandidateRelay struct {
	StreamID  domain.StreamID
	UserID    string
	Candidate json.RawMessage
}

// StreamEnded tells every member of a stream group the broadcast is over.
type StreamEnded struct{}

// Error is the only negative acknowledgement the server emits.
type Error struct {
	Message string
}

func (RegisterStream) Type() Type    { return TypeRegisterStream }
func (JoinStreamRequest) Type() Type { return TypeJoinStreamRequest }
func (Offer) Type() Type             { return TypeOffer }
func (Answer) Type() Type            { return TypeAnswer }
func (ICECandidate) Type() Type      { return TypeICECandidate }
func (EndStream) Type() Type         { return TypeEndStream }
func (AnswerRelay) Type() Type       { return TypeAnswer }
func (CandidateRelay) Type() Type    { return TypeICECandidate }
func (StreamEnded) Type() Type       { return TypeStreamEnded }
func (Error) Type() Type             { return TypeError }

func (RegisterStream) inbound()    {}
func (JoinStreamRequest) inbound() {}
func (Offer) inbound()             {}
func (Answer) inbound()            {}
func (ICECandidate) inbound()      {}
func (EndStream) inbound()         {}
