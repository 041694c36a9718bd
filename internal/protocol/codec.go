package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mixlnk/beacon/internal/domain"
)

var (
	ErrMalformed    = errors.New("malformed message")
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingField = errors.New("missing required field")
)

// fields is one frame's top-level members, left undecoded until a variant
// asks for them. A member only the wrong variant would read never fails a
// frame.
type fields map[string]json.RawMessage

func parse(data []byte) (Type, fields, error) {
	var f fields
	if err := json.Unmarshal(data, &f); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	t, err := f.str("type")
	if err != nil {
		return "", nil, err
	}
	if t == "" {
		return "", nil, fmt.Errorf("%w: no type", ErrMalformed)
	}
	return Type(t), f, nil
}

// str reads an optional string member. Absent and null read as "".
func (f fields) str(key string) (string, error) {
	raw := f[key]
	if !present(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s is not a string", ErrMalformed, key)
	}
	return s, nil
}

// need reads a required non-empty string member of t.
func (f fields) need(t Type, key string) (string, error) {
	s, err := f.str(key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", missing(t, key)
	}
	return s, nil
}

// raw returns a member verbatim, or nil when absent or null.
func (f fields) raw(key string) json.RawMessage {
	if v := f[key]; present(v) {
		return v
	}
	return nil
}

func (f fields) needRaw(t Type, key string) (json.RawMessage, error) {
	v := f.raw(key)
	if v == nil {
		return nil, missing(t, key)
	}
	return v, nil
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func missing(t Type, field string) error {
	return fmt.Errorf("%w: %s.%s", ErrMissingField, t, field)
}

// Decode parses one client-to-server frame. Only the members the variant
// reads are checked.
func Decode(data []byte) (Inbound, error) {
	t, f, err := parse(data)
	if err != nil {
		return nil, err
	}

	switch t {
	case TypeRegisterStream:
		stream, err := f.need(t, "streamId")
		if err != nil {
			return nil, err
		}
		return RegisterStream{StreamID: domain.StreamID(stream)}, nil

	case TypeJoinStreamRequest:
		stream, err := f.need(t, "streamId")
		if err != nil {
			return nil, err
		}
		listener, err := f.need(t, "listenerId")
		if err != nil {
			return nil, err
		}
		return JoinStreamRequest{StreamID: domain.StreamID(stream), ListenerID: domain.ListenerID(listener)}, nil

	case TypeOffer:
		listener, err := f.need(t, "listenerId")
		if err != nil {
			return nil, err
		}
		offer, err := f.needRaw(t, "offer")
		if err != nil {
			return nil, err
		}
		return Offer{ListenerID: domain.ListenerID(listener), Offer: offer}, nil

	case TypeAnswer:
		stream, err := f.need(t, "streamId")
		if err != nil {
			return nil, err
		}
		listener, err := f.need(t, "listenerId")
		if err != nil {
			return nil, err
		}
		answer, err := f.needRaw(t, "answer")
		if err != nil {
			return nil, err
		}
		return Answer{
			StreamID:   domain.StreamID(stream),
			ListenerID: domain.ListenerID(listener),
			Answer:     answer,
		}, nil

	case TypeICECandidate:
		listener, err := f.str("listenerId")
		if err != nil {
			return nil, err
		}
		stream, err := f.str("streamId")
		if err != nil {
			return nil, err
		}
		if listener == "" && stream == "" {
			return nil, missing(t, "listenerId|streamId")
		}
		candidate, err := f.needRaw(t, "candidate")
		if err != nil {
			return nil, err
		}
		return ICECandidate{
			ListenerID: domain.ListenerID(listener),
			StreamID:   domain.StreamID(stream),
			Candidate:  candidate,
		}, nil

	case TypeEndStream:
		stream, err := f.need(t, "streamId")
		if err != nil {
			return nil, err
		}
		return EndStream{StreamID: domain.StreamID(stream)}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

// DecodeServer parses one server-to-client frame. Used by clients such as
// the signaling probe. Unreadable optional members decode as empty.
func DecodeServer(data []byte) (Message, error) {
	t, f, err := parse(data)
	if err != nil {
		return nil, err
	}
	text := func(key string) string {
		s, _ := f.str(key)
		return s
	}

	switch t {
	case TypeJoinStreamRequest:
		return JoinStreamRequest{
			StreamID:   domain.StreamID(text("streamId")),
			ListenerID: domain.ListenerID(text("listenerId")),
		}, nil
	case TypeOffer:
		return Offer{ListenerID: domain.ListenerID(text("listenerId")), Offer: f.raw("offer")}, nil
	case TypeAnswer:
		return AnswerRelay{UserID: domain.ListenerID(text("userId")), Answer: f.raw("answer")}, nil
	case TypeICECandidate:
		return CandidateRelay{
			StreamID:  domain.StreamID(text("streamId")),
			UserID:    text("userId"),
			Candidate: f.raw("candidate"),
		}, nil
	case TypeStreamEnded:
		return StreamEnded{}, nil
	case TypeError:
		return Error{Message: text("message")}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

// Encode renders any variant as a single JSON object. Raw payloads are
// written verbatim.
func Encode(m Message) ([]byte, error) {
	o := newObject(m.Type())
	switch v := m.(type) {
	case RegisterStream:
		o.str("streamId", string(v.StreamID))
	case JoinStreamRequest:
		o.str("streamId", string(v.StreamID))
		o.str("listenerId", string(v.ListenerID))
	case Offer:
		o.str("listenerId", string(v.ListenerID))
		o.raw("offer", v.Offer)
	case Answer:
		o.str("streamId", string(v.StreamID))
		o.str("listenerId", string(v.ListenerID))
		o.raw("answer", v.Answer)
	case ICECandidate:
		o.optStr("listenerId", string(v.ListenerID))
		o.optStr("streamId", string(v.StreamID))
		o.raw("candidate", v.Candidate)
	case EndStream:
		o.str("streamId", string(v.StreamID))
	case AnswerRelay:
		o.str("userId", string(v.UserID))
		o.raw("answer", v.Answer)
	case CandidateRelay:
		o.optStr("streamId", string(v.StreamID))
		o.optStr("userId", v.UserID)
		o.raw("candidate", v.Candidate)
	case StreamEnded:
	case Error:
		o.str("message", v.Message)
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrUnknownType, m)
	}
	if o.err != nil {
		return nil, o.err
	}
	return o.bytes(), nil
}

// object writes a flat JSON object in field order.
type object struct {
	buf bytes.Buffer
	err error
}

func newObject(t Type) *object {
	o := &object{}
	o.buf.WriteByte('{')
	o.str("type", string(t))
	return o
}

func (o *object) key(k string) {
	if o.buf.Len() > 1 {
		o.buf.WriteByte(',')
	}
	b, _ := json.Marshal(k)
	o.buf.Write(b)
	o.buf.WriteByte(':')
}

func (o *object) str(k, v string) {
	b, err := json.Marshal(v)
	if err != nil {
		o.err = err
		return
	}
	o.key(k)
	o.buf.Write(b)
}

func (o *object) optStr(k, v string) {
	if v != "" {
		o.str(k, v)
	}
}

func (o *object) raw(k string, v json.RawMessage) {
	if !present(v) {
		o.key(k)
		o.buf.WriteString("null")
		return
	}
	if !json.Valid(v) {
		o.err = fmt.Errorf("%w: %s is not valid JSON", ErrMalformed, k)
		return
	}
	o.key(k)
	o.buf.Write(v)
}

func (o *object) bytes() []byte {
	o.buf.WriteByte('}')
	return o.buf.Bytes()
}
