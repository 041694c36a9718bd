package app

import (
	"github.com/mixlnk/beacon/internal/core"
	"github.com/mixlnk/beacon/internal/domain"
	"github.com/mixlnk/beacon/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Router turns each inbound signaling message into zero or more relays.
// Unaddressable messages are dropped; only a join for an unknown stream is
// answered with an error.
type Router struct {
	Registry *Registry
	Out      *Outbox
}

func NewRouter(reg *Registry, out *Outbox) *Router {
	return &Router{Registry: reg, Out: out}
}

func (r *Router) Handle(from core.ConnID, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.RegisterStream:
		r.registerStream(from, m)
	case protocol.JoinStreamRequest:
		r.joinStream(from, m)
	case protocol.Offer:
		r.offer(from, m)
	case protocol.Answer:
		r.answer(from, m)
	case protocol.ICECandidate:
		r.candidate(from, m)
	case protocol.EndStream:
		r.endStream(from, m)
	default:
		log.Warn().Str("module", "app.router").Str("conn", string(from)).Msgf("unhandled message %T", msg)
	}
}

func (r *Router) registerStream(from core.ConnID, m protocol.RegisterStream) {
	if prev, replaced := r.Registry.RegisterSession(m.StreamID, from); replaced {
		// The previous owner is not told; it keeps its group membership.
		log.Warn().
			Str("module", "app.router").
			Str("stream", string(m.StreamID)).
			Str("conn", string(from)).
			Str("previous_owner", string(prev)).
			Msg("stream ownership overwritten")
	}
}

func (r *Router) joinStream(from core.ConnID, m protocol.JoinStreamRequest) {
	owner, ok := r.Registry.JoinSession(m.StreamID, m.ListenerID, from)
	if !ok {
		log.Info().Str("module", "app.router").Str("stream", string(m.StreamID)).Str("conn", string(from)).Msg("join for unknown stream")
		r.reply(from, protocol.Error{Message: protocol.ErrStreamNotFound})
		return
	}
	r.Out.Deliver(owner, protocol.JoinStreamRequest{StreamID: m.StreamID, ListenerID: m.ListenerID})
}

func (r *Router) offer(from core.ConnID, m protocol.Offer) {
	target, ok := r.listenerPeer(m.ListenerID)
	if !ok {
		r.dropped(from, m.Type(), "unknown listener")
		return
	}
	r.Out.Deliver(target, protocol.Offer{ListenerID: m.ListenerID, Offer: m.Offer})
}

func (r *Router) answer(from core.ConnID, m protocol.Answer) {
	target, ok := r.ownerPeer(m.StreamID)
	if !ok {
		r.dropped(from, m.Type(), "unknown stream")
		return
	}
	r.Out.Deliver(target, protocol.AnswerRelay{UserID: m.ListenerID, Answer: m.Answer})
}

func (r *Router) candidate(from core.ConnID, m protocol.ICECandidate) {
	if m.ToListener() {
		target, ok := r.listenerPeer(m.ListenerID)
		if !ok {
			r.dropped(from, m.Type(), "unknown listener")
			return
		}
		r.Out.Deliver(target, protocol.CandidateRelay{StreamID: m.StreamID, Candidate: m.Candidate})
		return
	}
	target, ok := r.ownerPeer(m.StreamID)
	if !ok {
		r.dropped(from, m.Type(), "unknown stream")
		return
	}
	r.Out.Deliver(target, protocol.CandidateRelay{UserID: string(from), Candidate: m.Candidate})
}

func (r *Router) endStream(from core.ConnID, m protocol.EndStream) {
	t, ok := r.Registry.RemoveSessionIfOwner(m.StreamID, from)
	if !ok {
		log.Debug().Str("module", "app.router").Str("stream", string(m.StreamID)).Str("conn", string(from)).Msg("end-stream from non-owner ignored")
		return
	}
	r.Out.AnnounceEnded(t)
}

func (r *Router) reply(to core.ConnID, m protocol.Message) {
	sender, ok := r.Registry.Peer(to)
	if !ok {
		return
	}
	r.Out.Deliver(Peer{ID: to, Sender: sender}, m)
}

func (r *Router) ownerPeer(stream domain.StreamID) (Peer, bool) {
	id, ok := r.Registry.LookupOwner(stream)
	if !ok {
		return Peer{}, false
	}
	sender, ok := r.Registry.Peer(id)
	if !ok {
		return Peer{}, false
	}
	return Peer{ID: id, Sender: sender}, true
}

func (r *Router) listenerPeer(listener domain.ListenerID) (Peer, bool) {
	id, ok := r.Registry.LookupListener(listener)
	if !ok {
		return Peer{}, false
	}
	sender, ok := r.Registry.Peer(id)
	if !ok {
		return Peer{}, false
	}
	return Peer{ID: id, Sender: sender}, true
}

func (r *Router) dropped(from core.ConnID, t protocol.Type, reason string) {
	log.Debug().Str("module", "app.router").Str("conn", string(from)).Str("type", string(t)).Str("reason", reason).Msg("dropped")
}
