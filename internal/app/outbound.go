package app

import (
	"errors"

	"github.com/mixlnk/beacon/internal/core"
	"github.com/mixlnk/beacon/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Outbox is the best-effort, at-most-once send path shared by the router
// and the lifecycle manager. Nothing is queued beyond the transport's own
// buffer and nothing is retried.
type Outbox struct {
	Policy Policy
}

func NewOutbox(p Policy) *Outbox {
	if p == nil {
		p = DropPolicy{}
	}
	return &Outbox{Policy: p}
}

// Deliver queues m on the target or drops it.
func (o *Outbox) Deliver(to Peer, m protocol.Message) bool {
	if to.Sender == nil {
		return false
	}
	frame, err := protocol.Encode(m)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.outbox").Str("type", string(m.Type())).Msg("encode failed, dropping")
		return false
	}
	err = to.Sender.TrySend(core.Frame(frame))
	if err == nil {
		return true
	}
	if !errors.Is(err, core.ErrBackpressure) {
		log.Debug().Err(err).Str("module", "app.outbox").Str("conn", string(to.ID)).Str("type", string(m.Type())).Msg("send dropped")
		return false
	}

	log.Warn().Str("module", "app.outbox").Str("conn", string(to.ID)).Str("type", string(m.Type())).Msg("backpressure, frame dropped")
	if o != nil && o.Policy != nil && o.Policy.OnBackPressure(to.ID) == KickMember {
		log.Warn().Str("module", "app.outbox").Str("conn", string(to.ID)).Msg("kicking slow connection")
		to.Sender.Close()
	}
	return false
}

// AnnounceEnded sends one stream-ended to every member of the terminated
// group and reports how many were queued.
func (o *Outbox) AnnounceEnded(t Termination) int {
	n := 0
	for _, p := range t.Members {
		if o.Deliver(p, protocol.StreamEnded{}) {
			n++
		}
	}
	log.Info().Str("module", "app.outbox").Str("stream", string(t.Stream)).Int("notified", n).Msg("stream ended")
	return n
}
