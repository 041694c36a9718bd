package app

import (
	"github.com/google/uuid"
	"github.com/mixlnk/beacon/internal/core"
	"github.com/rs/zerolog/log"
)

// Lifecycle owns connection open/close bookkeeping. A connection is either
// open (attached) or closed; negotiation progress is not tracked.
type Lifecycle struct {
	Registry *Registry
	Out      *Outbox
	NewID    func() core.ConnID
}

func NewLifecycle(reg *Registry, out *Outbox) *Lifecycle {
	return &Lifecycle{
		Registry: reg,
		Out:      out,
		NewID:    func() core.ConnID { return core.ConnID(uuid.NewString()) },
	}
}

// Open assigns a fresh connection id and attaches sender under it.
func (l *Lifecycle) Open(sender core.SignalConnection) core.ConnID {
	id := l.NewID()
	l.Registry.Attach(id, sender)
	log.Info().Str("module", "app.lifecycle").Str("conn", string(id)).Msg("connection opened")
	return id
}

// Close purges everything the connection held: owned streams are removed
// and their groups told stream-ended, then its listener ids are dropped,
// then the record itself. Closing an unknown id is a no-op.
func (l *Lifecycle) Close(id core.ConnID) {
	if _, ok := l.Registry.Peer(id); !ok {
		return
	}
	for _, t := range l.Registry.RemoveSessionsOwnedBy(id) {
		l.Out.AnnounceEnded(t)
	}
	removed := l.Registry.RemoveListenersOf(id)
	l.Registry.Detach(id)
	log.Info().Str("module", "app.lifecycle").Str("conn", string(id)).Int("listeners", removed).Msg("connection closed")
}

// CloseAll runs Close for every open connection and closes its transport.
// Used on shutdown.
func (l *Lifecycle) CloseAll() {
	peers := l.Registry.Conns()
	for _, p := range peers {
		l.Close(p.ID)
		if p.Sender != nil {
			p.Sender.Close()
		}
	}
	log.Info().Str("module", "app.lifecycle").Int("count", len(peers)).Msg("closed all connections")
}
