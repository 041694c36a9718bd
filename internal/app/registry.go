package app

import (
	"sort"
	"sync"

	"github.com/mixlnk/beacon/internal/core"
	"github.com/mixlnk/beacon/internal/domain"
	"github.com/rs/zerolog/log"
)

// connEntry is the single source of truth for what a connection holds.
// Registry.streams, Registry.listeners and Registry.groups are indices
// derived from these sets and are only mutated together with them.
type connEntry struct {
	Sender    core.SignalConnection
	Streams   map[domain.StreamID]struct{}
	Listeners map[domain.ListenerID]struct{}
	Groups    map[domain.StreamID]struct{}
	// Joined is the subset of Groups entered through a successful join.
	Joined    map[domain.StreamID]struct{}
}

// Peer is a connection handle resolved from the registry.
type Peer struct {
	ID     core.ConnID
	Sender core.SignalConnection
}

// Termination is a removed stream and the group that must hear about it.
type Termination struct {
	Stream  domain.StreamID
	Members []Peer
}

type Stats struct {
	Connections int `json:"connections"`
	Streams     int `json:"streams"`
	Listeners   int `json:"listeners"`
}

// Registry holds all signaling state. Every method is atomic with respect
// to every other.
type Registry struct {
	mu        sync.Mutex
	conns     map[core.ConnID]*connEntry
	streams   map[domain.StreamID]core.ConnID
	listeners map[domain.ListenerID]core.ConnID
	groups    map[domain.StreamID]map[core.ConnID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:     make(map[core.ConnID]*connEntry),
		streams:   make(map[domain.StreamID]core.ConnID),
		listeners: make(map[domain.ListenerID]core.ConnID),
		groups:    make(map[domain.StreamID]map[core.ConnID]struct{}),
	}
}

// Attach records an open connection. Re-attaching an id replaces its sender
// and keeps whatever it already holds.
func (r *Registry) Attach(id core.ConnID, sender core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		e.Sender = sender
		return
	}
	r.conns[id] = &connEntry{
		Sender:    sender,
		Streams:   make(map[domain.StreamID]struct{}),
		Listeners: make(map[domain.ListenerID]struct{}),
		Groups:    make(map[domain.StreamID]struct{}),
		Joined:    make(map[domain.StreamID]struct{}),
	}
	log.Debug().Str("module", "app.registry").Str("conn", string(id)).Msg("attached connection")
}

// Detach forgets a connection and removes it from every group. Streams and
// listener ids it still holds are dropped without notice; callers wanting
// stream-ended delivered run RemoveSessionsOwnedBy first.
func (r *Registry) Detach(id core.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	for s := range e.Streams {
		r.terminateLocked(s)
	}
	for l := range e.Listeners {
		delete(r.listeners, l)
	}
	for s := range e.Groups {
		r.leaveGroupLocked(s, id)
	}
	delete(r.conns, id)
	log.Debug().Str("module", "app.registry").Str("conn", string(id)).Msg("detached connection")
	return true
}

// Peer resolves a connection id to its sender.
func (r *Registry) Peer(id core.ConnID) (core.SignalConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.Sender, true
}

// RegisterSession makes conn the owner of stream, overwriting any previous
// owner without notice, and joins conn to the stream's group. The previous
// owner, if different, is returned.
func (r *Registry) RegisterSession(stream domain.StreamID, conn core.ConnID) (core.ConnID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[conn]
	if !ok {
		return "", false
	}
	prev, had := r.streams[stream]
	if had && prev != conn {
		if old, ok := r.conns[prev]; ok {
			delete(old.Streams, stream)
		}
	}
	r.streams[stream] = conn
	e.Streams[stream] = struct{}{}
	r.joinGroupLocked(stream, conn, e)

	lg := log.Info().Str("module", "app.registry").Str("stream", string(stream)).Str("conn", string(conn))
	if had && prev != conn {
		lg = lg.Str("previous_owner", string(prev))
	}
	lg.Msg("registered stream")
	if had && prev != conn {
		return prev, true
	}
	return "", false
}

// LookupOwner returns the connection currently owning stream.
func (r *Registry) LookupOwner(stream domain.StreamID) (core.ConnID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.streams[stream]
	return id, ok
}

// RemoveSession deletes stream regardless of owner. The returned group
// snapshot is what must receive stream-ended.
func (r *Registry) RemoveSession(stream domain.StreamID) (Termination, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[stream]; !ok {
		return Termination{}, false
	}
	return r.terminateLocked(stream), true
}

// RemoveSessionIfOwner deletes stream only while conn still owns it.
func (r *Registry) RemoveSessionIfOwner(stream domain.StreamID, conn core.ConnID) (Termination, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.streams[stream]; !ok || owner != conn {
		return Termination{}, false
	}
	return r.terminateLocked(stream), true
}

// RemoveSessionsOwnedBy deletes every stream conn owns, one Termination per
// stream, in stream id order.
func (r *Registry) RemoveSessionsOwnedBy(conn core.ConnID) []Termination {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[conn]
	if !ok || len(e.Streams) == 0 {
		return nil
	}
	ids := make([]domain.StreamID, 0, len(e.Streams))
	for s := range e.Streams {
		ids = append(ids, s)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Termination, 0, len(ids))
	for _, s := range ids {
		out = append(out, r.terminateLocked(s))
	}
	return out
}

// JoinSession records listener as relayed by conn and joins conn to the
// stream group, but only if stream has an owner. On failure nothing changes.
func (r *Registry) JoinSession(stream domain.StreamID, listener domain.ListenerID, conn core.ConnID) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[conn]
	if !ok {
		return Peer{}, false
	}
	ownerID, ok := r.streams[stream]
	if !ok {
		return Peer{}, false
	}
	owner, ok := r.conns[ownerID]
	if !ok {
		return Peer{}, false
	}

	if prev, had := r.listeners[listener]; had && prev != conn {
		if old, ok := r.conns[prev]; ok {
			delete(old.Listeners, listener)
		}
	}
	r.listeners[listener] = conn
	e.Listeners[listener] = struct{}{}
	e.Joined[stream] = struct{}{}
	r.joinGroupLocked(stream, conn, e)

	log.Info().
		Str("module", "app.registry").
		Str("stream", string(stream)).
		Str("listener", string(listener)).
		Str("conn", string(conn)).
		Msg("listener joined")
	return Peer{ID: ownerID, Sender: owner.Sender}, true
}

// LookupListener returns the connection relaying for listener.
func (r *Registry) LookupListener(listener domain.ListenerID) (core.ConnID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.listeners[listener]
	return id, ok
}

// RemoveListenersOf drops every listener id conn relays for.
func (r *Registry) RemoveListenersOf(conn core.ConnID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[conn]
	if !ok {
		return 0
	}
	n := len(e.Listeners)
	for l := range e.Listeners {
		delete(r.listeners, l)
		delete(e.Listeners, l)
	}
	if n > 0 {
		log.Info().Str("module", "app.registry").Str("conn", string(conn)).Int("count", n).Msg("removed listeners")
	}
	return n
}

// GroupMembers snapshots the connections joined to stream's group.
func (r *Registry) GroupMembers(stream domain.StreamID) []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersLocked(stream)
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Connections: len(r.conns),
		Streams:     len(r.streams),
		Listeners:   len(r.listeners),
	}
}

// Streams lists the registered streams in id order. Listeners counts the
// connections that joined each stream; displaced owners are not counted.
func (r *Registry) Streams() []domain.StreamInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.StreamInfo, 0, len(r.streams))
	for s, owner := range r.streams {
		n := 0
		for id := range r.groups[s] {
			if e, ok := r.conns[id]; ok && id != owner {
				if _, joined := e.Joined[s]; joined {
					n++
				}
			}
		}
		out = append(out, domain.StreamInfo{ID: s, Owner: string(owner), Listeners: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Conns snapshots every attached connection.
func (r *Registry) Conns() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.conns))
	for id, e := range r.conns {
		out = append(out, Peer{ID: id, Sender: e.Sender})
	}
	return out
}

func (r *Registry) joinGroupLocked(stream domain.StreamID, conn core.ConnID, e *connEntry) {
	g, ok := r.groups[stream]
	if !ok {
		g = make(map[core.ConnID]struct{})
		r.groups[stream] = g
	}
	g[conn] = struct{}{}
	e.Groups[stream] = struct{}{}
}

func (r *Registry) leaveGroupLocked(stream domain.StreamID, conn core.ConnID) {
	g, ok := r.groups[stream]
	if !ok {
		return
	}
	delete(g, conn)
	if len(g) == 0 {
		delete(r.groups, stream)
	}
}

func (r *Registry) membersLocked(stream domain.StreamID) []Peer {
	g := r.groups[stream]
	out := make([]Peer, 0, len(g))
	for id := range g {
		if e, ok := r.conns[id]; ok {
			out = append(out, Peer{ID: id, Sender: e.Sender})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// dropStreamLocked removes stream from the owner index and its owner's set.
func (r *Registry) dropStreamLocked(stream domain.StreamID) {
	owner, ok := r.streams[stream]
	if !ok {
		return
	}
	delete(r.streams, stream)
	if e, ok := r.conns[owner]; ok {
		delete(e.Streams, stream)
	}
}

// terminateLocked removes stream, snapshots its group and dissolves it.
func (r *Registry) terminateLocked(stream domain.StreamID) Termination {
	r.dropStreamLocked(stream)
	t := Termination{Stream: stream, Members: r.membersLocked(stream)}
	for id := range r.groups[stream] {
		if e, ok := r.conns[id]; ok {
			delete(e.Groups, stream)
			delete(e.Joined, stream)
		}
	}
	delete(r.groups, stream)
	log.Info().Str("module", "app.registry").Str("stream", string(stream)).Int("members", len(t.Members)).Msg("removed stream")
	return t
}
