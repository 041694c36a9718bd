package app

import (
	"sync"
	"testing"

	"github.com/mixlnk/beacon/internal/core"
	"github.com/mixlnk/beacon/internal/protocol"
)

// fakeConn records every frame queued on it.
type fakeConn struct {
	mu     sync.Mutex
	frames []string
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, string(f))
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) Frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type harness struct {
	reg    *Registry
	router *Router
	life   *Lifecycle
	conns  map[core.ConnID]*fakeConn
	next   int
}

func newHarness(p Policy) *harness {
	reg := NewRegistry()
	out := NewOutbox(p)
	h := &harness{
		reg:    reg,
		router: NewRouter(reg, out),
		life:   NewLifecycle(reg, out),
		conns:  make(map[core.ConnID]*fakeConn),
	}
	h.life.NewID = func() core.ConnID {
		h.next++
		return core.ConnID("conn-" + string(rune('a'+h.next-1)))
	}
	return h
}

func (h *harness) open() (core.ConnID, *fakeConn) {
	c := &fakeConn{}
	id := h.life.Open(c)
	h.conns[id] = c
	return id, c
}

func (h *harness) send(t *testing.T, from core.ConnID, raw string) {
	t.Helper()
	msg, err := protocol.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	h.router.Handle(from, msg)
}

func assertFrames(t *testing.T, c *fakeConn, want ...string) {
	t.Helper()
	got := c.Frames()
	if len(got) != len(want) {
		t.Fatalf("frames = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d = %s, want %s", i, got[i], want[i])
		}
	}
}
