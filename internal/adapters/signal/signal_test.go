package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mixlnk/beacon/internal/app"
)

type testServer struct {
	url string
	reg *app.Registry
}

func newTestServer(t *testing.T, s Settings) *testServer {
	t.Helper()
	reg := app.NewRegistry()
	out := app.NewOutbox(nil)
	ctl := NewSignalWSController(app.NewRouter(reg, out), app.NewLifecycle(reg, out), s)

	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctl.ServeWS(ctx, w, r, "test")
	}))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return &testServer{url: "ws" + strings.TrimPrefix(ts.URL, "http"), reg: reg}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func expect(t *testing.T, c *websocket.Conn, want string) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read (want %s): %v", want, err)
	}
	if string(data) != want {
		t.Fatalf("got %s, want %s", data, want)
	}
}

// expectSilence must be the last read on c: a read timeout breaks the conn.
func expectSilence(t *testing.T, c *websocket.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := c.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame %s", data)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func fastSettings() Settings {
	s := DefaultSettings()
	s.PingPeriod = time.Second
	s.PongWait = 3 * time.Second
	return s
}

func TestGateway_EndToEndNegotiation(t *testing.T) {
	srv := newTestServer(t, fastSettings())
	a := dial(t, srv.url)
	b := dial(t, srv.url)

	send(t, a, `{"type":"register-stream","streamId":"abc123"}`)
	waitFor(t, "registration", func() bool {
		_, ok := srv.reg.LookupOwner("abc123")
		return ok
	})

	send(t, b, `{"type":"join-stream-request","streamId":"abc123","listenerId":"lst01"}`)
	expect(t, a, `{"type":"join-stream-request","streamId":"abc123","listenerId":"lst01"}`)

	send(t, a, `{"type":"offer","listenerId":"lst01","offer":{"type":"offer","sdp":"X"}}`)
	expect(t, b, `{"type":"offer","listenerId":"lst01","offer":{"type":"offer","sdp":"X"}}`)

	send(t, b, `{"type":"answer","streamId":"abc123","listenerId":"lst01","answer":{"type":"answer","sdp":"Y"}}`)
	expect(t, a, `{"type":"answer","userId":"lst01","answer":{"type":"answer","sdp":"Y"}}`)

	send(t, a, `{"type":"ice-candidate","listenerId":"lst01","streamId":"abc123","candidate":{"candidate":"c-a"}}`)
	expect(t, b, `{"type":"ice-candidate","streamId":"abc123","candidate":{"candidate":"c-a"}}`)

	send(t, a, `{"type":"end-stream","streamId":"abc123"}`)
	expect(t, b, `{"type":"stream-ended"}`)
	expect(t, a, `{"type":"stream-ended"}`)
}

func TestGateway_JoinUnknownStream(t *testing.T) {
	srv := newTestServer(t, fastSettings())
	c := dial(t, srv.url)
	send(t, c, `{"type":"join-stream-request","streamId":"nonexistent","listenerId":"lst02"}`)
	expect(t, c, `{"type":"error","message":"Stream not found"}`)
	expectSilence(t, c)
}

func TestGateway_OwnerDisconnectEndsStream(t *testing.T) {
	srv := newTestServer(t, fastSettings())
	a := dial(t, srv.url)
	b := dial(t, srv.url)
	c := dial(t, srv.url)

	send(t, a, `{"type":"register-stream","streamId":"abc123"}`)
	waitFor(t, "registration", func() bool {
		_, ok := srv.reg.LookupOwner("abc123")
		return ok
	})
	send(t, b, `{"type":"join-stream-request","streamId":"abc123","listenerId":"lst01"}`)
	expect(t, a, `{"type":"join-stream-request","streamId":"abc123","listenerId":"lst01"}`)

	a.Close()
	expect(t, b, `{"type":"stream-ended"}`)

	send(t, c, `{"type":"join-stream-request","streamId":"abc123","listenerId":"lst03"}`)
	expect(t, c, `{"type":"error","message":"Stream not found"}`)
}

func TestGateway_ListenerDisconnectCleansUp(t *testing.T) {
	srv := newTestServer(t, fastSettings())
	a := dial(t, srv.url)
	b := dial(t, srv.url)

	send(t, a, `{"type":"register-stream","streamId":"s"}`)
	waitFor(t, "registration", func() bool {
		_, ok := srv.reg.LookupOwner("s")
		return ok
	})
	send(t, b, `{"type":"join-stream-request","streamId":"s","listenerId":"l"}`)
	expect(t, a, `{"type":"join-stream-request","streamId":"s","listenerId":"l"}`)

	b.Close()
	waitFor(t, "listener cleanup", func() bool {
		_, ok := srv.reg.LookupListener("l")
		return !ok
	})
	if st := srv.reg.Stats(); st.Connections != 1 || st.Streams != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestGateway_MalformedFramesAbsorbed(t *testing.T) {
	srv := newTestServer(t, fastSettings())
	c := dial(t, srv.url)

	send(t, c, `not json`)
	send(t, c, `{"type":"offer"}`)
	send(t, c, `{"type":"teleport","streamId":"x"}`)
	send(t, c, `{"type":"register-stream","streamId":12}`)
	if err := c.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	send(t, c, `{"type":"join-stream-request","streamId":"x","listenerId":"l"}`)
	expect(t, c, `{"type":"error","message":"Stream not found"}`)
}

func TestGateway_RateLimitDropsExcessFrames(t *testing.T) {
	s := fastSettings()
	s.RateLimit = 2
	s.RateWindow = time.Minute
	srv := newTestServer(t, s)
	c := dial(t, srv.url)

	for i := 0; i < 3; i++ {
		send(t, c, `{"type":"join-stream-request","streamId":"x","listenerId":"l"}`)
	}
	expect(t, c, `{"type":"error","message":"Stream not found"}`)
	expect(t, c, `{"type":"error","message":"Stream not found"}`)
	expectSilence(t, c)
}

func TestGateway_IdleConnectionClosedWithoutPong(t *testing.T) {
	s := DefaultSettings()
	s.PingPeriod = 50 * time.Millisecond
	s.PongWait = 300 * time.Millisecond
	srv := newTestServer(t, s)
	c := dial(t, srv.url)

	pingSeen := make(chan struct{}, 1)
	c.SetPingHandler(func(string) error {
		select {
		case pingSeen <- struct{}{}:
		default:
		}
		// No pong.
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				errCh <- err
				return
			}
		}
	}()

	select {
	case <-pingSeen:
	case err := <-errCh:
		t.Fatalf("closed before first ping: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("no ping from server")
	}

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("server kept a silent connection open")
	}
	waitFor(t, "lifecycle cleanup", func() bool { return srv.reg.Stats().Connections == 0 })
}

func TestGateway_PongKeepsConnectionOpen(t *testing.T) {
	s := DefaultSettings()
	s.PingPeriod = 50 * time.Millisecond
	s.PongWait = 300 * time.Millisecond
	srv := newTestServer(t, s)
	c := dial(t, srv.url)

	frames := make(chan string, 4)
	errCh := make(chan error, 1)
	// The default ping handler answers with a pong while reading.
	go func() {
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			frames <- string(data)
		}
	}()

	select {
	case err := <-errCh:
		t.Fatalf("connection closed despite pongs: %v", err)
	case <-time.After(time.Second):
	}

	send(t, c, `{"type":"join-stream-request","streamId":"x","listenerId":"l"}`)
	select {
	case got := <-frames:
		if got != `{"type":"error","message":"Stream not found"}` {
			t.Fatalf("got %s", got)
		}
	case err := <-errCh:
		t.Fatalf("read: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply")
	}
}
