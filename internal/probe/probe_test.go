package probe

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mixlnk/beacon/internal/adapters/signal"
	"github.com/mixlnk/beacon/internal/app"
	"github.com/mixlnk/beacon/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func startServer(t *testing.T) (string, *app.Registry) {
	t.Helper()
	reg := app.NewRegistry()
	out := app.NewOutbox(nil)
	ctl := signal.NewSignalWSController(app.NewRouter(reg, out), app.NewLifecycle(reg, out), signal.DefaultSettings())

	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctl.ServeWS(ctx, w, r, "probe-test")
	}))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http"), reg
}

func TestRunSynthetic(t *testing.T) {
	url, reg := startServer(t)

	report, err := Run(context.Background(), Options{URL: url, Timeout: 5 * time.Second, StreamID: "probe-stream", ListenerID: "probe-listener"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.OK() {
		for _, s := range report.Steps {
			t.Logf("%s: err=%v detail=%s", s.Name, s.Err, s.Detail)
		}
		t.Fatal("probe failed")
	}

	want := []string{"connect", "register-stream", "unknown-stream", "join-stream-request", "offer", "answer", "ice-candidate", "end-stream"}
	if len(report.Steps) != len(want) {
		t.Fatalf("got %d steps, want %d", len(report.Steps), len(want))
	}
	for i, s := range report.Steps {
		if s.Name != want[i] {
			t.Errorf("step %d = %s, want %s", i, s.Name, want[i])
		}
	}
	if report.StreamID != "probe-stream" || report.ListenerID != "probe-listener" {
		t.Errorf("report ids = %s/%s", report.StreamID, report.ListenerID)
	}
	if _, ok := reg.LookupOwner("probe-stream"); ok {
		t.Error("stream still registered after end-stream")
	}
}

func TestRunGeneratesIDs(t *testing.T) {
	url, _ := startServer(t)

	a, err := Run(context.Background(), Options{URL: url, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	b, err := Run(context.Background(), Options{URL: url, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !a.OK() || !b.OK() {
		t.Fatal("probe failed")
	}
	if a.StreamID == "" || a.StreamID == b.StreamID || a.ListenerID == b.ListenerID {
		t.Errorf("ids not unique: %s/%s vs %s/%s", a.StreamID, a.ListenerID, b.StreamID, b.ListenerID)
	}
}

func TestRunDialFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ts.Close()

	report, err := Run(context.Background(), Options{URL: url, Timeout: time.Second})
	if err == nil {
		t.Fatal("expected dial error")
	}
	if report.OK() {
		t.Error("report OK after failed connect")
	}
	if len(report.Steps) != 1 || report.Steps[0].Name != "connect" {
		t.Errorf("steps = %+v", report.Steps)
	}
}

func TestReportOK(t *testing.T) {
	if (Report{}).OK() {
		t.Error("empty report is not OK")
	}
	r := Report{Steps: []Step{{Name: "a"}, {Name: "b"}}}
	if !r.OK() {
		t.Error("all steps passed")
	}
	r.Steps = append(r.Steps, Step{Name: "c", Err: errors.New("boom")})
	if r.OK() {
		t.Error("failed step must fail the report")
	}
}

func TestClientAwaitSkipsOtherTypes(t *testing.T) {
	url, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, "await")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Send(protocol.RegisterStream{StreamID: "own"}); err != nil {
		t.Fatal(err)
	}
	// Joining its own stream routes the request back to this connection
	// before the failing join produces an error.
	if err := c.Send(protocol.JoinStreamRequest{StreamID: "own", ListenerID: "self"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(protocol.JoinStreamRequest{StreamID: "nope", ListenerID: "self"}); err != nil {
		t.Fatal(err)
	}

	var skipped []protocol.Type
	m, err := c.Await(ctx, protocol.TypeError, func(m protocol.Message) { skipped = append(skipped, m.Type()) })
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got := m.(protocol.Error).Message; got != protocol.ErrStreamNotFound {
		t.Errorf("error message = %q", got)
	}
	if len(skipped) != 1 || skipped[0] != protocol.TypeJoinStreamRequest {
		t.Errorf("skipped = %v", skipped)
	}
}

func TestClientCloseWithUndrainedMessages(t *testing.T) {
	const frames = 100
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < frames; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"flood"}`)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), "flooded")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(c.Messages()) < cap(c.in) {
		if time.Now().After(deadline) {
			t.Fatalf("buffer never filled: %d", len(c.Messages()))
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = c.Close()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reader still blocked after Close")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSendCandidateLogsFailure(t *testing.T) {
	url, _ := startServer(t)
	c, err := Dial(context.Background(), url, "gone")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	_ = c.Close()

	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	sendCandidate(c, protocol.ICECandidate{StreamID: "s", Candidate: []byte(`{"candidate":"c"}`)})
	if !strings.Contains(buf.String(), `"message":"send candidate"`) || !strings.Contains(buf.String(), `"client":"gone"`) {
		t.Fatalf("log = %s", buf.String())
	}
}
