// Package probe drives a full broadcaster/listener negotiation against a
// running signaling server and reports each step.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mixlnk/beacon/internal/adapters/rtc"
	"github.com/mixlnk/beacon/internal/domain"
	"github.com/mixlnk/beacon/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Options struct {
	URL     string
	Timeout time.Duration
	// Media negotiates real peer connections instead of placeholder SDP.
	Media      bool
	ICEServers []webrtc.ICEServer
	StreamID   domain.StreamID
	ListenerID domain.ListenerID
}

type Step struct {
	Name   string
	Err    error
	Took   time.Duration
	Detail string
}

type Report struct {
	StreamID   domain.StreamID
	ListenerID domain.ListenerID
	Steps      []Step
}

func (r Report) OK() bool {
	for _, s := range r.Steps {
		if s.Err != nil {
			return false
		}
	}
	return len(r.Steps) > 0
}

var ErrMismatch = errors.New("relayed message does not match")

var (
	placeholderOffer     = json.RawMessage(`{"type":"offer","sdp":"probe-sdp-offer"}`)
	placeholderAnswer    = json.RawMessage(`{"type":"answer","sdp":"probe-sdp-answer"}`)
	placeholderCandidate = json.RawMessage(`{"candidate":"probe-candidate","sdpMid":"0","sdpMLineIndex":0}`)
)

type run struct {
	opts        Options
	report      *Report
	broadcaster *Client
	listener    *Client
	bPeer       *rtc.PeerConnection
	lPeer       *rtc.PeerConnection

	// offer as received by the listener
	received json.RawMessage
}

// Run executes the probe. The returned error is non-nil only when the probe
// could not start; failed steps are recorded in the report.
func Run(ctx context.Context, opts Options) (Report, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.StreamID == "" {
		opts.StreamID = domain.StreamID("probe-" + uuid.NewString()[:8])
	}
	if opts.ListenerID == "" {
		opts.ListenerID = domain.ListenerID("listener-" + uuid.NewString()[:8])
	}
	report := Report{StreamID: opts.StreamID, ListenerID: opts.ListenerID}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	r := &run{opts: opts, report: &report}
	defer r.close()

	err := r.step("connect", func() (string, error) {
		var err error
		if r.broadcaster, err = Dial(ctx, opts.URL, "broadcaster"); err != nil {
			return "", err
		}
		if r.listener, err = Dial(ctx, opts.URL, "listener"); err != nil {
			return "", err
		}
		return opts.URL, nil
	})
	if err != nil {
		return report, err
	}

	if opts.Media {
		if err := r.setupPeers(); err != nil {
			return report, err
		}
	}

	steps := []struct {
		name string
		fn   func(context.Context) (string, error)
	}{
		{"register-stream", r.register},
		{"unknown-stream", r.unknownStream},
		{"join-stream-request", r.join},
		{"offer", r.offer},
		{"answer", r.answer},
		{"ice-candidate", r.candidates},
		{"end-stream", r.end},
	}
	for _, s := range steps {
		if err := r.step(s.name, func() (string, error) { return s.fn(ctx) }); err != nil {
			break
		}
	}
	return report, nil
}

func (r *run) step(name string, fn func() (string, error)) error {
	start := time.Now()
	detail, err := fn()
	s := Step{Name: name, Err: err, Took: time.Since(start), Detail: detail}
	r.report.Steps = append(r.report.Steps, s)
	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Str("module", "probe").Str("step", name).Dur("took", s.Took).Str("detail", detail).Msg("probe step")
	return err
}

func (r *run) close() {
	for _, p := range []*rtc.PeerConnection{r.bPeer, r.lPeer} {
		if p != nil {
			p.Close()
		}
	}
	for _, c := range []*Client{r.broadcaster, r.listener} {
		if c != nil {
			_ = c.Close()
		}
	}
}

func (r *run) setupPeers() error {
	cfg := rtc.DefaultWebRTCConfig(r.opts.ICEServers)
	var err error
	if r.bPeer, err = rtc.NewPeerConnection(cfg, "broadcaster"); err != nil {
		return fmt.Errorf("broadcaster peer: %w", err)
	}
	if r.lPeer, err = rtc.NewPeerConnection(cfg, "listener"); err != nil {
		return fmt.Errorf("listener peer: %w", err)
	}
	r.bPeer.OnICECandidate(func(c json.RawMessage) {
		sendCandidate(r.broadcaster, protocol.ICECandidate{ListenerID: r.opts.ListenerID, StreamID: r.opts.StreamID, Candidate: c})
	})
	r.lPeer.OnICECandidate(func(c json.RawMessage) {
		sendCandidate(r.listener, protocol.ICECandidate{StreamID: r.opts.StreamID, Candidate: c})
	})
	return nil
}

func sendCandidate(c *Client, m protocol.ICECandidate) {
	if err := c.Send(m); err != nil {
		log.Warn().Err(err).Str("module", "probe").Str("client", c.name).Msg("send candidate")
	}
}

// applyTo returns a handler feeding relayed candidates into peer. Without
// media it discards them.
func applyTo(peer *rtc.PeerConnection) func(protocol.Message) {
	return func(m protocol.Message) {
		c, ok := m.(protocol.CandidateRelay)
		if !ok || peer == nil {
			return
		}
		if err := peer.AddICECandidate(c.Candidate); err != nil {
			log.Warn().Err(err).Str("module", "probe").Msg("apply candidate")
		}
	}
}

func (r *run) register(ctx context.Context) (string, error) {
	return string(r.opts.StreamID), r.broadcaster.Send(protocol.RegisterStream{StreamID: r.opts.StreamID})
}

func (r *run) unknownStream(ctx context.Context) (string, error) {
	missing := domain.StreamID("missing-" + uuid.NewString())
	if err := r.listener.Send(protocol.JoinStreamRequest{StreamID: missing, ListenerID: r.opts.ListenerID}); err != nil {
		return "", err
	}
	m, err := r.listener.Await(ctx, protocol.TypeError, nil)
	if err != nil {
		return "", err
	}
	if got := m.(protocol.Error).Message; got != protocol.ErrStreamNotFound {
		return got, fmt.Errorf("%w: error message %q", ErrMismatch, got)
	}
	return protocol.ErrStreamNotFound, nil
}

// join retries while the registration may still be in flight on the other
// connection; there is no ordering across connections.
func (r *run) join(ctx context.Context) (string, error) {
	req := protocol.JoinStreamRequest{StreamID: r.opts.StreamID, ListenerID: r.opts.ListenerID}
	attempts := 0
	for {
		attempts++
		if err := r.listener.Send(req); err != nil {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("join: %w", ctx.Err())
		case m := <-r.broadcaster.Messages():
			got, ok := m.(protocol.JoinStreamRequest)
			if !ok || got != req {
				return fmt.Sprintf("%#v", m), fmt.Errorf("%w: join relay", ErrMismatch)
			}
			return fmt.Sprintf("relayed after %d attempt(s)", attempts), nil
		case m := <-r.listener.Messages():
			if _, ok := m.(protocol.Error); !ok {
				return fmt.Sprintf("%#v", m), fmt.Errorf("%w: unexpected %s", ErrMismatch, m.Type())
			}
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("join: %w", ctx.Err())
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

func (r *run) offer(ctx context.Context) (string, error) {
	offer := placeholderOffer
	if r.bPeer != nil {
		var err error
		if offer, err = r.bPeer.CreateOffer(); err != nil {
			return "", err
		}
	}
	if err := r.broadcaster.Send(protocol.Offer{ListenerID: r.opts.ListenerID, Offer: offer}); err != nil {
		return "", err
	}
	m, err := r.listener.Await(ctx, protocol.TypeOffer, applyTo(r.lPeer))
	if err != nil {
		return "", err
	}
	got := m.(protocol.Offer)
	if got.ListenerID != r.opts.ListenerID || !bytes.Equal(got.Offer, offer) {
		return "", fmt.Errorf("%w: offer", ErrMismatch)
	}
	r.received = got.Offer
	return fmt.Sprintf("%d bytes", len(offer)), nil
}

func (r *run) answer(ctx context.Context) (string, error) {
	answer := placeholderAnswer
	if r.lPeer != nil {
		var err error
		if answer, err = r.lPeer.ApplyOfferAndCreateAnswer(r.received); err != nil {
			return "", err
		}
	}
	if err := r.listener.Send(protocol.Answer{StreamID: r.opts.StreamID, ListenerID: r.opts.ListenerID, Answer: answer}); err != nil {
		return "", err
	}
	m, err := r.broadcaster.Await(ctx, protocol.TypeAnswer, applyTo(r.bPeer))
	if err != nil {
		return "", err
	}
	got := m.(protocol.AnswerRelay)
	if got.UserID != r.opts.ListenerID || !bytes.Equal(got.Answer, answer) {
		return "", fmt.Errorf("%w: answer for %q", ErrMismatch, got.UserID)
	}
	if r.bPeer != nil {
		if err := r.bPeer.ApplyAnswer(got.Answer); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%d bytes", len(answer)), nil
}

func (r *run) candidates(ctx context.Context) (string, error) {
	if r.bPeer != nil {
		return r.awaitMedia(ctx)
	}

	if err := r.broadcaster.Send(protocol.ICECandidate{ListenerID: r.opts.ListenerID, StreamID: r.opts.StreamID, Candidate: placeholderCandidate}); err != nil {
		return "", err
	}
	m, err := r.listener.Await(ctx, protocol.TypeICECandidate, nil)
	if err != nil {
		return "", err
	}
	toListener := m.(protocol.CandidateRelay)
	if toListener.StreamID != r.opts.StreamID || !bytes.Equal(toListener.Candidate, placeholderCandidate) {
		return "", fmt.Errorf("%w: candidate to listener", ErrMismatch)
	}

	if err := r.listener.Send(protocol.ICECandidate{StreamID: r.opts.StreamID, Candidate: placeholderCandidate}); err != nil {
		return "", err
	}
	m, err = r.broadcaster.Await(ctx, protocol.TypeICECandidate, nil)
	if err != nil {
		return "", err
	}
	toOwner := m.(protocol.CandidateRelay)
	if toOwner.UserID == "" || !bytes.Equal(toOwner.Candidate, placeholderCandidate) {
		return "", fmt.Errorf("%w: candidate to owner", ErrMismatch)
	}
	return "relayed both ways, sender " + toOwner.UserID, nil
}

// awaitMedia feeds relayed candidates into both peers until ICE connects on
// each side.
func (r *run) awaitMedia(ctx context.Context) (string, error) {
	toB, toL := applyTo(r.bPeer), applyTo(r.lPeer)
	bConn, lConn := r.bPeer.Connected(), r.lPeer.Connected()
	for bConn != nil || lConn != nil {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("ice: %w", ctx.Err())
		case m := <-r.broadcaster.Messages():
			toB(m)
		case m := <-r.listener.Messages():
			toL(m)
		case <-bConn:
			bConn = nil
		case <-lConn:
			lConn = nil
		}
	}
	return "peers connected", nil
}

func (r *run) end(ctx context.Context) (string, error) {
	if err := r.broadcaster.Send(protocol.EndStream{StreamID: r.opts.StreamID}); err != nil {
		return "", err
	}
	if _, err := r.listener.Await(ctx, protocol.TypeStreamEnded, applyTo(r.lPeer)); err != nil {
		return "", err
	}
	return string(r.opts.StreamID), nil
}
