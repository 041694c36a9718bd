package rtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// PeerConnection is one side of a real WebRTC negotiation, driven entirely
// by signaling payloads. Used by the signaling probe to check that offers,
// answers and candidates relayed by the server produce a working
// connection.
type PeerConnection struct {
	pc   *webrtc.PeerConnection
	name string

	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit
	remoteSet bool

	connected chan struct{}
	once      sync.Once
}

func NewPeerConnection(cfg webrtc.Configuration, name string) (*PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &PeerConnection{pc: pc, name: name, connected: make(chan struct{})}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", name).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateConnected || s == webrtc.ICEConnectionStateCompleted {
			c.once.Do(func() { close(c.connected) })
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "webrtc").Str("peer", name).Str("peer_connection_state", s.String()).Msg("Peer state")
	})
	return c, nil
}

// OnICECandidate forwards each gathered local candidate as JSON.
func (c *PeerConnection) OnICECandidate(fn func(json.RawMessage)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("peer", c.name).Msg("marshal candidate")
			return
		}
		fn(b)
	})
}

// CreateOffer adds a send-only audio transceiver and returns the local
// offer as JSON.
func (c *PeerConnection) CreateOffer() (json.RawMessage, error) {
	if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	}); err != nil {
		return nil, fmt.Errorf("add transceiver: %w", err)
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	return json.Marshal(offer)
}

// ApplyOfferAndCreateAnswer applies a remote offer and returns the answer.
func (c *PeerConnection) ApplyOfferAndCreateAnswer(raw json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return nil, fmt.Errorf("expected offer, got %s", offer.Type)
	}
	if err := c.setRemote(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	return json.Marshal(answer)
}

// ApplyAnswer applies the remote answer to a previously created offer.
func (c *PeerConnection) ApplyAnswer(raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("expected answer, got %s", answer.Type)
	}
	return c.setRemote(answer)
}

// AddICECandidate applies a remote candidate, buffering it until the remote
// description is known.
func (c *PeerConnection) AddICECandidate(raw json.RawMessage) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	c.mu.Lock()
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(cand)
}

// Connected is closed once ICE reports connected.
func (c *PeerConnection) Connected() <-chan struct{} { return c.connected }

func (c *PeerConnection) Close() {
	if err := c.pc.Close(); err != nil {
		log.Warn().Err(err).Str("module", "webrtc").Str("peer", c.name).Msg("close peer connection")
	}
}

func (c *PeerConnection) setRemote(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			return fmt.Errorf("add buffered candidate: %w", err)
		}
	}
	return nil
}
