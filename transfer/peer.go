package transfer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"droplink/client"
	"droplink/signaling"
)

// DefaultICEServers are the public STUN servers used when the host supplies
// no configuration.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// Peer drives one WebRTC peer connection whose negotiation messages travel
// through the coordination service. Candidates arriving before the remote
// description are buffered and flushed once it is set.
type Peer struct {
	pc        *webrtc.PeerConnection
	sc        *client.Client
	sessionID string

	mu                sync.Mutex
	pendingCandidates []webrtc.ICECandidateInit
}

// NewPeer creates a peer connection bound to a session. Gathered local
// candidates are relayed to the other session members automatically.
func NewPeer(sc *client.Client, sessionID string, config webrtc.Configuration) (*Peer, error) {
	if len(config.ICEServers) == 0 {
		config.ICEServers = DefaultICEServers
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:        pc,
		sc:        sc,
		sessionID: sessionID,
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		payload, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		_ = sc.SendCandidate(sessionID, payload)
	})

	return p, nil
}

// Connection returns the underlying peer connection.
func (p *Peer) Connection() *webrtc.PeerConnection {
	return p.pc
}

// Offer creates the transfer data channel, produces an SDP offer and relays
// it to the other session members. The sending side calls this.
func (p *Peer) Offer() (*webrtc.DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}

	payload, err := json.Marshal(offer)
	if err != nil {
		return nil, err
	}
	if err := p.sc.SendOffer(p.sessionID, payload); err != nil {
		return nil, err
	}
	return dc, nil
}

// OnDataChannel registers the receiving side's data channel handler.
func (p *Peer) OnDataChannel(handler func(*webrtc.DataChannel)) {
	p.pc.OnDataChannel(handler)
}

// HandleSignal applies one relayed negotiation event to the peer connection.
// Events for other message types are ignored.
func (p *Peer) HandleSignal(event client.Event) error {
	if event.Signal == nil {
		return nil
	}

	switch event.Type {
	case signaling.TypeOffer:
		return p.handleOffer(event.Signal.Payload)
	case signaling.TypeAnswer:
		return p.handleAnswer(event.Signal.Payload)
	case signaling.TypeCandidate:
		return p.handleCandidate(event.Signal.Payload)
	default:
		return nil
	}
}

// Close tears down the peer connection. Any transfer still running observes
// this as a channel error.
func (p *Peer) Close() error {
	return p.pc.Close()
}

func (p *Peer) handleOffer(payload json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	out, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	if err := p.sc.SendAnswer(p.sessionID, out); err != nil {
		return err
	}
	return p.flushCandidates()
}

func (p *Peer) handleAnswer(payload json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return p.flushCandidates()
}

func (p *Peer) handleCandidate(payload json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	p.mu.Lock()
	if p.pc.RemoteDescription() == nil {
		p.pendingCandidates = append(p.pendingCandidates, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (p *Peer) flushCandidates() error {
	p.mu.Lock()
	pending := p.pendingCandidates
	p.pendingCandidates = nil
	p.mu.Unlock()

	for _, init := range pending {
		if err := p.pc.AddICECandidate(init); err != nil {
			return fmt.Errorf("add buffered candidate: %w", err)
		}
	}
	return nil
}
