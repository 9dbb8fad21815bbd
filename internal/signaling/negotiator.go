package signaling

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/netviz/internal/protocol"
	"github.com/1ureka/netviz/internal/transport"
	"github.com/1ureka/netviz/internal/util"
)

// role is the side a negotiator plays. The client offers, the relay answers.
type role int

const (
	offerer role = iota
	answerer
)

func (r role) String() string {
	if r == offerer {
		return "offerer"
	}
	return "answerer"
}

// remote is the description kind the role expects from its peer.
func (r role) remote() (kind, webrtc.SDPType) {
	if r == offerer {
		return kindAnswer, webrtc.SDPTypeAnswer
	}
	return kindOffer, webrtc.SDPTypeOffer
}

// negotiator drives one side of the exchange over a WebSocket. Writes may
// come from the read loop and from pion's candidate callback, so they are
// serialized.
type negotiator struct {
	role role
	tr   *transport.Transport
	ws   *websocket.Conn

	writeMu sync.Mutex
	// described is set once the remote description is applied. Loop-owned.
	described bool
}

func newNegotiator(r role, tr *transport.Transport, ws *websocket.Conn) *negotiator {
	n := &negotiator{role: r, tr: tr, ws: ws}
	tr.OnICECandidate(n.trickle)
	return n
}

func (n *negotiator) write(s signal) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return n.ws.WriteJSON(s)
}

// describe creates the local description for this role, applies it and
// sends it to the peer.
func (n *negotiator) describe() error {
	var (
		desc webrtc.SessionDescription
		err  error
		k    kind
	)
	if n.role == offerer {
		desc, err = n.tr.CreateOffer()
		k = kindOffer
	} else {
		desc, err = n.tr.CreateAnswer()
		k = kindAnswer
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", k, err)
	}
	if err := n.tr.SetLocalDescription(desc); err != nil {
		return err
	}
	return n.write(signal{Kind: k, SDP: desc.SDP})
}

// trickle forwards local ICE candidates. A nil candidate ends gathering.
func (n *negotiator) trickle(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	cand := c.ToJSON()
	if err := n.write(signal{Kind: kindCandidate, Candidate: &cand}); err != nil {
		// A failed write also ends the read loop.
		util.LogDebug("%s: failed to send ICE candidate: %v", n.role, err)
	}
}

// apply handles one inbound signal. A signal the role does not expect is
// malformed and ends the negotiation.
func (n *negotiator) apply(s signal) error {
	if err := s.check(); err != nil {
		return err
	}

	want, sdpType := n.role.remote()
	switch s.Kind {
	case want:
		if n.described {
			return fmt.Errorf("%w: duplicate %s", protocol.ErrMalformed, s.Kind)
		}
		if err := n.tr.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: s.SDP}); err != nil {
			return err
		}
		n.described = true
		if n.role == answerer {
			return n.describe()
		}
		return nil

	case kindCandidate:
		return n.tr.AddICECandidate(*s.Candidate)

	default:
		return fmt.Errorf("%w: %s cannot accept %s", protocol.ErrMalformed, n.role, s.Kind)
	}
}

// run reads signals until the WebSocket fails or a signal is rejected.
func (n *negotiator) run() error {
	for {
		var s signal
		if err := n.ws.ReadJSON(&s); err != nil {
			return fmt.Errorf("failed to read signal: %w", err)
		}
		if err := n.apply(s); err != nil {
			return err
		}
	}
}
