package signaling

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/netviz/internal/protocol"
)

// kind identifies a signal on the negotiation WebSocket.
type kind string

const (
	kindOffer     kind = "offer"
	kindAnswer    kind = "answer"
	kindCandidate kind = "candidate"
)

// signal is one JSON message of the exchange. Descriptions carry SDP;
// candidates carry the trickled ICE candidate inline.
type signal struct {
	Kind      kind                     `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// check rejects signals that are incomplete for their kind.
func (s signal) check() error {
	switch s.Kind {
	case kindOffer, kindAnswer:
		if s.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", protocol.ErrMalformed, s.Kind)
		}
	case kindCandidate:
		if s.Candidate == nil || s.Candidate.Candidate == "" {
			return fmt.Errorf("%w: empty candidate", protocol.ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown signal %q", protocol.ErrMalformed, s.Kind)
	}
	return nil
}
