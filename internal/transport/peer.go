package transport

import (
	"github.com/pion/webrtc/v4"
)

// dataChannelLabel names the single relay channel.
const dataChannelLabel = "netviz"

// newPeerConnection creates a PeerConnection using the given STUN/TURN URLs.
// An empty list is fine on a LAN, where host candidates suffice.
func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated, ordered DataChannel on the given
// PeerConnection. Negotiated mode (ID 0) lets both sides create the channel
// independently without relying on OnDataChannel. Events must arrive in the
// order they were emitted, so unlike a tunnel the channel stays ordered.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
