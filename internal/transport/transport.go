// Package transport carries relay events between server and clients, over
// either a WebSocket or a WebRTC DataChannel.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/netviz/internal/protocol"
	"github.com/1ureka/netviz/internal/util"
)

// ErrSlowConsumer is returned by Emit when the peer does not drain its
// outbound queue fast enough. The connection is closed when it happens.
var ErrSlowConsumer = errors.New("outbound queue full")

// inboxSize is the number of undelivered inbound frames buffered per
// DataChannel.
const inboxSize = 64

// Transport wraps a single PeerConnection + DataChannel pair. It exposes the
// signaling surface needed to negotiate the connection and, once open, the
// same Emit / ReadFrame surface as [WSConn].
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time. The PeerConnection state is recorded but does not
// drive open/close decisions.
type Transport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}
	inbox      chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
	origin  string
}

// NewTransport creates a Transport backed by a new PeerConnection and a
// pre-negotiated DataChannel. The caller performs signaling via the exposed
// methods (CreateOffer / CreateAnswer / …) and then uses Emit / ReadFrame.
func NewTransport(ctx context.Context, iceServers []string) (*Transport, error) {
	pc, err := newPeerConnection(iceServers)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		inbox:      make(chan []byte, inboxSize),
		ctx:        tCtx,
		cancel:     tCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(t.openSignal) })
	})

	// DC close → cancel transport context.
	dc.OnClose(func() {
		util.LogDebug("DataChannel closed")
		tCancel()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		frame := make([]byte, len(msg.Data))
		copy(frame, msg.Data)
		select {
		case t.inbox <- frame:
		case <-tCtx.Done():
		}
	})

	// Record PC state (informational only).
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed {
			tCancel()
		}
	})

	// Start the sender goroutine.
	t.sender = newSender(tCtx, dc, t.openSignal)

	return t, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open.
func (t *Transport) Ready() <-chan struct{} {
	return t.openSignal
}

// Done returns a channel that is closed when the Transport is shut down
// (DataChannel closed or parent context cancelled).
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = errors.Join(t.dc.Close(), t.pc.Close())
	})
	return err
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (t *Transport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (t *Transport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// SetOrigin records the network origin reported by Origin. The signaling
// connection's remote address is the natural choice.
func (t *Transport) SetOrigin(origin string) {
	t.mu.Lock()
	t.origin = origin
	t.mu.Unlock()
}

// Origin implements relay.Conn.
func (t *Transport) Origin() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.origin
}

// Emit encodes and queues an event without blocking. A full queue shuts the
// transport down in the background and returns ErrSlowConsumer.
func (t *Transport) Emit(event string, payload any) error {
	select {
	case <-t.ctx.Done():
		return net.ErrClosed
	default:
	}

	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	if !t.sender.send(frame) {
		// Closing the PeerConnection can take a while; the caller must not wait.
		t.cancel()
		go t.Close()
		return ErrSlowConsumer
	}
	return nil
}

// ReadFrame blocks until the next inbound frame arrives. It returns io.EOF
// once the transport is closed.
func (t *Transport) ReadFrame() ([]byte, error) {
	select {
	case frame := <-t.inbox:
		return frame, nil
	case <-t.ctx.Done():
		return nil, io.EOF
	}
}
