// Package signaling negotiates a WebRTC DataChannel over a WebSocket. The
// client always offers; the relay server always answers. Once the channel
// is open the WebSocket is no longer needed and callers receive a ready
// [transport.Transport].
package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/netviz/internal/transport"
	"github.com/1ureka/netviz/internal/util"
)

// negotiationTimeout bounds the wait for the DataChannel to open.
const negotiationTimeout = 30 * time.Second

// Answer runs the relay side on an already upgraded WebSocket. The caller
// owns ws and closes it afterwards; the returned Transport lives until ctx
// is cancelled or the channel closes.
func Answer(ctx context.Context, ws *websocket.Conn, iceServers []string) (*transport.Transport, error) {
	return negotiate(ctx, answerer, ws, iceServers)
}

// Offer dials the relay's signaling endpoint, e.g. ws://host:3001/rtc, and
// runs the client side. The WebSocket is closed once the channel is open.
func Offer(ctx context.Context, url string, iceServers []string) (*transport.Transport, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling endpoint: %w", err)
	}
	defer ws.Close()
	return negotiate(ctx, offerer, ws, iceServers)
}

// negotiate creates a Transport and plays role r until its DataChannel
// opens, signaling fails, or the negotiation times out.
func negotiate(ctx context.Context, r role, ws *websocket.Conn, iceServers []string) (*transport.Transport, error) {
	start := time.Now()
	origin := ws.RemoteAddr().String()

	tr, err := transport.NewTransport(ctx, iceServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create Transport: %w", err)
	}
	tr.SetOrigin(origin)

	n := newNegotiator(r, tr, ws)
	errCh := make(chan error, 1)
	go func() {
		errCh <- n.run() // ends when ws is closed
	}()

	if r == offerer {
		if err := n.describe(); err != nil {
			tr.Close()
			return nil, fmt.Errorf("failed to send offer: %w", err)
		}
	}

	if err := waitReady(ctx, tr, errCh); err != nil {
		tr.Close()
		util.LogDebug("%s: negotiation with %s failed after %s: %v", r, origin, time.Since(start).Round(time.Millisecond), err)
		return nil, err
	}
	util.LogDebug("%s: DataChannel with %s open after %s", r, origin, time.Since(start).Round(time.Millisecond))
	return tr, nil
}

// waitReady blocks until the DataChannel opens, signaling fails, or the
// negotiation times out.
func waitReady(ctx context.Context, tr *transport.Transport, errCh <-chan error) error {
	timer := time.NewTimer(negotiationTimeout)
	defer timer.Stop()

	select {
	case <-tr.Ready():
		return nil

	case err := <-errCh:
		// The peer may close the WebSocket right after the channel opened.
		select {
		case <-tr.Ready():
			return nil
		default:
			return fmt.Errorf("signaling failed: %w", err)
		}

	case <-timer.C:
		return fmt.Errorf("signaling timed out after %s", negotiationTimeout)

	case <-ctx.Done():
		return ctx.Err()
	}
}
