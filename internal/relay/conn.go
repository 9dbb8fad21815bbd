// Package relay turns transport events into registry updates, simulated
// deliveries and outbound notifications.
//
// A [Coordinator] owns the registry and the table of active connections.
// Both are touched only from the goroutine running [Coordinator.Run]; every
// inbound event and every deferred delivery is posted onto that loop and
// runs to completion before the next one starts.
package relay

import "github.com/1ureka/netviz/internal/protocol"

// Conn is the server's view of one client connection.
//
// Emit must not block: implementations queue the event and write it from
// their own goroutine. A connection that cannot keep up may close itself.
type Conn interface {
	Emit(event string, payload any) error
	Origin() string
	Close() error
}

// Tap observes every transfer notification the coordinator broadcasts.
// Transfer is called on the relay loop and must not block.
type Tap interface {
	Transfer(t protocol.PacketTransferred)
}
