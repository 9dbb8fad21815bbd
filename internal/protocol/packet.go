// Package protocol defines the named events and payloads exchanged between
// the relay server and its clients.
package protocol

import (
	"fmt"
	"time"
)

// Event names. Server→client events first, then client→server.
const (
	EventInitialize         = "initialize"
	EventClientConnected    = "client-connected"
	EventClientDisconnected = "client-disconnected"
	EventReceiveMessage     = "receive-message"
	EventMessageAck         = "message-ack"
	EventPacketTransferred  = "packet-transferred"
	EventStatsUpdate        = "stats-update"
	EventError              = "error"

	EventSendMessage = "send-message"
	EventGetStats    = "get-stats"
)

// Mode is the cosmetic delivery label attached to a message.
type Mode string

const (
	ModeTCP Mode = "tcp" // reliable: delayed, acknowledged, never lost
	ModeUDP Mode = "udp" // unreliable: shorter delay, may be lost, no ack
)

// Valid reports whether m is one of the two known modes.
func (m Mode) Valid() bool {
	return m == ModeTCP || m == ModeUDP
}

// Reasons carried by a failed PacketTransferred.
const (
	ReasonPacketLost     = "Packet lost"
	ReasonClientNotFound = "Client not found"
)

// PeerInfo is the public view of a connected client.
type PeerInfo struct {
	ID          int       `json:"id"`
	IP          string    `json:"ip"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Initialize is sent once to a newly connected client.
type Initialize struct {
	YourID          int        `json:"yourId"`
	ExistingClients []PeerInfo `json:"existingClients"`
}

// ReceiveMessage delivers a relayed message to its target.
type ReceiveMessage struct {
	From      int       `json:"from"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Protocol  Mode      `json:"protocol"`
}

// MessageAck acknowledges a tcp delivery back to the sender.
type MessageAck struct {
	TargetID          int       `json:"targetId"`
	Timestamp         time.Time `json:"timestamp"`
	OriginalTimestamp time.Time `json:"originalTimestamp"`
}

// PacketTransferred describes the outcome of one simulated transfer. It is
// broadcast to every client for visualization.
type PacketTransferred struct {
	From     int    `json:"from"`
	To       int    `json:"to"`
	Protocol Mode   `json:"protocol"`
	Size     int    `json:"size"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// ClientStats is one row of a stats-update.
type ClientStats struct {
	ID               int       `json:"id"`
	IP               string    `json:"ip"`
	ConnectedAt      time.Time `json:"connectedAt"`
	PacketsSent      int       `json:"packetsSent"`
	PacketsReceived  int       `json:"packetsReceived"`
	BytesTransferred int       `json:"bytesTransferred"`
}

// Error is a notification addressed to a single client.
type Error struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SendMessage is the client's request to relay a message.
type SendMessage struct {
	TargetID int    `json:"targetId"`
	Message  string `json:"message"`
	Protocol Mode   `json:"protocol"`
}

// Validate rejects requests the relay cannot act on.
func (m SendMessage) Validate() error {
	switch {
	case m.TargetID <= 0:
		return fmt.Errorf("%w: targetId must be a positive integer", ErrMalformed)
	case !m.Protocol.Valid():
		return fmt.Errorf("%w: protocol must be %q or %q", ErrMalformed, ModeTCP, ModeUDP)
	case m.Message == "":
		return fmt.Errorf("%w: message must not be empty", ErrMalformed)
	}
	return nil
}
