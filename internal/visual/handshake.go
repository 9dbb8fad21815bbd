package visual

import "time"

// HandshakeStep is one stage of the TCP three-way handshake panel shown
// next to the diagram.
type HandshakeStep struct {
	Name  string
	Right bool          // client to server when true
	At    time.Duration // offset from the start of a cycle
}

// HandshakeSteps light up one after another, then the panel resets and the
// cycle repeats after HandshakePause.
var HandshakeSteps = []HandshakeStep{
	{Name: "SYN", Right: true, At: 500 * time.Millisecond},
	{Name: "SYN-ACK", Right: false, At: 1500 * time.Millisecond},
	{Name: "ACK", Right: true, At: 2500 * time.Millisecond},
}

const (
	HandshakeDelay = 1 * time.Second // first cycle after connecting
	HandshakeReset = 5 * time.Second
	HandshakePause = 2 * time.Second
)

// Sample animations played locally when the diagram changes.
const (
	sampleDelay    = 500 * time.Millisecond
	sampleUDPAfter = 1200 * time.Millisecond
	sampleFailAt   = 1500 * time.Millisecond
)
