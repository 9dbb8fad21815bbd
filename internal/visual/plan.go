package visual

import (
	"math"
	"time"

	"github.com/1ureka/netviz/internal/protocol"
)

// Animation timings.
const (
	UDPDuration = 800 * time.Millisecond
	TCPDuration = 1200 * time.Millisecond
	AckDelay    = 300 * time.Millisecond // after the data packet arrives
)

// Marker colors.
const (
	ColorTCP  = "#3498db"
	ColorUDP  = "#2ecc71"
	ColorAck  = "#f1c40f"
	ColorFail = "#e74c3c"
)

// Animation is one marker moving between two nodes.
type Animation struct {
	From, To int
	Start    Point
	End      Point // where the marker stops
	Protocol protocol.Mode
	Ack      bool
	Local    bool // drawn on send, before the relay confirms
	Failed   bool
	Reason   string
	Size     int
	Radius   float64
	Color    string
	Duration time.Duration
}

// Plan describes how a transfer is animated on layout. Failed transfers
// stop halfway and end in a failure marker instead of reaching the
// destination. Both endpoints must be in the layout.
func Plan(t protocol.PacketTransferred, ack bool, layout Layout) Animation {
	a := Animation{
		From:     t.From,
		To:       t.To,
		Start:    layout.Pos[t.From],
		End:      layout.Pos[t.To],
		Protocol: t.Protocol,
		Ack:      ack,
		Failed:   !t.Success,
		Reason:   t.Error,
		Size:     t.Size,
		Radius:   10 + math.Min(8, float64(t.Size)/50),
		Duration: TCPDuration,
		Color:    ColorTCP,
	}

	switch {
	case a.Failed:
		a.Color = ColorFail
	case ack:
		a.Color = ColorAck
	case t.Protocol == protocol.ModeUDP:
		a.Color = ColorUDP
	}
	if t.Protocol == protocol.ModeUDP {
		a.Duration = UDPDuration
	}
	if a.Failed {
		a.End = a.Start.Lerp(a.End, 0.5)
	}
	return a
}

// NeedsAck reports whether a triggers a reverse acknowledgment animation.
func (a Animation) NeedsAck() bool {
	return !a.Failed && !a.Ack && a.Protocol == protocol.ModeTCP
}
