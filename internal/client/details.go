package client

import (
	"fmt"
	"net"

	"github.com/1ureka/netviz/internal/protocol"
	"github.com/1ureka/netviz/internal/util"
)

// Simulated header constants.
const (
	tcpWindow      = 64240
	udpHeaderLen   = 8
	ephemeralBase  = 49152
	ephemeralRange = 16383
)

// Details is the simulated transport header shown for a packet. The values
// are derived from the packet and stay the same every time it is viewed.
type Details struct {
	SrcIP    net.IP
	DstIP    net.IP
	SrcPort  uint16
	DstPort  uint16
	Protocol protocol.Mode
	Size     int

	// tcp only
	Seq    uint32
	Ack    uint32
	Flags  string
	Window uint16

	// udp only
	Length int

	Checksum uint16
}

// PacketDetails derives the header view of p.
func PacketDetails(p Packet) Details {
	d := Details{
		SrcIP:    PeerIP(p.From),
		DstIP:    PeerIP(p.To),
		SrcPort:  PeerPort(p.From),
		DstPort:  PeerPort(p.To),
		Protocol: p.Protocol,
		Size:     p.Size,
		Checksum: uint16(util.Hash32(p.ID, "checksum")),
	}

	switch p.Protocol {
	case protocol.ModeTCP:
		d.Seq = util.Hash32(p.ID, "seq")
		d.Ack = util.Hash32(p.ID, "ack")
		d.Window = tcpWindow
		d.Flags = "PSH, ACK"
		if p.Kind == PacketAck {
			d.Flags = "ACK"
		}
	case protocol.ModeUDP:
		d.Length = udpHeaderLen + p.Size
	}
	return d
}

// PeerIP is the simulated private address of client id.
func PeerIP(id int) net.IP {
	return net.IPv4(192, 168, byte(1+id/256), byte(id%256)).To4()
}

// PeerPort is the simulated ephemeral port of client id.
func PeerPort(id int) uint16 {
	return uint16(ephemeralBase + (id*37)%ephemeralRange)
}

// Lines renders the details as label/value rows.
func (d Details) Lines() [][2]string {
	rows := [][2]string{
		{"Protocol", upper(d.Protocol)},
		{"Source", fmt.Sprintf("%s:%d", d.SrcIP, d.SrcPort)},
		{"Destination", fmt.Sprintf("%s:%d", d.DstIP, d.DstPort)},
		{"Payload", fmt.Sprintf("%d bytes", d.Size)},
	}
	switch d.Protocol {
	case protocol.ModeTCP:
		rows = append(rows,
			[2]string{"Sequence", fmt.Sprint(d.Seq)},
			[2]string{"Acknowledgment", fmt.Sprint(d.Ack)},
			[2]string{"Flags", d.Flags},
			[2]string{"Window", fmt.Sprint(d.Window)},
		)
	case protocol.ModeUDP:
		rows = append(rows, [2]string{"Length", fmt.Sprint(d.Length)})
	}
	return append(rows, [2]string{"Checksum", fmt.Sprintf("0x%04x", d.Checksum)})
}
