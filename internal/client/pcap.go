package client

import (
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/1ureka/netviz/internal/protocol"
)

// pcapSnapLen is the capture length written in the file header.
const pcapSnapLen = 65535

// WritePcap writes packets as raw IPv4 frames in pcap format, oldest first.
// Headers carry the same simulated addresses, ports and sequence numbers
// as [PacketDetails].
func WritePcap(w io.Writer, packets []Packet) error {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(pcapSnapLen, layers.LinkTypeRaw); err != nil {
		return fmt.Errorf("failed to write pcap header: %w", err)
	}

	for i := len(packets) - 1; i >= 0; i-- {
		frame, err := encodeFrame(packets[i])
		if err != nil {
			return fmt.Errorf("failed to encode packet %s: %w", packets[i].ID, err)
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     packets[i].Timestamp,
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		if err := pw.WritePacket(ci, frame); err != nil {
			return fmt.Errorf("failed to write packet %s: %w", packets[i].ID, err)
		}
	}
	return nil
}

// encodeFrame serializes p as IPv4 + TCP or UDP + payload.
func encodeFrame(p Packet) ([]byte, error) {
	d := PacketDetails(p)
	ip := &layers.IPv4{
		Version: 4,
		IHL:     5,
		TTL:     64,
		SrcIP:   d.SrcIP,
		DstIP:   d.DstIP,
	}

	var l4 gopacket.SerializableLayer
	switch p.Protocol {
	case protocol.ModeTCP:
		ip.Protocol = layers.IPProtocolTCP
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(d.SrcPort),
			DstPort: layers.TCPPort(d.DstPort),
			Seq:     d.Seq,
			Ack:     d.Ack,
			ACK:     true,
			PSH:     p.Kind == PacketData,
			Window:  d.Window,
		}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		l4 = tcp
	case protocol.ModeUDP:
		ip.Protocol = layers.IPProtocolUDP
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(d.SrcPort),
			DstPort: layers.UDPPort(d.DstPort),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		l4 = udp
	default:
		return nil, fmt.Errorf("%w: unknown protocol %q", protocol.ErrMalformed, p.Protocol)
	}

	var payload []byte
	if p.Kind == PacketData {
		payload = []byte(p.Content)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, l4, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
