package client

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/netviz/internal/protocol"
)

func TestPacketDetailsTCP(t *testing.T) {
	p := Packet{ID: "x1", Kind: PacketData, Protocol: protocol.ModeTCP, From: 1, To: 2, Size: 2, Content: "hi"}
	d := PacketDetails(p)

	require.Equal(t, "192.168.1.1", d.SrcIP.String())
	require.Equal(t, "192.168.1.2", d.DstIP.String())
	require.EqualValues(t, 49152+37, d.SrcPort)
	require.EqualValues(t, 49152+74, d.DstPort)
	require.Equal(t, "PSH, ACK", d.Flags)
	require.EqualValues(t, 64240, d.Window)
	require.Zero(t, d.Length)

	// Derived values are stable per packet.
	require.Equal(t, d, PacketDetails(p))

	ack := PacketDetails(Packet{ID: "x2", Kind: PacketAck, Protocol: protocol.ModeTCP, From: 2, To: 1})
	require.Equal(t, "ACK", ack.Flags)
}

func TestPacketDetailsUDP(t *testing.T) {
	d := PacketDetails(Packet{ID: "u", Kind: PacketData, Protocol: protocol.ModeUDP, From: 3, To: 1, Size: 50})
	require.Equal(t, 58, d.Length)
	require.Empty(t, d.Flags)
	require.Zero(t, d.Seq)

	rows := d.Lines()
	require.Equal(t, [2]string{"Protocol", "UDP"}, rows[0])
	require.Equal(t, "Checksum", rows[len(rows)-1][0])
}

func TestPeerAddressing(t *testing.T) {
	require.Equal(t, net.IPv4(192, 168, 1, 255).To4(), PeerIP(255))
	require.Equal(t, net.IPv4(192, 168, 2, 0).To4(), PeerIP(256))
	for id := 1; id < 2000; id++ {
		port := PeerPort(id)
		require.GreaterOrEqual(t, port, uint16(49152))
	}
}

func TestWritePcap(t *testing.T) {
	packets := []Packet{
		{ID: "b", Kind: PacketAck, Protocol: protocol.ModeTCP, From: 2, To: 1, Content: "ACK", Timestamp: t0},
		{ID: "a", Kind: PacketData, Protocol: protocol.ModeUDP, From: 1, To: 2, Size: 5, Content: "hello", Timestamp: t0},
	}

	var buf bytes.Buffer
	require.NoError(t, WritePcap(&buf, packets))

	r, err := pcapgo.NewReader(&buf)
	require.NoError(t, err)
	require.Equal(t, layers.LinkTypeRaw, r.LinkType())

	// Oldest first: the udp data packet, then the tcp ack.
	data, _, err := r.ReadPacketData()
	require.NoError(t, err)
	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	require.EqualValues(t, PeerPort(1), udp.SrcPort)
	require.Equal(t, []byte("hello"), udp.Payload)

	data, _, err = r.ReadPacketData()
	require.NoError(t, err)
	pkt = gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok)
	require.True(t, tcp.ACK)
	require.False(t, tcp.PSH)
	require.Equal(t, PacketDetails(packets[0]).Seq, tcp.Seq)
	ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.Equal(t, "192.168.1.2", ip.SrcIP.String())
}

func TestWritePcapRejectsUnknownProtocol(t *testing.T) {
	var buf bytes.Buffer
	err := WritePcap(&buf, []Packet{{ID: "z", Protocol: "sctp"}})
	require.ErrorIs(t, err, protocol.ErrMalformed)
}
