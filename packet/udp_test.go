package packet

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings(size int) UDPSettings {
	return UDPSettings{
		SourceMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
		DestinationMAC:  net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02},
		SourceIP:        net.IPv4(192, 168, 0, 1),
		DestinationIP:   net.IPv4(192, 168, 0, 2),
		SourcePort:      40000,
		DestinationPort: 9000,
		Size:            size,
	}
}

func TestUDPWrite(t *testing.T) {
	u, err := NewUDP(testSettings(128))
	require.NoError(t, err)
	require.Equal(t, 128, u.Size())

	buf := make([]byte, 2048)
	n, err := u.Write(buf, 0xCAFE)
	require.NoError(t, err)
	require.Equal(t, 128, n)

	p := gopacket.NewPacket(buf[:n], layers.LayerTypeEthernet, gopacket.Default)
	require.Nil(t, p.ErrorLayer())
	ip := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	assert.Equal(t, "192.168.0.2", ip.DstIP.String())
	assert.Equal(t, uint16(128-14), ip.Length)
	udp := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	assert.Equal(t, layers.UDPPort(9000), udp.DstPort)
	assert.Zero(t, udp.Checksum)

	seq, port, err := NewParser().Sequence(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCAFE), seq)
	assert.Equal(t, uint16(9000), port)
}

func TestUDPMinimumSize(t *testing.T) {
	u, err := NewUDP(testSettings(10))
	require.NoError(t, err)
	assert.Equal(t, MinimumSize, u.Size())

	_, err = u.Write(make([]byte, MinimumSize-1), 1)
	require.Error(t, err)
}

func TestUDPRequiresIPv4(t *testing.T) {
	s := testSettings(64)
	s.DestinationIP = net.ParseIP("2001:db8::1")
	_, err := NewUDP(s)
	require.Error(t, err)
}

func TestParserRejectsOtherFrames(t *testing.T) {
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeARP,
		},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   []byte{2, 0, 0, 0, 0, 1},
			SourceProtAddress: []byte{10, 0, 0, 1},
			DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
			DstProtAddress:    []byte{10, 0, 0, 2},
		},
	))
	p := NewParser()
	_, _, err := p.Sequence(buf.Bytes())
	require.ErrorIs(t, err, ErrNotUDP)

	_, _, err = p.Sequence([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrNotUDP)
}
