// Package packet builds and parses the UDP test frames sent and received by
// the commands. Every frame carries a 32-bit sequence number at the start
// of its UDP payload.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	headerLength   = 14 + 20 + 8
	sequenceLength = 4
	// MinimumSize is the smallest frame, excluding FCS, that carries a
	// sequence number.
	MinimumSize = headerLength + sequenceLength
	// udpChecksumOffset is where the UDP checksum lives in a frame without
	// IP options.
	udpChecksumOffset = 14 + 20 + 6
)

var ErrNotUDP = errors.New("not an IPv4 UDP frame")

// UDPSettings describe the frames of one flow.
type UDPSettings struct {
	SourceMAC       net.HardwareAddr
	DestinationMAC  net.HardwareAddr
	SourceIP        net.IP
	DestinationIP   net.IP
	SourcePort      uint16
	DestinationPort uint16
	// Size is the frame size excluding FCS. It's raised to MinimumSize.
	Size int
}

// UDP writes frames of one flow that only differ in their sequence number.
type UDP struct {
	template []byte
}

// NewUDP serializes the frame template. The UDP checksum is left zero,
// which IPv4 receivers treat as absent, so sequence numbers can be
// patched in without recomputing it.
func NewUDP(s UDPSettings) (*UDP, error) {
	src, dst := s.SourceIP.To4(), s.DestinationIP.To4()
	if src == nil || dst == nil {
		return nil, fmt.Errorf("IPv4 addresses required, got %v -> %v", s.SourceIP, s.DestinationIP)
	}
	eth := &layers.Ethernet{
		SrcMAC:       s.SourceMAC,
		DstMAC:       s.DestinationMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src,
		DstIP:    dst,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(s.SourcePort),
		DstPort: layers.UDPPort(s.DestinationPort),
	}
	payload := make([]byte, max(s.Size, MinimumSize)-headerLength)

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, udp, gopacket.Payload(payload),
	); err != nil {
		return nil, fmt.Errorf("serializing UDP frame: %w", err)
	}
	t := buf.Bytes()
	t[udpChecksumOffset], t[udpChecksumOffset+1] = 0, 0
	return &UDP{template: t}, nil
}

// Size is the length of every frame.
func (u *UDP) Size() int { return len(u.template) }

// Write writes the frame with sequence number seq into buf and returns its
// length. buf must hold at least Size bytes.
func (u *UDP) Write(buf []byte, seq uint32) (int, error) {
	if len(buf) < len(u.template) {
		return 0, fmt.Errorf("frame of %d bytes doesn't fit into %d", len(u.template), len(buf))
	}
	n := copy(buf, u.template)
	binary.BigEndian.PutUint32(buf[headerLength:], seq)
	return n, nil
}

// Parser decodes frames written by UDP. It keeps decoding state and is not
// safe for concurrent use.
type Parser struct {
	eth     layers.Ethernet
	ip      layers.IPv4
	udp     layers.UDP
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func NewParser() *Parser {
	p := &Parser{decoded: make([]gopacket.LayerType, 0, 4)}
	p.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet, &p.eth, &p.ip, &p.udp, &p.payload,
	)
	p.parser.IgnoreUnsupported = true
	return p
}

// Sequence returns the sequence number and destination port of frame.
func (p *Parser) Sequence(frame []byte) (seq uint32, dstPort uint16, err error) {
	if err := p.parser.DecodeLayers(frame, &p.decoded); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrNotUDP, err)
	}
	var haveUDP bool
	for _, t := range p.decoded {
		if t == layers.LayerTypeUDP {
			haveUDP = true
		}
	}
	if !haveUDP || len(p.udp.Payload) < sequenceLength {
		return 0, 0, ErrNotUDP
	}
	return binary.BigEndian.Uint32(p.udp.Payload), uint16(p.udp.DstPort), nil
}
