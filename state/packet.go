package state

import (
	"encoding/binary"
	"fmt"
)

// NodeId is the one byte mesh address of a node. 0 is reserved for Broadcast.
type NodeId uint8

func (n NodeId) String() string {
	if n == Broadcast {
		return "*"
	}
	return fmt.Sprintf("%d", uint8(n))
}

type SecurityMode uint8

const (
	SecurityNone SecurityMode = iota
	SecurityMAC
	SecurityMACWithInitialKey
	SecurityEncrypt
	SecurityEncryptAndMAC
	SecurityEncryptAndMACPriorKey
	SecurityEncryptAndMACPairwise
	SecurityEncryptAndMACPairwiseBroadcast
)

var securityModeNames = [...]string{
	"none",
	"mac",
	"mac-initial-key",
	"encrypt",
	"encrypt-mac",
	"encrypt-mac-prior-key",
	"encrypt-mac-pairwise",
	"encrypt-mac-pairwise-broadcast",
}

func (m SecurityMode) String() string {
	if int(m) < len(securityModeNames) {
		return securityModeNames[m]
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

func (m SecurityMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *SecurityMode) UnmarshalText(text []byte) error {
	for i, name := range securityModeNames {
		if name == string(text) {
			*m = SecurityMode(i)
			return nil
		}
	}
	return fmt.Errorf("unknown security mode %q", string(text))
}

func (m SecurityMode) Encrypts() bool {
	return m >= SecurityEncrypt
}

func (m SecurityMode) Authenticates() bool {
	return m != SecurityNone && m != SecurityEncrypt
}

func (m SecurityMode) Pairwise() bool {
	return m == SecurityEncryptAndMACPairwise || m == SecurityEncryptAndMACPairwiseBroadcast
}

const (
	flagModeMask = 0x07
	flagPeek     = 0x08
	flagSaltBits = 4
)

// SecurePacket is the unit carried over the radio. Data holds payload_len bytes of payload,
// padded with zeros up to DataLen(PayloadLen).
type SecurePacket struct {
	TTL         uint8
	Source      NodeId
	Destination NodeId
	Protocol    uint8
	PayloadLen  uint8
	Flags       uint8
	Seq         uint16
	Data        [MaxDataLen]byte
	Mac         [MacSize]byte
}

// NewPacket builds a packet carrying a copy of payload.
func NewPacket(src, dst NodeId, protocol uint8, ttl uint8, mode SecurityMode, peek bool, payload []byte) (*SecurePacket, error) {
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("%d bytes: %w", len(payload), ErrTooLong)
	}
	p := &SecurePacket{
		TTL:         ttl,
		Source:      src,
		Destination: dst,
		Protocol:    protocol,
		PayloadLen:  uint8(len(payload)),
	}
	p.SetMode(mode)
	p.SetPeek(peek)
	copy(p.Data[:], payload)
	return p, nil
}

func (p *SecurePacket) Mode() SecurityMode {
	return SecurityMode(p.Flags & flagModeMask)
}

func (p *SecurePacket) SetMode(m SecurityMode) {
	p.Flags = p.Flags&^flagModeMask | uint8(m)&flagModeMask
}

func (p *SecurePacket) Peek() bool {
	return p.Flags&flagPeek != 0
}

func (p *SecurePacket) SetPeek(peek bool) {
	if peek {
		p.Flags |= flagPeek
	} else {
		p.Flags &^= flagPeek
	}
}

func (p *SecurePacket) Salt() uint8 {
	return p.Flags >> flagSaltBits
}

func (p *SecurePacket) SetSalt(salt uint8) {
	p.Flags = p.Flags&0x0F | salt<<flagSaltBits
}

func (p *SecurePacket) Payload() []byte {
	return p.Data[:p.PayloadLen]
}

// Body is the data region covered by encryption and authentication.
func (p *SecurePacket) Body() []byte {
	return p.Data[:DataLen(int(p.PayloadLen))]
}

func (p *SecurePacket) IsBroadcast() bool {
	return p.Destination == Broadcast
}

func (p *SecurePacket) Clone() *SecurePacket {
	c := *p
	return &c
}

// MessageType returns the control message tag stored in the first payload byte.
func (p *SecurePacket) MessageType() MessageType {
	if p.PayloadLen == 0 {
		return 0
	}
	return MessageType(p.Data[0])
}

func (p *SecurePacket) String() string {
	return fmt.Sprintf("pkt(%s->%s ttl=%d proto=%d len=%d mode=%s seq=%d)",
		p.Source, p.Destination, p.TTL, p.Protocol, p.PayloadLen, p.Mode(), p.Seq)
}

// DataLen is the number of data bytes a payload of n bytes occupies on the wire.
func DataLen(n int) int {
	n = max(n, MinDataLen)
	return (n + DataGranularity - 1) / DataGranularity * DataGranularity
}

func (p *SecurePacket) putHeader(b []byte) {
	b[0] = p.TTL
	b[1] = uint8(p.Source)
	b[2] = uint8(p.Destination)
	b[3] = p.Protocol
	b[4] = p.PayloadLen
	b[5] = p.Flags
	binary.BigEndian.PutUint16(b[6:8], p.Seq)
}

// AuthenticatedBytes is the input of the message authentication code: the physical
// source followed by the header and the data region.
func (p *SecurePacket) AuthenticatedBytes(phySrc NodeId) []byte {
	body := p.Body()
	b := make([]byte, 1+HeaderLen+len(body))
	b[0] = uint8(phySrc)
	p.putHeader(b[1:])
	copy(b[1+HeaderLen:], body)
	return b
}

func (p *SecurePacket) MarshalBinary() ([]byte, error) {
	if p.PayloadLen > MaxPayloadLen {
		return nil, ErrTooLong
	}
	body := p.Body()
	b := make([]byte, HeaderLen+len(body)+MacSize)
	p.putHeader(b)
	copy(b[HeaderLen:], body)
	copy(b[HeaderLen+len(body):], p.Mac[:])
	return b, nil
}

func (p *SecurePacket) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderLen+MacSize {
		return fmt.Errorf("frame of %d bytes: %w", len(b), ErrMalformed)
	}
	payloadLen := int(b[4])
	if payloadLen > MaxPayloadLen {
		return fmt.Errorf("payload_len %d: %w", payloadLen, ErrTooLong)
	}
	dl := DataLen(payloadLen)
	if len(b) != HeaderLen+dl+MacSize {
		return fmt.Errorf("frame of %d bytes, expected %d: %w", len(b), HeaderLen+dl+MacSize, ErrMalformed)
	}
	*p = SecurePacket{
		TTL:         b[0],
		Source:      NodeId(b[1]),
		Destination: NodeId(b[2]),
		Protocol:    b[3],
		PayloadLen:  b[4],
		Flags:       b[5],
		Seq:         binary.BigEndian.Uint16(b[6:8]),
	}
	copy(p.Data[:dl], b[HeaderLen:HeaderLen+dl])
	copy(p.Mac[:], b[HeaderLen+dl:])
	return nil
}
