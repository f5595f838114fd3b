package state

import (
	"encoding/binary"
	"fmt"
)

// MessageType is the tag stored in data[0] of control packets.
type MessageType uint8

const (
	MsgHello MessageType = iota + 1
	MsgAck
	MsgKeyRequest
	MsgKeyTransfer
	MsgKeepAlive
	MsgSecurityStatus
	MsgSecurityRefresh

	MsgRouteRequest MessageType = 31
	MsgRouteReply   MessageType = 32
	MsgRouteError   MessageType = 33
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgAck:
		return "ACK"
	case MsgKeyRequest:
		return "KEY_REQUEST"
	case MsgKeyTransfer:
		return "KEY_TRANSFER"
	case MsgKeepAlive:
		return "KEEP_ALIVE"
	case MsgSecurityStatus:
		return "SECURITY_STATUS"
	case MsgSecurityRefresh:
		return "SECURITY_REFRESH"
	case MsgRouteRequest:
		return "RREQ"
	case MsgRouteReply:
		return "RREP"
	case MsgRouteError:
		return "RERR"
	}
	return fmt.Sprintf("msg(%d)", uint8(t))
}

type Message interface {
	Type() MessageType
	MarshalBinary() ([]byte, error)
}

func expect(b []byte, t MessageType, n int) error {
	if len(b) < n {
		return fmt.Errorf("%s needs %d bytes, got %d: %w", t, n, len(b), ErrMalformed)
	}
	if MessageType(b[0]) != t {
		return fmt.Errorf("expected %s, got %s: %w", t, MessageType(b[0]), ErrMalformed)
	}
	return nil
}

type Hello struct {
	IsBaseStation bool
	Nonce         [NonceSize]byte
}

const HelloLen = 2 + NonceSize

func (Hello) Type() MessageType { return MsgHello }

func (m Hello) MarshalBinary() ([]byte, error) {
	b := make([]byte, HelloLen)
	b[0] = uint8(MsgHello)
	if m.IsBaseStation {
		b[1] = 1
	}
	copy(b[2:], m.Nonce[:])
	return b, nil
}

func (m *Hello) UnmarshalBinary(b []byte) error {
	if err := expect(b, MsgHello, HelloLen); err != nil {
		return err
	}
	m.IsBaseStation = b[1] != 0
	copy(m.Nonce[:], b[2:])
	return nil
}

// Ack answers a Hello. HelloSeq echoes the sequence number of the Hello packet.
type Ack struct {
	HelloSeq uint16
	KeySeq   uint32
	Nonce    [NonceSize]byte
}

const ackLen = 1 + 2 + 4 + NonceSize

func (Ack) Type() MessageType { return MsgAck }

func (m Ack) MarshalBinary() ([]byte, error) {
	b := make([]byte, ackLen)
	b[0] = uint8(MsgAck)
	binary.BigEndian.PutUint16(b[1:3], m.HelloSeq)
	binary.BigEndian.PutUint32(b[3:7], m.KeySeq)
	copy(b[7:], m.Nonce[:])
	return b, nil
}

func (m *Ack) UnmarshalBinary(b []byte) error {
	if err := expect(b, MsgAck, ackLen); err != nil {
		return err
	}
	m.HelloSeq = binary.BigEndian.Uint16(b[1:3])
	m.KeySeq = binary.BigEndian.Uint32(b[3:7])
	copy(m.Nonce[:], b[7:])
	return nil
}

// marshalKeySeq encodes messages whose only field is a global key sequence number.
func marshalKeySeq(t MessageType, seq uint32) []byte {
	b := make([]byte, 5)
	b[0] = uint8(t)
	binary.BigEndian.PutUint32(b[1:], seq)
	return b
}

type KeyRequest struct {
	KeySeq uint32
}

func (KeyRequest) Type() MessageType { return MsgKeyRequest }

func (m KeyRequest) MarshalBinary() ([]byte, error) {
	return marshalKeySeq(MsgKeyRequest, m.KeySeq), nil
}

func (m *KeyRequest) UnmarshalBinary(b []byte) error {
	if err := expect(b, MsgKeyRequest, 5); err != nil {
		return err
	}
	m.KeySeq = binary.BigEndian.Uint32(b[1:5])
	return nil
}

type KeepAlive struct {
	KeySeq uint32
}

func (KeepAlive) Type() MessageType { return MsgKeepAlive }

func (m KeepAlive) MarshalBinary() ([]byte, error) {
	return marshalKeySeq(MsgKeepAlive, m.KeySeq), nil
}

func (m *KeepAlive) UnmarshalBinary(b []byte) error {
	if err := expect(b, MsgKeepAlive, 5); err != nil {
		return err
	}
	m.KeySeq = binary.BigEndian.Uint32(b[1:5])
	return nil
}

type KeyTransfer struct {
	KeySeq uint32
	Key    Key
}

const keyTransferLen = 1 + 4 + KeySize

func (KeyTransfer) Type() MessageType { return MsgKeyTransfer }

func (m KeyTransfer) MarshalBinary() ([]byte, error) {
	b := make([]byte, keyTransferLen)
	b[0] = uint8(MsgKeyTransfer)
	binary.BigEndian.PutUint32(b[1:5], m.KeySeq)
	copy(b[5:], m.Key[:])
	return b, nil
}

func (m *KeyTransfer) UnmarshalBinary(b []byte) error {
	if err := expect(b, MsgKeyTransfer, keyTransferLen); err != nil {
		return err
	}
	m.KeySeq = binary.BigEndian.Uint32(b[1:5])
	copy(m.Key[:], b[5:])
	return nil
}

// SecurityStatus is the periodic report a node sends to the base station.
type SecurityStatus struct {
	WrongMACs       uint16
	Received        uint16
	OverflowWarning bool
	NodesWithErrors uint8
	Neighbours      uint8
}

const securityStatusLen = 8

func (SecurityStatus) Type() MessageType { return MsgSecurityStatus }

func (m SecurityStatus) MarshalBinary() ([]byte, error) {
	b := make([]byte, securityStatusLen)
	b[0] = uint8(MsgSecurityStatus)
	binary.BigEndian.PutUint16(b[1:3], m.WrongMACs)
	binary.BigEndian.PutUint16(b[3:5], m.Received)
	if m.OverflowWarning {
		b[5] = 1
	}
	b[6] = m.NodesWithErrors
	b[7] = m.Neighbours
	return b, nil
}

func (m *SecurityStatus) UnmarshalBinary(b []byte) error {
	if err := expect(b, MsgSecurityStatus, securityStatusLen); err != nil {
		return err
	}
	m.WrongMACs = binary.BigEndian.Uint16(b[1:3])
	m.Received = binary.BigEndian.Uint16(b[3:5])
	m.OverflowWarning = b[5] != 0
	m.NodesWithErrors = b[6]
	m.Neighbours = b[7]
	return nil
}

// ErrorRatio is the share of received packets that failed authentication.
func (m SecurityStatus) ErrorRatio() float64 {
	total := int(m.Received) + int(m.WrongMACs)
	if total == 0 {
		return 0
	}
	return float64(m.WrongMACs) / float64(total)
}

// SecurityRefresh tells every node which key exchange mode and refresh interval the base
// station switched to.
type SecurityRefresh struct {
	KeyExchangeMode SecurityMode
	Interval        KeyRefreshInterval
}

func (SecurityRefresh) Type() MessageType { return MsgSecurityRefresh }

func (m SecurityRefresh) MarshalBinary() ([]byte, error) {
	return []byte{uint8(MsgSecurityRefresh), uint8(m.KeyExchangeMode), uint8(m.Interval)}, nil
}

func (m *SecurityRefresh) UnmarshalBinary(b []byte) error {
	if err := expect(b, MsgSecurityRefresh, 3); err != nil {
		return err
	}
	m.KeyExchangeMode = SecurityMode(b[1] & flagModeMask)
	m.Interval = KeyRefreshInterval(b[2])
	if !m.Interval.Valid() {
		return fmt.Errorf("refresh interval %d: %w", b[2], ErrMalformed)
	}
	return nil
}

// RouteRequest and RouteReply share a layout: the addresses list records the path taken.
type RouteRequest struct {
	Source      NodeId
	Destination NodeId
	Addresses   []NodeId
}

type RouteReply RouteRequest

const routeMsgLen = 4 + AddressListSize

func marshalRoute(t MessageType, m RouteRequest) ([]byte, error) {
	if len(m.Addresses) > AddressListSize {
		return nil, fmt.Errorf("%d addresses: %w", len(m.Addresses), ErrTooLong)
	}
	b := make([]byte, routeMsgLen)
	b[0] = uint8(t)
	b[1] = uint8(len(m.Addresses))
	b[2] = uint8(m.Source)
	b[3] = uint8(m.Destination)
	for i, a := range m.Addresses {
		b[4+i] = uint8(a)
	}
	return b, nil
}

func unmarshalRoute(t MessageType, b []byte) (RouteRequest, error) {
	if err := expect(b, t, routeMsgLen); err != nil {
		return RouteRequest{}, err
	}
	n := int(b[1])
	if n > AddressListSize {
		return RouteRequest{}, fmt.Errorf("%s with %d addresses: %w", t, n, ErrMalformed)
	}
	m := RouteRequest{
		Source:      NodeId(b[2]),
		Destination: NodeId(b[3]),
		Addresses:   make([]NodeId, n),
	}
	for i := range n {
		m.Addresses[i] = NodeId(b[4+i])
	}
	return m, nil
}

func (RouteRequest) Type() MessageType { return MsgRouteRequest }

func (m RouteRequest) MarshalBinary() ([]byte, error) {
	return marshalRoute(MsgRouteRequest, m)
}

func (m *RouteRequest) UnmarshalBinary(b []byte) error {
	r, err := unmarshalRoute(MsgRouteRequest, b)
	*m = r
	return err
}

func (RouteReply) Type() MessageType { return MsgRouteReply }

func (m RouteReply) MarshalBinary() ([]byte, error) {
	return marshalRoute(MsgRouteReply, RouteRequest(m))
}

func (m *RouteReply) UnmarshalBinary(b []byte) error {
	r, err := unmarshalRoute(MsgRouteReply, b)
	*m = RouteReply(r)
	return err
}

type RouteErrorType uint8

const (
	RouteErrorNodeUnreachable RouteErrorType = 1
)

// RouteError reports that Reporter could not deliver to Destination via NextHop.
type RouteError struct {
	ErrorType   RouteErrorType
	Reporter    NodeId
	NextHop     NodeId
	Destination NodeId
}

const routeErrorLen = 5

func (RouteError) Type() MessageType { return MsgRouteError }

func (m RouteError) MarshalBinary() ([]byte, error) {
	return []byte{uint8(MsgRouteError), uint8(m.ErrorType), uint8(m.Reporter), uint8(m.NextHop), uint8(m.Destination)}, nil
}

func (m *RouteError) UnmarshalBinary(b []byte) error {
	if err := expect(b, MsgRouteError, routeErrorLen); err != nil {
		return err
	}
	m.ErrorType = RouteErrorType(b[1])
	m.Reporter = NodeId(b[2])
	m.NextHop = NodeId(b[3])
	m.Destination = NodeId(b[4])
	return nil
}
