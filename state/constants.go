package state

import "time"

const (
	// Broadcast is the destination address that reaches every node in radio range.
	Broadcast NodeId = 0

	KeySize   = 20
	MacSize   = 4
	NonceSize = 8
	HeaderLen = 8

	MaxPayloadLen = 100
	// DataGranularity is the unit the data region of a packet is rounded up to on the wire.
	DataGranularity = 8
	// MinDataLen guarantees at least one full cipher block for ciphertext stealing.
	MinDataLen = 16

	MaxDataLen  = (MaxPayloadLen + DataGranularity - 1) / DataGranularity * DataGranularity
	MaxFrameLen = HeaderLen + MaxDataLen + MacSize

	// AddressListSize is the number of hops an RREQ/RREP can record.
	AddressListSize = 10
)

const (
	ProtocolRouting         uint8 = 1
	ProtocolNetworkSecurity uint8 = 2
	// ProtocolApplication is the first protocol number available to applications.
	ProtocolApplication uint8 = 16
)

const (
	PriorityControl uint8 = iota
	PriorityData
)

var (
	// node directory
	MaxNodes       = 150
	NeighbourSlots = 40
	RouteSlots     = 110
	PairwiseFanout = 10
	QueueCapacity  = 20

	// replay protection
	SeqCeiling       = uint32(0xFFFF)
	SeqWarnThreshold = SeqCeiling - 0x400

	// routing
	TTLStart          = uint8(3)
	TTLThreshold      = uint8(10)
	MaxTTL            = uint8(15)
	DefaultTTL        = uint8(10)
	RREQThreshold     = 3
	RREQTimeoutBase   = time.Second * 5
	RREQTimeoutPerTTL = time.Second * 3
	RadioSendRetry    = 3
	// RREQDedupTTL bounds how long a forwarded RREQ origin is remembered.
	RREQDedupTTL = time.Second * 30

	// key exchange
	InitialKeySeq        = uint32(100)
	HelloInterval        = time.Second * 10
	HelloJitterSeconds   = 4
	KeyTransferDedupTTL  = time.Minute * 5
	// SeenHelloCapacity bounds the hello nonces remembered for replay detection.
	SeenHelloCapacity    = uint64(1024)
	KeepAliveInterval    = time.Second * 30
	MissedKeepAliveLimit = uint8(5)

	// attack detection
	StatusReportInterval     = time.Minute * 5
	MacErrorsPerNodeLimit    = 5
	MacErrorRatioSoft        = 0.2
	MacErrorRatioHard        = 0.5
	NodesWithErrorsLimitSoft = 5
	NodesWithErrorsLimitHard = 10

	// processing context
	WatchdogInterval     = time.Millisecond * 100
	WatchdogPendingTicks = 3
	WatchdogFatalTicks   = 50
	SlowDispatch         = time.Millisecond * 4
	DispatchBuffer       = 128
)
