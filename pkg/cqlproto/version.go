package cqlproto

import "fmt"

// Version identifies a native-protocol version. The driver negotiates the
// highest version both sides support, downgrading on protocol errors.
type Version byte

const (
	Version1 Version = 0x01
	Version2 Version = 0x02
	Version3 Version = 0x03
	Version4 Version = 0x04

	// MinVersion and MaxVersion bound the negotiation range.
	MinVersion = Version1
	MaxVersion = Version4

	directionMask = 0x80
	versionMask   = 0x7F
)

// MaxFrameSize is the largest frame body the server may legally send.
const MaxFrameSize = 256 * 1024 * 1024

const defaultBufSize = 4096

// HeaderSize returns the size in bytes of a frame header for this version.
// v1/v2 use a 1-byte stream id, v3/v4 a 2-byte one.
func (v Version) HeaderSize() int {
	if v.Version() > Version2 {
		return 9
	}
	return 8
}

// MaxStreams returns the number of non-negative stream ids for this version.
// Server-push events use negative ids, which are not counted.
func (v Version) MaxStreams() int {
	if v.Version() > Version2 {
		return 32768
	}
	return 128
}

// EventStream returns -1, the stream id that carries server-push events.
// IsEventStream accepts any negative id, for every protocol version.
func (v Version) EventStream() int {
	return -1
}

func (v Version) IsEventStream(stream int) bool {
	return stream < 0
}

func (v Version) IsRequest() bool  { return v&directionMask == 0 }
func (v Version) IsResponse() bool { return v&directionMask == directionMask }

// Version strips the direction bit.
func (v Version) Version() Version {
	return v & versionMask
}

func (v Version) IsSupported() bool {
	return v.Version() >= MinVersion && v.Version() <= MaxVersion
}

func (v Version) String() string {
	dir := "request"
	if v.IsResponse() {
		dir = "response"
	}
	return fmt.Sprintf("v%d/%s", byte(v.Version()), dir)
}

// Opcode identifies the operation carried by a frame.
type Opcode byte

const (
	OpError         Opcode = 0x00
	OpStartup       Opcode = 0x01
	OpReady         Opcode = 0x02
	OpAuthenticate  Opcode = 0x03
	OpOptions       Opcode = 0x05
	OpSupported     Opcode = 0x06
	OpQuery         Opcode = 0x07
	OpResult        Opcode = 0x08
	OpPrepare       Opcode = 0x09
	OpExecute       Opcode = 0x0A
	OpRegister      Opcode = 0x0B
	OpEvent         Opcode = 0x0C
	OpBatch         Opcode = 0x0D
	OpAuthChallenge Opcode = 0x0E
	OpAuthResponse  Opcode = 0x0F
	OpAuthSuccess   Opcode = 0x10
)

func (op Opcode) String() string {
	switch op {
	case OpError:
		return "ERROR"
	case OpStartup:
		return "STARTUP"
	case OpReady:
		return "READY"
	case OpAuthenticate:
		return "AUTHENTICATE"
	case OpOptions:
		return "OPTIONS"
	case OpSupported:
		return "SUPPORTED"
	case OpQuery:
		return "QUERY"
	case OpResult:
		return "RESULT"
	case OpPrepare:
		return "PREPARE"
	case OpExecute:
		return "EXECUTE"
	case OpRegister:
		return "REGISTER"
	case OpEvent:
		return "EVENT"
	case OpBatch:
		return "BATCH"
	case OpAuthChallenge:
		return "AUTH_CHALLENGE"
	case OpAuthResponse:
		return "AUTH_RESPONSE"
	case OpAuthSuccess:
		return "AUTH_SUCCESS"
	default:
		return fmt.Sprintf("UNKNOWN_OP_0x%x", byte(op))
	}
}

// Frame header flags.
const (
	FlagCompress      byte = 0x01
	FlagTracing       byte = 0x02
	FlagCustomPayload byte = 0x04
	FlagWarning       byte = 0x08
)

// Query parameter flags.
const (
	flagValues                byte = 0x01
	flagSkipMetadata          byte = 0x02
	flagPageSize              byte = 0x04
	flagWithPagingState       byte = 0x08
	flagWithSerialConsistency byte = 0x10
	flagDefaultTimestamp      byte = 0x20
	flagWithNameValues        byte = 0x40
)

// Result metadata flags.
const (
	flagGlobalTableSpec int = 0x01
	flagHasMorePages    int = 0x02
	flagNoMetadata      int = 0x04
)

// Result kinds.
const (
	resultKindVoid          = 1
	resultKindRows          = 2
	resultKindSetKeyspace   = 3
	resultKindPrepared      = 4
	resultKindSchemaChanged = 5
)

// Event class names sent in REGISTER and returned in EVENT frames.
const (
	EventTopologyChange = "TOPOLOGY_CHANGE"
	EventStatusChange   = "STATUS_CHANGE"
	EventSchemaChange   = "SCHEMA_CHANGE"
)
