// Package wire implements Splice's length-prefixed binary framing and the
// closed tagged-sum message set shared by the host, supervisor and worker.
package wire

// Kind discriminates the frame payload. The set is closed: decoders reject
// unknown tags rather than attempt to subtype or extend them.
type Kind uint8

const (
	KindHandshake         Kind = 0x01
	KindHandshakeAck      Kind = 0x02
	KindShutdown          Kind = 0x03
	KindShutdownAck       Kind = 0x04
	KindListExports       Kind = 0x10
	KindListExportsResult Kind = 0x11
	KindInvoke            Kind = 0x20
	KindInvokeResult      Kind = 0x21
	KindInvokeError       Kind = 0x22
	KindStreamStart       Kind = 0x30
	KindStreamChunk       Kind = 0x31
	KindStreamEnd         Kind = 0x32
	KindStreamError       Kind = 0x33
	KindStreamAck         Kind = 0x34
	KindCancel            Kind = 0x40
	KindCancelAck         Kind = 0x41
	KindLogEvent          Kind = 0x50
	KindHealthCheck       Kind = 0x60
	KindHealthStatus      Kind = 0x61
)

// knownKinds bounds the closed tagged sum; Decode rejects anything else.
var knownKinds = map[Kind]bool{
	KindHandshake: true, KindHandshakeAck: true,
	KindShutdown: true, KindShutdownAck: true,
	KindListExports: true, KindListExportsResult: true,
	KindInvoke: true, KindInvokeResult: true, KindInvokeError: true,
	KindStreamStart: true, KindStreamChunk: true, KindStreamEnd: true,
	KindStreamError: true, KindStreamAck: true,
	KindCancel: true, KindCancelAck: true,
	KindLogEvent:    true,
	KindHealthCheck: true, KindHealthStatus: true,
}

func (k Kind) Valid() bool { return knownKinds[k] }

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "Handshake"
	case KindHandshakeAck:
		return "HandshakeAck"
	case KindShutdown:
		return "Shutdown"
	case KindShutdownAck:
		return "ShutdownAck"
	case KindListExports:
		return "ListExports"
	case KindListExportsResult:
		return "ListExportsResult"
	case KindInvoke:
		return "Invoke"
	case KindInvokeResult:
		return "InvokeResult"
	case KindInvokeError:
		return "InvokeError"
	case KindStreamStart:
		return "StreamStart"
	case KindStreamChunk:
		return "StreamChunk"
	case KindStreamEnd:
		return "StreamEnd"
	case KindStreamError:
		return "StreamError"
	case KindStreamAck:
		return "StreamAck"
	case KindCancel:
		return "Cancel"
	case KindCancelAck:
		return "CancelAck"
	case KindLogEvent:
		return "LogEvent"
	case KindHealthCheck:
		return "HealthCheck"
	case KindHealthStatus:
		return "HealthStatus"
	default:
		return "Unknown"
	}
}

// Role identifies which end of a connection sent a Handshake.
type Role uint8

const (
	RoleHost Role = iota + 1
	RoleWorker
	RoleSupervisor
)

// Capability bits negotiated bitwise-AND during handshake.
type Capability uint32

const (
	CapStreaming    Capability = 1 << 0
	CapCancellation Capability = 1 << 1
	CapCompression  Capability = 1 << 2
)

// ProtocolVersion is the single major/minor pair sent in every Handshake.
const ProtocolVersion uint32 = 1

// DefaultMaxFrameSize is the frame-size ceiling used when a side does not
// negotiate a smaller one, per spec ("default 100 MiB").
const DefaultMaxFrameSize uint32 = 100 << 20

// WorkerSocketEnv is the environment variable the supervisor sets when it
// spawns a worker process, naming the local stream socket the worker should
// dial back on.
const WorkerSocketEnv = "SPLICE_WORKER_SOCKET"
