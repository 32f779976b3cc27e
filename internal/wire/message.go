package wire

// AuthContext carries the caller identity propagated with a RequestContext.
type AuthContext struct {
	UserID string
	Roles  []string
}

// RequestContext accompanies every Invoke.
type RequestContext struct {
	TraceID uint64
	SpanID  uint64
	Headers [][2]string // ordered, duplicates preserved
	Auth    *AuthContext
}

func (rc RequestContext) encode(e *encBuf) {
	e.u64(rc.TraceID)
	e.u64(rc.SpanID)
	e.kv(rc.Headers)
	if rc.Auth == nil {
		e.boolean(false)
		return
	}
	e.boolean(true)
	e.str(rc.Auth.UserID)
	e.strs(rc.Auth.Roles)
}

func decodeRequestContext(d *decBuf) RequestContext {
	var rc RequestContext
	rc.TraceID = d.u64()
	rc.SpanID = d.u64()
	rc.Headers = d.kv()
	if d.boolean() {
		rc.Auth = &AuthContext{UserID: d.str(), Roles: d.strs()}
	}
	return rc
}

// ExportMetadata describes one worker-registered function.
type ExportMetadata struct {
	Name         string
	IsAsync      bool
	IsStreaming  bool
	ParamsSchema string
	ReturnSchema string
	HasContext   bool
}

func (m ExportMetadata) encode(e *encBuf) {
	e.str(m.Name)
	e.boolean(m.IsAsync)
	e.boolean(m.IsStreaming)
	e.str(m.ParamsSchema)
	e.str(m.ReturnSchema)
	e.boolean(m.HasContext)
}

func decodeExportMetadata(d *decBuf) ExportMetadata {
	return ExportMetadata{
		Name:         d.str(),
		IsAsync:      d.boolean(),
		IsStreaming:  d.boolean(),
		ParamsSchema: d.str(),
		ReturnSchema: d.str(),
		HasContext:   d.boolean(),
	}
}

// --- message kind payloads ---

type Handshake struct {
	ProtocolVersion uint32
	Role            Role
	Capabilities    Capability
	MaxFrameSize    uint32
}

type HandshakeAck struct {
	ProtocolVersion       uint32
	NegotiatedCapabilities Capability
	ServerUUID            string
	ExportCount           uint32
}

type Shutdown struct{}
type ShutdownAck struct{}

type ListExports struct{}

type ListExportsResult struct {
	Exports []ExportMetadata
}

type Invoke struct {
	RequestID  uint64
	Function   string
	Params     []byte
	DeadlineMS uint32
	Context    RequestContext
}

type InvokeResult struct {
	RequestID  uint64
	Result     []byte
	DurationUS uint64
}

type InvokeError struct {
	RequestID uint64
	Code      uint16
	Kind      ErrorKind
	Message   string
	Details   []byte
}

type StreamStart struct {
	RequestID uint64
	Sequence  uint64
}

type StreamChunk struct {
	RequestID uint64
	Sequence  uint64
	Data      []byte
}

type StreamEnd struct {
	RequestID uint64
	Sequence  uint64
}

type StreamError struct {
	RequestID uint64
	Sequence  uint64
	Code      uint16
	Kind      ErrorKind
	Message   string
}

type StreamAck struct {
	RequestID uint64
	Sequence  uint64
	Window    uint32
}

type Cancel struct {
	RequestID uint64
}

type CancelAck struct {
	RequestID uint64
}

type LogEvent struct {
	Level   string
	Target  string
	Message string
	Fields  [][2]string
}

type HealthCheck struct{}

type HealthStatus struct {
	Healthy            bool
	TotalRequests      uint64
	SuccessfulRequests uint64
	FailedRequests     uint64
	TimeoutRequests    uint64
	CancelledRequests  uint64
	ActiveRequests     uint64
	UptimeMS           uint64
}
