package wire

import "fmt"

// Message is implemented by every payload type so callers can pass a single
// value to Encode without a type switch at the call site.
type Message interface {
	kind() Kind
}

func (Handshake) kind() Kind         { return KindHandshake }
func (HandshakeAck) kind() Kind      { return KindHandshakeAck }
func (Shutdown) kind() Kind          { return KindShutdown }
func (ShutdownAck) kind() Kind       { return KindShutdownAck }
func (ListExports) kind() Kind       { return KindListExports }
func (ListExportsResult) kind() Kind { return KindListExportsResult }
func (Invoke) kind() Kind            { return KindInvoke }
func (InvokeResult) kind() Kind      { return KindInvokeResult }
func (InvokeError) kind() Kind       { return KindInvokeError }
func (StreamStart) kind() Kind       { return KindStreamStart }
func (StreamChunk) kind() Kind       { return KindStreamChunk }
func (StreamEnd) kind() Kind         { return KindStreamEnd }
func (StreamError) kind() Kind       { return KindStreamError }
func (StreamAck) kind() Kind         { return KindStreamAck }
func (Cancel) kind() Kind            { return KindCancel }
func (CancelAck) kind() Kind         { return KindCancelAck }
func (LogEvent) kind() Kind          { return KindLogEvent }
func (HealthCheck) kind() Kind       { return KindHealthCheck }
func (HealthStatus) kind() Kind      { return KindHealthStatus }

// Encode serializes m into a Frame ready for Codec.WriteFrame.
func Encode(m Message) Frame {
	e := newEncBuf()
	switch v := m.(type) {
	case Handshake:
		e.u32(v.ProtocolVersion)
		e.u8(uint8(v.Role))
		e.u32(uint32(v.Capabilities))
		e.u32(v.MaxFrameSize)
	case HandshakeAck:
		e.u32(v.ProtocolVersion)
		e.u32(uint32(v.NegotiatedCapabilities))
		e.str(v.ServerUUID)
		e.u32(v.ExportCount)
	case Shutdown:
	case ShutdownAck:
	case ListExports:
	case ListExportsResult:
		e.u32(uint32(len(v.Exports)))
		for _, x := range v.Exports {
			x.encode(e)
		}
	case Invoke:
		e.u64(v.RequestID)
		e.str(v.Function)
		e.bytesField(v.Params)
		e.u32(v.DeadlineMS)
		v.Context.encode(e)
	case InvokeResult:
		e.u64(v.RequestID)
		e.bytesField(v.Result)
		e.u64(v.DurationUS)
	case InvokeError:
		e.u64(v.RequestID)
		e.u16(v.Code)
		e.u8(uint8(v.Kind))
		e.str(v.Message)
		e.bytesField(v.Details)
	case StreamStart:
		e.u64(v.RequestID)
		e.u64(v.Sequence)
	case StreamChunk:
		e.u64(v.RequestID)
		e.u64(v.Sequence)
		e.bytesField(v.Data)
	case StreamEnd:
		e.u64(v.RequestID)
		e.u64(v.Sequence)
	case StreamError:
		e.u64(v.RequestID)
		e.u64(v.Sequence)
		e.u16(v.Code)
		e.u8(uint8(v.Kind))
		e.str(v.Message)
	case StreamAck:
		e.u64(v.RequestID)
		e.u64(v.Sequence)
		e.u32(v.Window)
	case Cancel:
		e.u64(v.RequestID)
	case CancelAck:
		e.u64(v.RequestID)
	case LogEvent:
		e.str(v.Level)
		e.str(v.Target)
		e.str(v.Message)
		e.kv(v.Fields)
	case HealthCheck:
	case HealthStatus:
		e.boolean(v.Healthy)
		e.u64(v.TotalRequests)
		e.u64(v.SuccessfulRequests)
		e.u64(v.FailedRequests)
		e.u64(v.TimeoutRequests)
		e.u64(v.CancelledRequests)
		e.u64(v.ActiveRequests)
		e.u64(v.UptimeMS)
	default:
		panic(fmt.Sprintf("wire: unhandled message type %T", m))
	}
	return Frame{Kind: m.kind(), Payload: e.Bytes()}
}

// Decode parses a Frame's payload into the message type implied by its
// Kind. The returned value's concrete type matches the corresponding
// payload struct (e.g. KindInvoke -> Invoke).
func Decode(f Frame) (Message, error) {
	d := newDecBuf(f.Payload)
	var m Message
	switch f.Kind {
	case KindHandshake:
		var v Handshake
		v.ProtocolVersion = d.u32()
		v.Role = Role(d.u8())
		v.Capabilities = Capability(d.u32())
		v.MaxFrameSize = d.u32()
		m = v
	case KindHandshakeAck:
		var v HandshakeAck
		v.ProtocolVersion = d.u32()
		v.NegotiatedCapabilities = Capability(d.u32())
		v.ServerUUID = d.str()
		v.ExportCount = d.u32()
		m = v
	case KindShutdown:
		m = Shutdown{}
	case KindShutdownAck:
		m = ShutdownAck{}
	case KindListExports:
		m = ListExports{}
	case KindListExportsResult:
		var v ListExportsResult
		n := d.u32()
		v.Exports = make([]ExportMetadata, 0, n)
		for i := uint32(0); i < n && d.err == nil; i++ {
			v.Exports = append(v.Exports, decodeExportMetadata(d))
		}
		m = v
	case KindInvoke:
		var v Invoke
		v.RequestID = d.u64()
		v.Function = d.str()
		v.Params = d.bytesField()
		v.DeadlineMS = d.u32()
		v.Context = decodeRequestContext(d)
		m = v
	case KindInvokeResult:
		var v InvokeResult
		v.RequestID = d.u64()
		v.Result = d.bytesField()
		v.DurationUS = d.u64()
		m = v
	case KindInvokeError:
		var v InvokeError
		v.RequestID = d.u64()
		v.Code = d.u16()
		v.Kind = ErrorKind(d.u8())
		v.Message = d.str()
		v.Details = d.bytesField()
		m = v
	case KindStreamStart:
		var v StreamStart
		v.RequestID = d.u64()
		v.Sequence = d.u64()
		m = v
	case KindStreamChunk:
		var v StreamChunk
		v.RequestID = d.u64()
		v.Sequence = d.u64()
		v.Data = d.bytesField()
		m = v
	case KindStreamEnd:
		var v StreamEnd
		v.RequestID = d.u64()
		v.Sequence = d.u64()
		m = v
	case KindStreamError:
		var v StreamError
		v.RequestID = d.u64()
		v.Sequence = d.u64()
		v.Code = d.u16()
		v.Kind = ErrorKind(d.u8())
		v.Message = d.str()
		m = v
	case KindStreamAck:
		var v StreamAck
		v.RequestID = d.u64()
		v.Sequence = d.u64()
		v.Window = d.u32()
		m = v
	case KindCancel:
		var v Cancel
		v.RequestID = d.u64()
		m = v
	case KindCancelAck:
		var v CancelAck
		v.RequestID = d.u64()
		m = v
	case KindLogEvent:
		var v LogEvent
		v.Level = d.str()
		v.Target = d.str()
		v.Message = d.str()
		v.Fields = d.kv()
		m = v
	case KindHealthCheck:
		m = HealthCheck{}
	case KindHealthStatus:
		var v HealthStatus
		v.Healthy = d.boolean()
		v.TotalRequests = d.u64()
		v.SuccessfulRequests = d.u64()
		v.FailedRequests = d.u64()
		v.TimeoutRequests = d.u64()
		v.CancelledRequests = d.u64()
		v.ActiveRequests = d.u64()
		v.UptimeMS = d.u64()
		m = v
	default:
		return nil, fmt.Errorf("%w: unhandled kind %s", ErrInvalidFrame, f.Kind)
	}
	if err := d.done(); err != nil {
		return nil, err
	}
	return m, nil
}
