// Package workerrt is the worker-side counterpart to internal/supervisor: it
// connects back to the supervisor's worker socket, negotiates the
// handshake, and dispatches Invoke frames to statically registered
// functions (spec.md §4.4).
package workerrt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/splice-rpc/splice/internal/wire"
)

// Handler is the type-erased interface the Runtime dispatches against. Use
// Register to build one from a typed function.
type Handler interface {
	Name() string
	Metadata() wire.ExportMetadata
	Invoke(ctx context.Context, params []byte) ([]byte, *wire.RPCError)
}

// typedHandler adapts a generic fn(context.Context, In) (Out, error) into a
// Handler, marshaling params/result as JSON — the teacher's codebase has no
// precedent for an RPC payload codec, so this is the one ambient choice
// grounded in the broader example pack's use of encoding/json for wire
// payloads rather than the teacher itself (see DESIGN.md).
type typedHandler[In, Out any] struct {
	name string
	fn   func(context.Context, In) (Out, error)
}

// Register builds a Handler for fn under name. In and Out must be
// JSON-marshalable; a zero In is valid for no-argument functions.
func Register[In, Out any](name string, fn func(context.Context, In) (Out, error)) Handler {
	return typedHandler[In, Out]{name: name, fn: fn}
}

func (h typedHandler[In, Out]) Name() string { return h.name }

func (h typedHandler[In, Out]) Metadata() wire.ExportMetadata {
	return wire.ExportMetadata{
		Name:         h.name,
		IsAsync:      true,
		IsStreaming:  false,
		ParamsSchema: fmt.Sprintf("%T", *new(In)),
		ReturnSchema: fmt.Sprintf("%T", *new(Out)),
		HasContext:   true,
	}
}

func (h typedHandler[In, Out]) Invoke(ctx context.Context, params []byte) (result []byte, rpcErr *wire.RPCError) {
	defer func() {
		if r := recover(); r != nil {
			rpcErr = wire.NewRPCError(wire.CodePanic, wire.ErrorKindExecution, fmt.Sprintf("panic: %v", r))
		}
	}()

	var in In
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, wire.ErrInvalidParamsRPC(err)
		}
	}

	out, err := h.fn(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return nil, wire.ErrCancelledRPC()
		}
		return nil, wire.NewRPCError(wire.CodeExecutionFailed, wire.ErrorKindExecution, err.Error())
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, wire.NewRPCError(wire.CodeExecutionFailed, wire.ErrorKindExecution, fmt.Sprintf("encode result: %v", err))
	}
	return encoded, nil
}

// StreamHandler is the type-erased interface for a streaming export
// (ExportMetadata.IsStreaming == true). Unlike Handler.Invoke, which
// returns one result, InvokeStream calls emit once per chunk and returns
// once the underlying generator is done (or errors) -- the runtime turns
// that into StreamChunk*/StreamEnd or StreamError frames on the RPC's
// dedicated data stream (SPEC_FULL.md §4.8).
type StreamHandler interface {
	Name() string
	Metadata() wire.ExportMetadata
	InvokeStream(ctx context.Context, params []byte, emit func([]byte) error) *wire.RPCError
}

type typedStreamHandler[In, Out any] struct {
	name string
	fn   func(context.Context, In, func(Out) error) error
}

// RegisterStream builds a StreamHandler for fn, a generator that calls emit
// once per item it produces. In and Out must be JSON-marshalable.
func RegisterStream[In, Out any](name string, fn func(context.Context, In, func(Out) error) error) StreamHandler {
	return typedStreamHandler[In, Out]{name: name, fn: fn}
}

func (h typedStreamHandler[In, Out]) Name() string { return h.name }

func (h typedStreamHandler[In, Out]) Metadata() wire.ExportMetadata {
	return wire.ExportMetadata{
		Name:         h.name,
		IsAsync:      true,
		IsStreaming:  true,
		ParamsSchema: fmt.Sprintf("%T", *new(In)),
		ReturnSchema: fmt.Sprintf("%T", *new(Out)),
		HasContext:   true,
	}
}

func (h typedStreamHandler[In, Out]) InvokeStream(ctx context.Context, params []byte, emit func([]byte) error) (rpcErr *wire.RPCError) {
	defer func() {
		if r := recover(); r != nil {
			rpcErr = wire.NewRPCError(wire.CodePanic, wire.ErrorKindExecution, fmt.Sprintf("panic: %v", r))
		}
	}()

	var in In
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return wire.ErrInvalidParamsRPC(err)
		}
	}

	err := h.fn(ctx, in, func(item Out) error {
		encoded, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode chunk: %w", err)
		}
		return emit(encoded)
	})
	if err != nil {
		if ctx.Err() != nil {
			return wire.ErrCancelledRPC()
		}
		return wire.NewRPCError(wire.CodeExecutionFailed, wire.ErrorKindExecution, err.Error())
	}
	return nil
}

// Registry is a name -> Handler/StreamHandler lookup built up via Add calls
// before Runtime.Run starts. Unary and streaming exports share one
// namespace; a name registered as one cannot also be registered as the
// other (Add and AddStream panic on such a name).
type Registry struct {
	handlers       map[string]Handler
	streamHandlers map[string]StreamHandler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers:       make(map[string]Handler),
		streamHandlers: make(map[string]StreamHandler),
	}
}

// Add registers a unary export built with Register. It panics if the name
// is already registered as a streaming export.
func (r *Registry) Add(h Handler) *Registry {
	if _, dup := r.streamHandlers[h.Name()]; dup {
		panic(fmt.Sprintf("workerrt: %q already registered as a streaming export", h.Name()))
	}
	r.handlers[h.Name()] = h
	return r
}

// AddStream registers a streaming export built with RegisterStream. It
// panics if the name is already registered as a unary export.
func (r *Registry) AddStream(h StreamHandler) *Registry {
	if _, dup := r.handlers[h.Name()]; dup {
		panic(fmt.Sprintf("workerrt: %q already registered as a unary export", h.Name()))
	}
	r.streamHandlers[h.Name()] = h
	return r
}

func (r *Registry) lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) lookupStream(name string) (StreamHandler, bool) {
	h, ok := r.streamHandlers[name]
	return h, ok
}

func (r *Registry) exportMetadata() []wire.ExportMetadata {
	out := make([]wire.ExportMetadata, 0, len(r.handlers)+len(r.streamHandlers))
	for _, h := range r.handlers {
		out = append(out, h.Metadata())
	}
	for _, h := range r.streamHandlers {
		out = append(out, h.Metadata())
	}
	return out
}
