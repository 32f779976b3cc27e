// Package hostclient implements the host side of the bridge: it dials a
// supervisor's host-facing socket, negotiates capabilities, and exposes a
// blocking Invoke call with its own client-side request correlation table
// (spec.md §4.5), distinct from the supervisor's internal router.
package hostclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/splice-rpc/splice/internal/logging"
	"github.com/splice-rpc/splice/internal/wire"
)

// Config bounds a Client's connection and handshake behavior.
type Config struct {
	Address          string // unix socket path the supervisor listens on
	HandshakeTimeout time.Duration
	DefaultDeadline  time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 3 * time.Second
	}
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = 30 * time.Second
	}
	return c
}

type pendingCall struct {
	sink chan callOutcome
}

type callOutcome struct {
	result []byte
	err    *wire.RPCError
}

// pendingStream is the client-side counterpart to pendingCall for a
// streaming invocation: items carries StreamChunk/StreamEnd/StreamError
// until a terminal message closes it.
type pendingStream struct {
	items chan wire.Message
}

func (p *pendingStream) deliver(m wire.Message) {
	select {
	case p.items <- m:
	default:
	}
}

// Client is a single connection to a supervisor. It is safe for concurrent
// use by multiple goroutines calling Invoke; each gets its own request id.
type Client struct {
	cfg    Config
	logger *slog.Logger
	codec  *wire.Codec

	mu         sync.RWMutex
	conn       net.Conn
	exports    []wire.ExportMetadata
	serverUUID string
	connected  bool

	nextID  uint64
	pendMu  sync.Mutex
	pending map[uint64]*pendingCall

	streamMu sync.Mutex
	streams  map[uint64]*pendingStream

	listMu   sync.Mutex
	listSink chan wire.ListExportsResult

	out  chan wire.Message
	done chan struct{}
}

func New(cfg Config) *Client {
	return &Client{
		cfg:     cfg.withDefaults(),
		logger:  logging.L(),
		codec:   wire.NewCodec(wire.DefaultMaxFrameSize),
		pending: make(map[uint64]*pendingCall),
		streams: make(map[uint64]*pendingStream),
	}
}

// Connect dials the supervisor, negotiates the handshake and caches the
// export table, then starts the background reader/writer goroutines.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := net.Dial("unix", c.cfg.Address)
	if err != nil {
		return fmt.Errorf("hostclient: dial: %w", err)
	}
	return c.connectOverConn(ctx, conn)
}

// connectOverConn runs the handshake/export-fetch sequence over an
// already-established connection. Factored out so tests can exercise it
// over a net.Pipe instead of a real unix socket.
func (c *Client) connectOverConn(ctx context.Context, conn net.Conn) error {
	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	local := wire.Handshake{
		ProtocolVersion: wire.ProtocolVersion,
		Role:            wire.RoleHost,
		Capabilities:    wire.CapStreaming | wire.CapCancellation | wire.CapCompression,
		MaxFrameSize:    wire.DefaultMaxFrameSize,
	}
	if _, _, err := wire.Negotiate(hsCtx, conn, c.codec, local, 0); err != nil {
		_ = conn.Close()
		return fmt.Errorf("hostclient: handshake: %w", err)
	}
	f, err := c.codec.ReadFrame(conn)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("hostclient: read handshake_ack: %w", err)
	}
	m, err := wire.Decode(f)
	if err != nil {
		_ = conn.Close()
		return err
	}
	ack, ok := m.(wire.HandshakeAck)
	if !ok {
		_ = conn.Close()
		return fmt.Errorf("hostclient: expected handshake_ack, got %T", m)
	}

	c.mu.Lock()
	c.conn = conn
	c.serverUUID = ack.ServerUUID
	c.connected = true
	c.mu.Unlock()

	c.out = make(chan wire.Message, 256)
	c.done = make(chan struct{})

	go c.runWriter()
	go c.runReader()

	exports, err := c.ListExports(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.exports = exports
	c.mu.Unlock()
	return nil
}

func (c *Client) runWriter() {
	for {
		select {
		case m := <-c.out:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				continue
			}
			if err := c.codec.WriteFrame(conn, wire.Encode(m)); err != nil {
				c.logger.Error("hostclient_write_error", "error", err)
				c.disconnect(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) runReader() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	for {
		f, err := c.codec.ReadFrame(conn)
		if err != nil {
			c.disconnect(err)
			return
		}
		m, err := wire.Decode(f)
		if err != nil {
			c.logger.Warn("hostclient_decode_error", "error", err)
			continue
		}
		c.onMessage(m)
	}
}

func (c *Client) onMessage(m wire.Message) {
	switch v := m.(type) {
	case wire.InvokeResult:
		c.resolve(v.RequestID, callOutcome{result: v.Result})
	case wire.InvokeError:
		c.resolve(v.RequestID, callOutcome{err: &wire.RPCError{Code: v.Code, Kind: v.Kind, Message: v.Message, Details: v.Details}})
	case wire.StreamChunk:
		c.deliverStream(v.RequestID, v)
	case wire.StreamEnd:
		c.deliverStream(v.RequestID, v)
	case wire.StreamError:
		c.deliverStream(v.RequestID, v)
	case wire.LogEvent:
		c.logger.Info("supervisor_log", "level", v.Level, "target", v.Target, "message", v.Message)
	case wire.ListExportsResult:
		c.listMu.Lock()
		sink := c.listSink
		c.listMu.Unlock()
		if sink != nil {
			select {
			case sink <- v:
			default:
			}
		}
	}
}

func (c *Client) deliverStream(requestID uint64, m wire.Message) {
	c.streamMu.Lock()
	p := c.streams[requestID]
	c.streamMu.Unlock()
	if p != nil {
		p.deliver(m)
	}
}

func (c *Client) resolve(requestID uint64, o callOutcome) {
	c.pendMu.Lock()
	p := c.pending[requestID]
	delete(c.pending, requestID)
	c.pendMu.Unlock()
	if p == nil {
		return
	}
	p.sink <- o
}

// disconnect tears down the connection and fails every pending call with
// Unavailable, per spec.md §4.5's "disconnect resolves in-flight calls"
// semantics.
func (c *Client) disconnect(cause error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	select {
	case <-c.done:
	default:
		close(c.done)
	}

	c.pendMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.pendMu.Unlock()
	reason := "disconnected"
	if cause != nil && !errors.Is(cause, io.EOF) {
		reason = cause.Error()
	}
	for _, p := range pending {
		p.sink <- callOutcome{err: wire.ErrUnavailableRPC(reason)}
	}

	c.streamMu.Lock()
	streams := c.streams
	c.streams = make(map[uint64]*pendingStream)
	c.streamMu.Unlock()
	for id, p := range streams {
		p.deliver(wire.StreamError{RequestID: id, Code: wire.CodeUnavailable, Kind: wire.ErrorKindSystem, Message: reason})
	}
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) Exports() []wire.ExportMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]wire.ExportMetadata, len(c.exports))
	copy(out, c.exports)
	return out
}

// Invoke sends an Invoke frame and blocks for its InvokeResult/InvokeError,
// or for ctx cancellation, whichever comes first.
func (c *Client) Invoke(ctx context.Context, function string, params []byte, rc wire.RequestContext) ([]byte, *wire.RPCError) {
	if !c.IsConnected() {
		return nil, wire.ErrUnavailableRPC("not connected")
	}
	id := atomic.AddUint64(&c.nextID, 1)
	p := &pendingCall{sink: make(chan callOutcome, 1)}
	c.pendMu.Lock()
	c.pending[id] = p
	c.pendMu.Unlock()

	deadlineMS := uint32(0)
	if d, ok := ctx.Deadline(); ok {
		deadlineMS = uint32(time.Until(d).Milliseconds())
	}

	select {
	case c.out <- wire.Invoke{RequestID: id, Function: function, Params: params, DeadlineMS: deadlineMS, Context: rc}:
	case <-c.done:
		return nil, wire.ErrUnavailableRPC("not connected")
	}

	select {
	case o := <-p.sink:
		if o.err != nil {
			return nil, o.err
		}
		return o.result, nil
	case <-ctx.Done():
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
		select {
		case c.out <- wire.Cancel{RequestID: id}:
		default:
		}
		return nil, wire.ErrCancelledRPC()
	case <-c.done:
		return nil, wire.ErrUnavailableRPC("disconnected")
	}
}

// InvokeStream is the streaming counterpart to Invoke: it sends one Invoke
// frame and returns a channel of StreamChunk/StreamEnd/StreamError instead
// of a single result. The channel closes once a terminal message has been
// delivered or ctx is cancelled (in which case a synthetic StreamError is
// sent first and a best-effort Cancel goes out).
func (c *Client) InvokeStream(ctx context.Context, function string, params []byte, rc wire.RequestContext) (<-chan wire.Message, *wire.RPCError) {
	if !c.IsConnected() {
		return nil, wire.ErrUnavailableRPC("not connected")
	}
	id := atomic.AddUint64(&c.nextID, 1)
	p := &pendingStream{items: make(chan wire.Message, 64)}
	c.streamMu.Lock()
	c.streams[id] = p
	c.streamMu.Unlock()

	deadlineMS := uint32(0)
	if d, ok := ctx.Deadline(); ok {
		deadlineMS = uint32(time.Until(d).Milliseconds())
	}

	release := func() {
		c.streamMu.Lock()
		delete(c.streams, id)
		c.streamMu.Unlock()
	}

	select {
	case c.out <- wire.Invoke{RequestID: id, Function: function, Params: params, DeadlineMS: deadlineMS, Context: rc}:
	case <-c.done:
		release()
		return nil, wire.ErrUnavailableRPC("not connected")
	}

	out := make(chan wire.Message, 64)
	go func() {
		defer close(out)
		defer release()
		for {
			select {
			case m := <-p.items:
				out <- m
				switch m.(type) {
				case wire.StreamEnd, wire.StreamError:
					return
				}
			case <-ctx.Done():
				out <- wire.StreamError{RequestID: id, Code: wire.CodeCancelled, Kind: wire.ErrorKindClient, Message: "cancelled"}
				select {
				case c.out <- wire.Cancel{RequestID: id}:
				default:
				}
				return
			case <-c.done:
				out <- wire.StreamError{RequestID: id, Code: wire.CodeUnavailable, Kind: wire.ErrorKindSystem, Message: "disconnected"}
				return
			}
		}
	}()
	return out, nil
}

// ListExports requests the current export table directly (bypassing the
// cache populated at Connect time). Only one ListExports call may be
// in-flight at a time per Client; Connect relies on that to fetch the
// initial cache before any user call is possible.
func (c *Client) ListExports(ctx context.Context) ([]wire.ExportMetadata, error) {
	sink := make(chan wire.ListExportsResult, 1)
	c.listMu.Lock()
	c.listSink = sink
	c.listMu.Unlock()
	defer func() {
		c.listMu.Lock()
		c.listSink = nil
		c.listMu.Unlock()
	}()

	select {
	case c.out <- wire.ListExports{}:
	case <-c.done:
		return nil, fmt.Errorf("hostclient: not connected")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-sink:
		return res.Exports, nil
	case <-c.done:
		return nil, fmt.Errorf("hostclient: disconnected")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the connection and fails outstanding calls; it does not
// send a Shutdown message.
func (c *Client) Close() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil
	}
	c.disconnect(nil)
	return conn.Close()
}
