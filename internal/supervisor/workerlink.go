package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/splice-rpc/splice/internal/metrics"
	"github.com/splice-rpc/splice/internal/muxstream"
	"github.com/splice-rpc/splice/internal/wire"
)

// defaultWriterQueueSize bounds the single-producer (router) / single-consumer
// (writer goroutine) queue feeding the worker connection. It must comfortably
// exceed the router's default concurrency cap so Send never blocks under
// normal load, mirroring the teacher's hub.Client.Out sizing.
const defaultWriterQueueSize = 2048

// workerLink implements router.WorkerLink over the control stream of a
// worker connection's smux session (SPEC_FULL.md §4.8). It owns the only
// writer of that stream; the supervisor's reader goroutine is the only
// reader. Both run independently of the router, mirroring the teacher's
// server.startReader/startWriter split.
type workerLink struct {
	conn    io.ReadWriteCloser // the control stream, not the raw connection
	session *muxstream.Session // the smux session the control stream lives on
	codec   *wire.Codec
	logger  *slog.Logger

	out    chan wire.Message
	closed chan struct{}
	once   sync.Once

	writeErrMu sync.Mutex
	writeErr   error
}

func newWorkerLink(control io.ReadWriteCloser, session *muxstream.Session, codec *wire.Codec, logger *slog.Logger) *workerLink {
	return &workerLink{
		conn:    control,
		session: session,
		codec:   codec,
		logger:  logger,
		out:     make(chan wire.Message, defaultWriterQueueSize),
		closed:  make(chan struct{}),
	}
}

// openDataStream opens a fresh smux stream for one streaming RPC's chunks,
// per SPEC_FULL.md §4.8 (every streaming invocation gets its own stream
// rather than interleaving with control-plane traffic).
func (w *workerLink) openDataStream() (io.ReadWriteCloser, error) {
	return w.session.OpenDataStream()
}

// acceptDataStream blocks for the worker's next streaming-RPC data stream.
func (w *workerLink) acceptDataStream() (io.ReadWriteCloser, error) {
	return w.session.AcceptDataStream()
}

// Send implements router.WorkerLink. It blocks only as long as the queue is
// saturated (which the sizing above makes pathological), and returns an
// error once the link has been torn down.
func (w *workerLink) Send(m wire.Message) error {
	select {
	case <-w.closed:
		return fmt.Errorf("%w: worker link closed", ErrConnWrite)
	default:
	}
	select {
	case w.out <- m:
		return nil
	case <-w.closed:
		return fmt.Errorf("%w: worker link closed", ErrConnWrite)
	}
}

func (w *workerLink) close() {
	w.once.Do(func() {
		close(w.closed)
		_ = w.conn.Close()
		if w.session != nil {
			_ = w.session.Close()
		}
	})
}

func (w *workerLink) lastWriteErr() error {
	w.writeErrMu.Lock()
	defer w.writeErrMu.Unlock()
	return w.writeErr
}

func (w *workerLink) setWriteErr(err error) {
	w.writeErrMu.Lock()
	w.writeErr = err
	w.writeErrMu.Unlock()
}

// runWriter drains out and serializes every message to the connection. It
// returns when the link is closed or a write fails.
func (w *workerLink) runWriter(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case m := <-w.out:
			f := wire.Encode(m)
			if err := w.codec.WriteFrame(w.conn, f); err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				w.setWriteErr(wrap)
				w.logger.Error("worker_write_error", "error", wrap)
				w.close()
				return
			}
		case <-w.closed:
			return
		}
	}
}

// runReader reads frames off the connection and hands decoded messages to
// onMessage until the connection closes or a frame cannot be read; a frame
// whose payload fails to decode is logged and skipped. It returns the
// terminal error (io.EOF on a clean close).
func (w *workerLink) runReader(wg *sync.WaitGroup, onMessage func(wire.Message)) error {
	defer wg.Done()
	for {
		f, err := w.codec.ReadFrame(w.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return io.EOF
			}
			wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
			metrics.IncError(mapErrToMetric(wrap))
			return wrap
		}
		m, err := wire.Decode(f)
		if err != nil {
			w.logger.Warn("worker_decode_error", "error", err)
			continue
		}
		onMessage(m)
	}
}
