package muxstream

import (
	"net"
	"testing"
	"time"
)

func newPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	c1, c2 := net.Pipe()

	type result struct {
		s   *Session
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)
	go func() { s, err := New(c1, RoleClient); clientCh <- result{s, err} }()
	go func() { s, err := New(c2, RoleServer); serverCh <- result{s, err} }()

	cr := <-clientCh
	sr := <-serverCh
	if cr.err != nil {
		t.Fatalf("client session: %v", cr.err)
	}
	if sr.err != nil {
		t.Fatalf("server session: %v", sr.err)
	}
	return cr.s, sr.s
}

func TestControlStreamPairing(t *testing.T) {
	client, server := newPair(t)
	defer client.Close()
	defer server.Close()

	ctrlCh := make(chan error, 1)
	var clientErr error
	go func() {
		cs, err := client.ControlStream()
		clientErr = err
		if err == nil {
			defer cs.Close()
		}
		ctrlCh <- err
	}()

	ss, err := server.ControlStream()
	if err != nil {
		t.Fatalf("server ControlStream: %v", err)
	}
	defer ss.Close()

	select {
	case err := <-ctrlCh:
		if err != nil {
			t.Fatalf("client ControlStream: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client control stream")
	}
	if clientErr != nil {
		t.Fatalf("client ControlStream: %v", clientErr)
	}
}

func TestControlStreamRoundTrip(t *testing.T) {
	client, server := newPair(t)
	defer client.Close()
	defer server.Close()

	clientCtrlCh := make(chan interface {
		Close() error
	}, 1)
	errCh := make(chan error, 1)
	go func() {
		cs, err := client.ControlStream()
		if err != nil {
			errCh <- err
			return
		}
		errCh <- nil
		if _, err := cs.Write([]byte("hello")); err != nil {
			t.Errorf("client write: %v", err)
		}
		clientCtrlCh <- cs
	}()

	ss, err := server.ControlStream()
	if err != nil {
		t.Fatalf("server ControlStream: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("client ControlStream: %v", err)
	}

	buf := make([]byte, 5)
	if _, err := ss.Read(buf); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("expected 'hello', got %q", buf)
	}
	<-clientCtrlCh
}

func TestOpenAndAcceptDataStream(t *testing.T) {
	client, server := newPair(t)
	defer client.Close()
	defer server.Close()

	// Establish the control stream first, per the package's contract.
	go client.ControlStream()
	if _, err := server.ControlStream(); err != nil {
		t.Fatalf("server ControlStream: %v", err)
	}

	openErrCh := make(chan error, 1)
	go func() {
		ds, err := client.OpenDataStream()
		if err != nil {
			openErrCh <- err
			return
		}
		defer ds.Close()
		_, err = ds.Write([]byte("chunk"))
		openErrCh <- err
	}()

	ds, err := server.AcceptDataStream()
	if err != nil {
		t.Fatalf("server AcceptDataStream: %v", err)
	}
	defer ds.Close()

	buf := make([]byte, 5)
	if _, err := ds.Read(buf); err != nil {
		t.Fatalf("server read data stream: %v", err)
	}
	if string(buf) != "chunk" {
		t.Fatalf("expected 'chunk', got %q", buf)
	}
	if err := <-openErrCh; err != nil {
		t.Fatalf("client data stream write: %v", err)
	}
}

func TestIsClosedAfterClose(t *testing.T) {
	client, server := newPair(t)
	defer server.Close()

	if client.IsClosed() {
		t.Fatal("expected a fresh session to not be closed")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !client.IsClosed() {
		t.Fatal("expected session to report closed after Close")
	}
}
