package dap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	winio "github.com/Microsoft/go-winio"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// TransportKind selects which of the three engine-IPC listeners the
// Lifecycle component opens at launch time.
type TransportKind string

const (
	TransportUnix TransportKind = "unix"
	TransportPipe TransportKind = "pipe"
	TransportTCP  TransportKind = "tcp"
)

// Endpoint describes a listener address resolved by ChooseTransport
// and passed to the spawned engine process via --transport/--endpoint.
type Endpoint struct {
	Kind    TransportKind
	Address string
}

// ChooseTransport picks the engine transport by platform: local stream
// sockets where available, named pipes where they are
// not, loopback TCP as the always-available fallback. Go has unix
// sockets on every platform this module targets except Windows, so
// the only real branch is windows->pipe.
func ChooseTransport(sessionID string) TransportKind {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if isWindows() {
		return TransportPipe
	}
	return TransportUnix
}

func isWindows() bool {
	return os.PathSeparator == '\\'
}

// Multiplexer owns the listener/pipe for one engine connection and
// the reader task that decodes frames off it. It is used
// only by the external Engine backend (engine_external.go); the
// in-process backend has no transport at all.
type Multiplexer struct {
	kind     TransportKind
	addr     string
	listener net.Listener

	conn   net.Conn
	connMu sync.Mutex

	writeMu sync.Mutex

	closed atomic.Bool
}

// Listen opens a listener for the given transport kind, choosing a
// fresh temp path / ephemeral port as needed, and returns the
// Multiplexer plus the Endpoint to hand to the engine.
func Listen(kind TransportKind) (*Multiplexer, Endpoint, error) {
	m := &Multiplexer{kind: kind}

	var (
		l   net.Listener
		err error
	)
	switch kind {
	case TransportUnix:
		dir, derr := os.MkdirTemp("", "dapper-")
		if derr != nil {
			return nil, Endpoint{}, newFatalError(KindTransport, "create socket dir", derr)
		}
		m.addr = filepath.Join(dir, "engine.sock")
		l, err = net.Listen("unix", m.addr)
	case TransportPipe:
		m.addr = fmt.Sprintf(`\\.\pipe\dapper-%s`, uuid.NewString())
		l, err = winio.ListenPipe(m.addr, nil)
	case TransportTCP:
		l, err = net.Listen("tcp", "127.0.0.1:0")
		if err == nil {
			m.addr = l.Addr().String()
		}
	default:
		return nil, Endpoint{}, newError(KindConfiguration, "unknown transport kind", errors.Errorf("%q", kind))
	}
	if err != nil {
		return nil, Endpoint{}, newFatalError(KindTransport, "listen", err)
	}

	m.listener = l
	return m, Endpoint{Kind: kind, Address: m.addr}, nil
}

// Dial connects to an Endpoint from the engine side of the wire. It is
// the counterpart to Listen/Accept: the
// core listens and waits, the spawned (or self-test) engine process
// dials in using the --transport/--endpoint values the core handed it
// on the command line.
func Dial(kind TransportKind, address string) (net.Conn, error) {
	switch kind {
	case TransportUnix:
		conn, err := net.Dial("unix", address)
		if err != nil {
			return nil, newFatalError(KindTransport, "dial engine socket", err)
		}
		return conn, nil
	case TransportPipe:
		conn, err := winio.DialPipe(address, nil)
		if err != nil {
			return nil, newFatalError(KindTransport, "dial engine pipe", err)
		}
		return conn, nil
	case TransportTCP:
		conn, err := net.Dial("tcp", address)
		if err != nil {
			return nil, newFatalError(KindTransport, "dial engine tcp endpoint", err)
		}
		return conn, nil
	default:
		return nil, newError(KindConfiguration, "unknown transport kind", errors.Errorf("%q", kind))
	}
}

// Accept blocks until the engine connects, or ctx is canceled, or the
// deadline in ctx expires (the default 30s launch deadline is
// enforced by the caller via context).
func (m *Multiplexer) Accept(ctx context.Context) error {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := m.listener.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return newFatalError(KindTransport, "accept engine connection", r.err)
		}
		m.connMu.Lock()
		m.conn = r.conn
		m.connMu.Unlock()
		return nil
	case <-ctx.Done():
		m.Close()
		return newFatalError(KindTransport, "timed out waiting for engine to connect", ctx.Err())
	}
}

// Reader returns a *bufio.Reader over the accepted connection, ready
// for repeated Decode calls by the dedicated reader task.
func (m *Multiplexer) Reader() (*bufio.Reader, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn == nil {
		return nil, newError(KindInternal, "transport: reader requested before accept", nil)
	}
	return bufio.NewReader(m.conn), nil
}

// Send writes one frame. Concurrent callers serialize through
// writeMu; a write that fails
// partway is retried by the underlying net.Conn's Write semantics
// (Go's net.Conn guarantees a Write either fully succeeds or returns
// an error, so no manual partial-write retry loop is needed here).
func (m *Multiplexer) Send(kind FrameKind, payload any) error {
	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()
	if conn == nil {
		return newError(KindTransport, "transport: send before connection established", nil)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return Encode(conn, kind, payload)
}

// Close releases the listener, the accepted connection, and any
// filesystem artifact. It is idempotent and safe to call from any
// goroutine.
func (m *Multiplexer) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	var firstErr error
	m.connMu.Lock()
	if m.conn != nil {
		if err := m.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.conn = nil
	}
	m.connMu.Unlock()

	if m.listener != nil {
		if err := m.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if m.kind == TransportUnix && m.addr != "" {
		dir := filepath.Dir(m.addr)
		if err := os.RemoveAll(dir); err != nil {
			logrus.WithError(err).Debug("transport: failed to remove socket dir")
		}
	}
	return firstErr
}

var _ io.Closer = (*Multiplexer)(nil)
