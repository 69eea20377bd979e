// Package ipc implements the three-socket unix-domain transport (§4.1),
// the response receive loop, and the request-id/channel-id bookkeeping
// that ties the registry and the client facade to the engine subprocess
// (§4.5).
package ipc

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"orchard/pkg/orcherr"
)

// maxFrameSize guards against a corrupt length prefix turning one bad
// frame into an unbounded allocation.
const maxFrameSize = 64 << 20

// socket wraps a single unix-domain connection with the mutex and
// dial-with-retry/receive-with-timeout behavior every role shares
// (§4.1: "all operations are safe to call concurrently... via an
// internal mutex").
type socket struct {
	mu     sync.Mutex
	conn   net.Conn
	path   string
	closed bool
}

// dial connects to a unix-domain socket file with bounded retry, since
// the engine may not have created the file yet.
func dial(path string, attempts int, delay time.Duration) (*socket, error) {
	if attempts <= 0 {
		attempts = 50
	}
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return &socket{conn: conn, path: path}, nil
		}
		lastErr = err
		time.Sleep(delay)
	}
	return nil, &orcherr.TransportError{Code: orcherr.CodeDialFailed, Op: "dial " + path, Err: lastErr}
}

// send writes one length-prefixed frame. Safe for concurrent callers.
func (s *socket) send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &orcherr.TransportError{Code: orcherr.CodeClosed, Op: "send " + s.path}
	}
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))
	if _, err := s.conn.Write(header); err != nil {
		return &orcherr.TransportError{Code: orcherr.CodeSendFailed, Op: "send " + s.path, Err: err}
	}
	if _, err := s.conn.Write(payload); err != nil {
		return &orcherr.TransportError{Code: orcherr.CodeSendFailed, Op: "send " + s.path, Err: err}
	}
	return nil
}

// receive reads one length-prefixed frame, failing with CodeTimeout if
// none arrives within timeout.
func (s *socket) receive(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &orcherr.TransportError{Code: orcherr.CodeClosed, Op: "receive " + s.path}
	}
	if timeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	header := make([]byte, 4)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		return nil, classifyReadErr(s.path, err)
	}
	l := binary.LittleEndian.Uint32(header)
	if l > maxFrameSize {
		return nil, &orcherr.TransportError{Code: orcherr.CodeReceiveFailed, Op: "receive " + s.path, Err: io.ErrShortBuffer}
	}
	payload := make([]byte, l)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		return nil, classifyReadErr(s.path, err)
	}
	return payload, nil
}

func classifyReadErr(path string, err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return &orcherr.TransportError{Code: orcherr.CodeTimeout, Op: "receive " + path, Err: err}
	}
	return &orcherr.TransportError{Code: orcherr.CodeReceiveFailed, Op: "receive " + path, Err: err}
}

// close is idempotent (§4.1).
func (s *socket) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
