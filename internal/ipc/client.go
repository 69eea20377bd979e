package ipc

import (
	"encoding/json"
	"sync"
	"time"

	"orchard/pkg/orcherr"
)

// DefaultDialAttempts and DefaultDialDelay are §4.1's documented retry
// defaults: the engine may not have created the socket file yet.
const (
	DefaultDialAttempts = 50
	DefaultDialDelay    = 200 * time.Millisecond
)

// DefaultManagementTimeout is §5's per-call management command timeout.
const DefaultManagementTimeout = 30 * time.Second

// RequestSocket is the fan-in push socket, client -> engine.
type RequestSocket struct {
	sock *socket
}

// DialRequestSocket connects the request socket with bounded retry.
// attempts <= 0 or delay <= 0 fall back to DefaultDialAttempts/Delay.
func DialRequestSocket(path string, attempts int, delay time.Duration) (*RequestSocket, error) {
	s, err := dial(path, attempts, delay)
	if err != nil {
		return nil, err
	}
	return &RequestSocket{sock: s}, nil
}

// Push sends one pre-framed request (e.g. from internal/wire.EncodeRequest).
func (r *RequestSocket) Push(frame []byte) error { return r.sock.send(frame) }

// Close is idempotent.
func (r *RequestSocket) Close() error { return r.sock.close() }

// subscribeFrame is the client-side control message that establishes a
// topic subscription on the response socket. There is no off-the-shelf
// pub/sub library in the reference stack for this transport, so the
// subscription handshake is a small JSON control frame rather than a
// bespoke binary protocol.
type subscribeFrame struct {
	Subscribe string `json:"subscribe"`
}

// ResponseSocket is the fan-out subscribe socket, engine -> client.
type ResponseSocket struct {
	sock *socket
}

// DialResponseSocket connects the response socket and subscribes it to
// both the per-channel delta topic and the broadcast event topic before
// any Receive call observes a frame (§4.1).
// attempts <= 0 or delay <= 0 fall back to DefaultDialAttempts/Delay.
func DialResponseSocket(path string, channelID uint64, attempts int, delay time.Duration) (*ResponseSocket, error) {
	s, err := dial(path, attempts, delay)
	if err != nil {
		return nil, err
	}
	rs := &ResponseSocket{sock: s}
	for _, topic := range []string{ResponseTopicPrefix(channelID), EventTopicPrefix} {
		if err := rs.subscribe(topic); err != nil {
			_ = rs.Close()
			return nil, err
		}
	}
	return rs, nil
}

func (r *ResponseSocket) subscribe(topic string) error {
	raw, err := json.Marshal(subscribeFrame{Subscribe: topic})
	if err != nil {
		return &orcherr.TransportError{Code: orcherr.CodeSendFailed, Op: "subscribe", Err: err}
	}
	return r.sock.send(raw)
}

// Receive blocks up to timeout for one response-socket frame, returning
// a TIMEOUT-kind TransportError (checkable via orcherr.IsTimeout) if none
// arrives (§4.1, §4.5).
func (r *ResponseSocket) Receive(timeout time.Duration) ([]byte, error) {
	return r.sock.receive(timeout)
}

// Close is idempotent.
func (r *ResponseSocket) Close() error { return r.sock.close() }

// ManagementSocket is the synchronous request/reply socket. Only one call
// may be outstanding at a time (§4.1); Call serializes callers with a
// mutex rather than letting them race writes and reads on one connection.
type ManagementSocket struct {
	mu   sync.Mutex
	sock *socket
}

// DialManagementSocket connects the management socket with bounded retry.
// attempts <= 0 or delay <= 0 fall back to DefaultDialAttempts/Delay.
func DialManagementSocket(path string, attempts int, delay time.Duration) (*ManagementSocket, error) {
	s, err := dial(path, attempts, delay)
	if err != nil {
		return nil, err
	}
	return &ManagementSocket{sock: s}, nil
}

// Call sends payload and waits for exactly one reply frame, failing with
// TIMEOUT after timeout (defaulting to DefaultManagementTimeout).
func (m *ManagementSocket) Call(payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultManagementTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sock.send(payload); err != nil {
		return nil, err
	}
	return m.sock.receive(timeout)
}

// Close is idempotent.
func (m *ManagementSocket) Close() error { return m.sock.close() }
