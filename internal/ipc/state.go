package ipc

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"orchard/internal/metrics"
	"orchard/internal/registry"
	"orchard/internal/wire"
	"orchard/pkg/orcherr"
	"orchard/pkg/types"
)

// modelLoadedHandler is the narrow slice of *registry.Registry the receive
// loop needs. State stores the registry behind this interface; SetRegistry
// still takes the concrete *registry.Registry, since ipc is the side
// permitted to import registry (§9: "store a non-owning/back reference on
// one side, never the other").
type modelLoadedHandler interface {
	HandleModelLoaded(modelID string, capabilities map[string][]int)
}

// DeltaSink receives the ordered stream of deltas for one request id.
type DeltaSink struct {
	ch     chan types.ClientDelta
	once   sync.Once
	closed chan struct{}
}

func newDeltaSink() *DeltaSink {
	return &DeltaSink{ch: make(chan types.ClientDelta, 16), closed: make(chan struct{})}
}

// Deltas returns the channel deltas arrive on, closed when the sink finishes.
func (s *DeltaSink) Deltas() <-chan types.ClientDelta { return s.ch }

func (s *DeltaSink) deliver(d types.ClientDelta) {
	select {
	case s.ch <- d:
	case <-s.closed:
	}
}

func (s *DeltaSink) finish() {
	s.once.Do(func() {
		close(s.closed)
		close(s.ch)
	})
}

// State owns the three sockets, the response channel id, the request-id
// counter, and the request_id -> DeltaSink map, and runs the dedicated
// receive loop (§4.5).
type State struct {
	requests   *RequestSocket
	responses  *ResponseSocket
	management *ManagementSocket

	channelID   uint64
	topicPrefix []byte

	counter uint64 // strictly increasing request id, skips 0

	sinksMu sync.Mutex
	sinks   map[uint64]*DeltaSink

	telemetryMu sync.Mutex
	telemetry   types.TelemetrySnapshot

	reg modelLoadedHandler

	managementTimeout time.Duration

	stop chan struct{}
	wg   sync.WaitGroup

	log zerolog.Logger
}

// DialOptions overrides the §4.1/§4.7 dial-retry and management-call
// defaults. A zero DialOptions reproduces the package defaults exactly.
type DialOptions struct {
	Attempts          int
	Delay             time.Duration
	ManagementTimeout time.Duration
}

// Connect dials all three sockets and generates a fresh channel id, per
// §4.5 step 1-2. The response socket is subscribed before this call
// returns, so no delta can be missed once the caller starts pushing
// requests.
func Connect(eps Endpoints, opts DialOptions) (*State, error) {
	channelID, err := newChannelID()
	if err != nil {
		return nil, err
	}

	responses, err := DialResponseSocket(eps.Responses, channelID, opts.Attempts, opts.Delay)
	if err != nil {
		return nil, err
	}
	requests, err := DialRequestSocket(eps.Requests, opts.Attempts, opts.Delay)
	if err != nil {
		_ = responses.Close()
		return nil, err
	}
	management, err := DialManagementSocket(eps.Management, opts.Attempts, opts.Delay)
	if err != nil {
		_ = responses.Close()
		_ = requests.Close()
		return nil, err
	}

	st := &State{
		requests:          requests,
		responses:         responses,
		management:        management,
		channelID:         channelID,
		topicPrefix:       []byte(ResponseTopicPrefix(channelID)),
		sinks:             make(map[uint64]*DeltaSink),
		managementTimeout: opts.ManagementTimeout,
		stop:              make(chan struct{}),
		log:               log.Logger.With().Str("component", "ipc").Uint64("channel_id", channelID).Logger(),
	}
	return st, nil
}

// managementCallTimeout returns the caller-configured management timeout,
// falling back to DefaultManagementTimeout when unset.
func (s *State) managementCallTimeout() time.Duration {
	if s.managementTimeout > 0 {
		return s.managementTimeout
	}
	return DefaultManagementTimeout
}

// newChannelID builds (pid<<32)|random32, forced nonzero (§4.5 step 1).
func newChannelID() (uint64, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, &orcherr.TransportError{Code: orcherr.CodeDialFailed, Op: "channel_id random", Err: err}
	}
	r := binary.LittleEndian.Uint32(buf[:])
	id := (uint64(os.Getpid()) << 32) | uint64(r)
	if id == 0 {
		id = 1
	}
	return id, nil
}

// ChannelID returns this instance's response channel id.
func (s *State) ChannelID() uint64 { return s.channelID }

// SetRegistry installs the registry back-reference the receive loop uses
// to complete activations on model_loaded events.
func (s *State) SetRegistry(reg *registry.Registry) { s.reg = reg }

// NextRequestID returns a strictly increasing id, wrapping past the u64
// max back to 1 and never returning 0 (§5).
func (s *State) NextRequestID() uint64 {
	for {
		next := atomic.AddUint64(&s.counter, 1)
		if next != 0 {
			return next
		}
		// atomic overflow landed on 0; retry to skip it.
	}
}

// RegisterSink creates and tracks the sink for requestID. Callers must
// call UnregisterSink when they stop consuming it (e.g. the caller drops
// a chat_stream), which discards further deltas silently (§5).
func (s *State) RegisterSink(requestID uint64) *DeltaSink {
	sink := newDeltaSink()
	s.sinksMu.Lock()
	s.sinks[requestID] = sink
	n := len(s.sinks)
	s.sinksMu.Unlock()
	metrics.SetActiveSinks(n)
	return sink
}

// UnregisterSink removes and finishes the sink for requestID, if present.
func (s *State) UnregisterSink(requestID uint64) {
	s.sinksMu.Lock()
	sink, ok := s.sinks[requestID]
	delete(s.sinks, requestID)
	n := len(s.sinks)
	s.sinksMu.Unlock()
	metrics.SetActiveSinks(n)
	if ok {
		sink.finish()
	}
}

// PushRequest sends a pre-encoded request frame on the request socket.
func (s *State) PushRequest(frame []byte) error { return s.requests.Push(frame) }

// LastTelemetry returns the last telemetry snapshot observed on the
// broadcast event topic.
func (s *State) LastTelemetry() types.TelemetrySnapshot {
	s.telemetryMu.Lock()
	defer s.telemetryMu.Unlock()
	return s.telemetry
}

// managementRequest and managementReply mirror the §6 management JSON
// shapes for both load_model and list_models.
type managementRequest struct {
	Type              string `json:"type"`
	RequestedID       string `json:"requested_id,omitempty"`
	CanonicalID       string `json:"canonical_id,omitempty"`
	ModelPath         string `json:"model_path,omitempty"`
	WaitForCompletion bool   `json:"wait_for_completion,omitempty"`
}

type managementReply struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type loadModelData struct {
	LoadModel struct {
		Capabilities map[string][]int `json:"capabilities"`
	} `json:"load_model"`
}

// SendLoadModel implements registry.ManagementSender.
func (s *State) SendLoadModel(ctx context.Context, req registry.LoadModelRequest) (registry.LoadModelReply, error) {
	payload, err := json.Marshal(managementRequest{
		Type:              "load_model",
		RequestedID:       req.RequestedID,
		CanonicalID:       req.CanonicalID,
		ModelPath:         req.ModelPath,
		WaitForCompletion: req.WaitForCompletion,
	})
	if err != nil {
		return registry.LoadModelReply{}, &orcherr.TransportError{Code: orcherr.CodeSendFailed, Op: "load_model", Err: err}
	}
	timeout := s.managementCallTimeout()
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	raw, err := s.management.Call(payload, timeout)
	if err != nil {
		return registry.LoadModelReply{}, err
	}
	var reply managementReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return registry.LoadModelReply{}, &orcherr.TransportError{Code: orcherr.CodeReceiveFailed, Op: "load_model", Err: err}
	}
	out := registry.LoadModelReply{Status: reply.Status, Message: reply.Message}
	if len(reply.Data) > 0 {
		var data loadModelData
		if err := json.Unmarshal(reply.Data, &data); err == nil {
			out.Capabilities = data.LoadModel.Capabilities
		}
	}
	return out, nil
}

// ListedModel is one entry of the list_models management reply.
type ListedModel struct {
	RequestedID string `json:"requested_id"`
	CanonicalID string `json:"canonical_id"`
	LoadState   string `json:"load_state"`
}

// ListModels sends the list_models management command. Per §9's Open
// Question resolution, this is a test-only fallback; the event-driven
// path in the registry is authoritative for activation completion.
func (s *State) ListModels(ctx context.Context) ([]ListedModel, error) {
	payload, err := json.Marshal(managementRequest{Type: "list_models"})
	if err != nil {
		return nil, &orcherr.TransportError{Code: orcherr.CodeSendFailed, Op: "list_models", Err: err}
	}
	raw, err := s.management.Call(payload, s.managementCallTimeout())
	if err != nil {
		return nil, err
	}
	var reply managementReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, &orcherr.TransportError{Code: orcherr.CodeReceiveFailed, Op: "list_models", Err: err}
	}
	var data struct {
		ListModels struct {
			Models []ListedModel `json:"models"`
		} `json:"list_models"`
	}
	if len(reply.Data) > 0 {
		_ = json.Unmarshal(reply.Data, &data)
	}
	return data.ListModels.Models, nil
}

// Start launches the dedicated receive loop (§4.5 step 3).
func (s *State) Start() {
	s.wg.Add(1)
	go s.receiveLoop()
}

// Close stops the receive loop, closes all sockets, and finishes any
// remaining sinks (§4.5 "Shutdown").
func (s *State) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.wg.Wait()

	s.sinksMu.Lock()
	remaining := s.sinks
	s.sinks = make(map[uint64]*DeltaSink)
	s.sinksMu.Unlock()
	for _, sink := range remaining {
		sink.finish()
	}

	err1 := s.requests.Close()
	err2 := s.responses.Close()
	err3 := s.management.Close()
	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}
	return err3
}

const receiveLoopTimeout = 100 * time.Millisecond

func (s *State) receiveLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		frame, err := s.responses.Receive(receiveLoopTimeout)
		if err != nil {
			if orcherr.IsTimeout(err) {
				continue
			}
			select {
			case <-s.stop:
				return
			default:
				continue
			}
		}
		s.handleFrame(frame)
	}
}

func (s *State) handleFrame(frame []byte) {
	if bytes.HasPrefix(frame, s.topicPrefix) {
		s.handleDelta(frame[len(s.topicPrefix):])
		return
	}
	if bytes.HasPrefix(frame, []byte(EventTopicPrefix)) {
		s.handleEvent(frame[len(EventTopicPrefix):])
		return
	}
	// Unrecognized topic: not ours to handle, ignore.
}

func (s *State) handleDelta(payload []byte) {
	delta, err := wire.DecodeDelta(payload)
	if err != nil {
		// Malformed deltas are dropped silently; the engine is authoritative.
		return
	}
	s.sinksMu.Lock()
	sink, ok := s.sinks[delta.RequestID]
	if ok && delta.IsFinal {
		delete(s.sinks, delta.RequestID)
	}
	n := len(s.sinks)
	s.sinksMu.Unlock()
	if !ok {
		return
	}
	metrics.IncrementDeltas()
	if delta.IsFinal {
		metrics.SetActiveSinks(n)
	}
	sink.deliver(delta)
	if delta.IsFinal {
		sink.finish()
	}
}

func (s *State) handleEvent(rest []byte) {
	nul := bytes.IndexByte(rest, 0)
	if nul < 0 {
		return
	}
	name := string(rest[:nul])
	body := rest[nul+1:]

	switch name {
	case "telemetry":
		snap := ParseTelemetry(body)
		s.telemetryMu.Lock()
		s.telemetry = snap
		s.telemetryMu.Unlock()
		metrics.SetGPUUtilization(snap.GPUUtilization())
	case "model_loaded":
		var body2 struct {
			ModelID      string           `json:"model_id"`
			Capabilities map[string][]int `json:"capabilities"`
		}
		if err := json.Unmarshal(body, &body2); err != nil {
			return
		}
		if s.reg != nil && body2.ModelID != "" {
			s.reg.HandleModelLoaded(body2.ModelID, body2.Capabilities)
		}
	default:
		// Unknown events are ignored per §4.5.
	}
}
