// fakeengine stands in for the real inference-engine subprocess in
// lease and IPC integration tests (§ Test tooling). It opens the three
// well-known unix-domain sockets, answers load_model/list_models on the
// management socket, broadcasts a telemetry event on a fixed interval so
// a lease.Acquire readiness probe observes it, consumes pushed request
// frames off the requests socket and replies with synthetic deltas, and
// emits a model_loaded event after a configurable delay when asked to
// load asynchronously. It mirrors the wire shapes defined by
// internal/ipc/state.go and internal/wire without importing that
// package's unexported types, since it plays the opposite role.
package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"orchard/internal/wire"
	"orchard/pkg/types"
)

const eventTopicPrefix = "__PIE_EVENT__:"

func responseTopicPrefix(channelID uint64) string {
	return "resp:" + strconv.FormatUint(channelID, 16) + ":"
}

// engineConfig holds the fakeengine's tunables, populated from cobra flags.
type engineConfig struct {
	RequestsPath      string
	ResponsesPath     string
	ManagementPath    string
	TelemetryInterval time.Duration
	ModelLoadedDelay  time.Duration
	Async             bool
	CrashOnLoad       bool
	Capabilities      map[string][]int
}

// engine is the fakeengine's runtime state: its config, the set of
// connected response subscribers, and the stop channel.
type engine struct {
	cfg engineConfig

	mu      sync.Mutex
	clients []*respClient

	stop chan struct{}
}

type respClient struct {
	conn   net.Conn
	mu     sync.Mutex
	topics map[string]bool
}

func newEngine(cfg engineConfig) *engine {
	return &engine{cfg: cfg, stop: make(chan struct{})}
}

func (e *engine) run() error {
	respLn, err := net.Listen("unix", e.cfg.ResponsesPath)
	if err != nil {
		return err
	}
	reqLn, err := net.Listen("unix", e.cfg.RequestsPath)
	if err != nil {
		return err
	}
	mgmtLn, err := net.Listen("unix", e.cfg.ManagementPath)
	if err != nil {
		return err
	}

	go e.acceptResponses(respLn)
	go e.acceptRequests(reqLn)
	go e.acceptManagement(mgmtLn)
	go e.telemetryLoop()

	<-e.stop
	_ = respLn.Close()
	_ = reqLn.Close()
	_ = mgmtLn.Close()
	return nil
}

func (e *engine) shutdown() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
}

func (e *engine) acceptResponses(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		c := &respClient{conn: conn, topics: make(map[string]bool)}
		e.mu.Lock()
		e.clients = append(e.clients, c)
		e.mu.Unlock()
		go e.readSubscriptions(c)
	}
}

func (e *engine) readSubscriptions(c *respClient) {
	for {
		frame, err := readFrame(c.conn)
		if err != nil {
			e.removeClient(c)
			return
		}
		var sub struct {
			Subscribe string `json:"subscribe"`
		}
		if err := json.Unmarshal(frame, &sub); err != nil || sub.Subscribe == "" {
			continue
		}
		c.mu.Lock()
		c.topics[sub.Subscribe] = true
		c.mu.Unlock()
	}
}

func (e *engine) removeClient(dead *respClient) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.clients[:0]
	for _, c := range e.clients {
		if c != dead {
			out = append(out, c)
		}
	}
	e.clients = out
	_ = dead.conn.Close()
}

// broadcast writes frame to every response client subscribed to a topic
// that frame starts with.
func (e *engine) broadcast(frame []byte) {
	e.mu.Lock()
	clients := append([]*respClient(nil), e.clients...)
	e.mu.Unlock()
	for _, c := range clients {
		c.mu.Lock()
		matched := false
		for topic := range c.topics {
			if bytes.HasPrefix(frame, []byte(topic)) {
				matched = true
				break
			}
		}
		c.mu.Unlock()
		if matched {
			_ = writeFrame(c.conn, frame)
		}
	}
}

func (e *engine) telemetryLoop() {
	ticker := time.NewTicker(e.cfg.TelemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			body, _ := json.Marshal(map[string]any{
				"health":             map[string]any{"pid": os.Getpid()},
				"gpu_total_bytes":    uint64(8 << 30),
				"gpu_reserved_bytes": uint64(2 << 30),
			})
			frame := append([]byte(eventTopicPrefix), append([]byte("telemetry\x00"), body...)...)
			e.broadcast(frame)
		}
	}
}

func (e *engine) acceptRequests(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go e.serveRequests(conn)
	}
}

func (e *engine) serveRequests(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := readFrame(conn)
		if err != nil {
			return
		}
		header, _, err := wire.DecodeRequest(frame)
		if err != nil {
			log.Printf("fakeengine: bad request frame: %v", err)
			continue
		}
		e.replyToRequest(header)
	}
}

// replyToRequest synthesizes a short canned completion per prompt and
// broadcasts it as deltas carrying prompt_index. Only the very last delta
// of the whole request carries is_final, matching the receive loop's rule
// of finishing and removing the sink on the first is_final delta for a
// request id — a batch's multiple prompts share one sink.
func (e *engine) replyToRequest(header types.RequestHeader) {
	topic := responseTopicPrefix(header.ResponseChannelID)
	words := []string{"ok ", "from ", "fakeengine"}

	numPrompts := len(header.Prompts)
	for promptIdx := 0; promptIdx < numPrompts; promptIdx++ {
		idx := promptIdx
		var generated int
		for _, word := range words {
			generated++
			content := word
			last := promptIdx == numPrompts-1 && generated == len(words)
			delta := types.ClientDelta{
				RequestID:     header.RequestID,
				PromptIndex:   &idx,
				Content:       &content,
				GenerationLen: intPtr(generated),
			}
			if last {
				finishReason := "stop"
				promptTokens := 3
				delta.IsFinal = true
				delta.FinishReason = &finishReason
				delta.PromptTokenCount = &promptTokens
			}
			e.sendDelta(topic, delta)
		}
	}
}

func (e *engine) sendDelta(topic string, d types.ClientDelta) {
	payload, err := wire.EncodeDelta(d)
	if err != nil {
		log.Printf("fakeengine: encode delta: %v", err)
		return
	}
	frame := append([]byte(topic), payload...)
	e.broadcast(frame)
}

func intPtr(n int) *int { return &n }

// managementRequest/managementReply mirror internal/ipc/state.go's wire
// shapes for load_model and list_models.
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

func (e *engine) acceptManagement(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go e.serveManagement(conn)
	}
}

func (e *engine) serveManagement(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := readFrame(conn)
		if err != nil {
			return
		}
		var req managementRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			continue
		}
		reply := e.handleManagement(req)
		out, _ := json.Marshal(reply)
		if err := writeFrame(conn, out); err != nil {
			return
		}
	}
}

func (e *engine) handleManagement(req managementRequest) managementReply {
	switch req.Type {
	case "load_model":
		if e.cfg.CrashOnLoad {
			log.Printf("fakeengine: simulating crash on load_model for %s", req.CanonicalID)
			os.Exit(1)
		}
		if e.cfg.Async {
			go func() {
				time.Sleep(e.cfg.ModelLoadedDelay)
				e.emitModelLoaded(req.CanonicalID)
			}()
			return managementReply{Status: "accepted"}
		}
		data, _ := json.Marshal(map[string]any{
			"load_model": map[string]any{"capabilities": e.cfg.Capabilities},
		})
		return managementReply{Status: "ok", Data: data}
	case "list_models":
		data, _ := json.Marshal(map[string]any{
			"list_models": map[string]any{"models": []map[string]string{}},
		})
		return managementReply{Status: "ok", Data: data}
	default:
		return managementReply{Status: "rejected", Message: "unknown management type: " + req.Type}
	}
}

func (e *engine) emitModelLoaded(canonicalID string) {
	body, _ := json.Marshal(map[string]any{
		"model_id":     canonicalID,
		"capabilities": e.cfg.Capabilities,
	})
	frame := append([]byte(eventTopicPrefix), append([]byte("model_loaded\x00"), body...)...)
	e.broadcast(frame)
}

// readFrame/writeFrame implement the same u32-LE length-prefix framing as
// internal/ipc/socket.go, reimplemented here since fakeengine plays the
// listening side of the protocol rather than the dialing side.
func readFrame(conn net.Conn) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	l := binary.LittleEndian.Uint32(header)
	payload := make([]byte, l)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func writeFrame(conn net.Conn, payload []byte) error {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))
	if _, err := conn.Write(header); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

// parseCapabilities parses "name=1,2;name2=3" into map[string][]int.
func parseCapabilities(spec string) map[string][]int {
	out := map[string][]int{}
	if spec == "" {
		return out
	}
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		name := strings.TrimSpace(parts[0])
		if name == "" {
			continue
		}
		var vals []int
		if len(parts) == 2 {
			for _, v := range strings.Split(parts[1], ",") {
				v = strings.TrimSpace(v)
				if v == "" {
					continue
				}
				n, err := strconv.Atoi(v)
				if err == nil {
					vals = append(vals, n)
				}
			}
		}
		out[name] = vals
	}
	return out
}
