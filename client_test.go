package orchard

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"orchard/internal/ipc"
	"orchard/internal/wire"
	"orchard/pkg/types"
)

// The tests below stand up a minimal in-process stand-in for the engine's
// three sockets, following the same framing fakeengine uses, so Client's
// New/Chat/ChatBatch/ChatStream/ListModels paths run against something
// that actually speaks the wire protocol rather than mocks of Client's own
// collaborators.

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	l := binary.LittleEndian.Uint32(header)
	payload := make([]byte, l)
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return payload
}

func writeFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))
	if _, err := conn.Write(header); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
}

type testEngine struct {
	t   *testing.T
	dir string

	mu       sync.Mutex
	respConn net.Conn
	topics   map[string]bool
}

func startTestEngine(t *testing.T, dir string) *testEngine {
	t.Helper()
	e := &testEngine{t: t, dir: dir, topics: make(map[string]bool)}

	respLn, err := net.Listen("unix", filepath.Join(dir, ipc.ResponsesFile))
	if err != nil {
		t.Fatalf("listen responses: %v", err)
	}
	reqLn, err := net.Listen("unix", filepath.Join(dir, ipc.RequestsFile))
	if err != nil {
		t.Fatalf("listen requests: %v", err)
	}
	mgmtLn, err := net.Listen("unix", filepath.Join(dir, ipc.ManagementFile))
	if err != nil {
		t.Fatalf("listen management: %v", err)
	}
	t.Cleanup(func() {
		_ = respLn.Close()
		_ = reqLn.Close()
		_ = mgmtLn.Close()
	})

	go e.acceptResponses(respLn)
	go e.acceptRequests(reqLn)
	go e.acceptManagement(mgmtLn)
	return e
}

func (e *testEngine) acceptResponses(ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	e.mu.Lock()
	e.respConn = conn
	e.mu.Unlock()
	for {
		frame := readFrame(e.t, conn)
		var sub struct {
			Subscribe string `json:"subscribe"`
		}
		if json.Unmarshal(frame, &sub) == nil && sub.Subscribe != "" {
			e.mu.Lock()
			e.topics[sub.Subscribe] = true
			e.mu.Unlock()
		}
	}
}

func (e *testEngine) broadcast(frame []byte) {
	e.mu.Lock()
	conn := e.respConn
	e.mu.Unlock()
	if conn == nil {
		return
	}
	writeFrame(e.t, conn, frame)
}

func (e *testEngine) acceptRequests(ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	for {
		frame := readFrame(e.t, conn)
		header, _, err := wire.DecodeRequest(frame)
		if err != nil {
			e.t.Fatalf("decode request: %v", err)
		}
		e.replyToRequest(header)
	}
}

// replyToRequest mirrors cmd/fakeengine's rule: only the last delta of the
// last prompt in the request carries is_final, since the receive loop
// finishes a request id's sink on the first is_final delta it sees.
func (e *testEngine) replyToRequest(header types.RequestHeader) {
	topic := "resp:" + strconv.FormatUint(header.ResponseChannelID, 16) + ":"
	numPrompts := len(header.Prompts)
	words := []string{"hello ", "world"}
	for promptIdx := 0; promptIdx < numPrompts; promptIdx++ {
		idx := promptIdx
		for i, word := range words {
			generated := i + 1
			c := word
			last := promptIdx == numPrompts-1 && generated == len(words)
			delta := types.ClientDelta{
				RequestID:     header.RequestID,
				PromptIndex:   &idx,
				Content:       &c,
				GenerationLen: intPtr(generated),
			}
			if last {
				fr := "stop"
				pt := 2
				delta.IsFinal = true
				delta.FinishReason = &fr
				delta.PromptTokenCount = &pt
			}
			payload, err := wire.EncodeDelta(delta)
			if err != nil {
				e.t.Fatalf("encode delta: %v", err)
			}
			e.broadcast(append([]byte(topic), payload...))
		}
	}
}

func intPtr(n int) *int { return &n }

func (e *testEngine) acceptManagement(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go e.serveManagement(conn)
	}
}

func (e *testEngine) serveManagement(conn net.Conn) {
	defer conn.Close()
	for {
		header := make([]byte, 4)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		l := binary.LittleEndian.Uint32(header)
		payload := make([]byte, l)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		var req struct {
			Type        string `json:"type"`
			CanonicalID string `json:"canonical_id"`
		}
		_ = json.Unmarshal(payload, &req)

		var reply []byte
		switch req.Type {
		case "load_model":
			reply, _ = json.Marshal(map[string]any{
				"status": "ok",
				"data":   map[string]any{"load_model": map[string]any{"capabilities": map[string][]int{}}},
			})
		case "list_models":
			reply, _ = json.Marshal(map[string]any{
				"status": "ok",
				"data": map[string]any{"list_models": map[string]any{"models": []map[string]string{
					{"requested_id": "test-model", "canonical_id": "test-model", "load_state": "READY"},
				}}},
			})
		default:
			reply, _ = json.Marshal(map[string]any{"status": "rejected", "message": "unknown type"})
		}
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, uint32(len(reply)))
		if _, err := conn.Write(out); err != nil {
			return
		}
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

// newTestClient wires a Client against an in-process engine, preseeding
// engine.pid so lease.Acquire finds an already-running engine (this test
// process's own pid, always alive) instead of spawning a subprocess.
func newTestClient(t *testing.T) (*Client, string) {
	t.Helper()
	dir := t.TempDir()
	ipcDir := filepath.Join(dir, "ipc")
	if err := os.MkdirAll(ipcDir, 0o755); err != nil {
		t.Fatalf("mkdir ipc dir: %v", err)
	}
	startTestEngine(t, ipcDir)

	if err := os.WriteFile(filepath.Join(dir, "engine.pid"), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatalf("seed pidfile: %v", err)
	}

	modelDir := filepath.Join(dir, "model")
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		t.Fatalf("mkdir model dir: %v", err)
	}
	profile := []byte(`{
		"template_type": "plain",
		"begin_of_text": "",
		"end_of_message": "",
		"end_of_sequence": "\n",
		"roles": {
			"user": {"role_name": "user", "role_start_tag": "<user>", "role_end_tag": "</user>"},
			"agent": {"role_name": "assistant", "role_start_tag": "<assistant>", "role_end_tag": "</assistant>"}
		}
	}`)
	if err := os.WriteFile(filepath.Join(modelDir, "control_tokens.json"), profile, 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	c, err := New(context.Background(), Options{CacheDir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, modelDir
}

func conversation(text string) types.Conversation {
	return types.Conversation{
		Interactions: []types.Interaction{
			{Role: "user", Content: []types.ContentPart{{Type: types.PartText, Text: text}}},
		},
	}
}

func TestChatAggregatesDeltasIntoResponse(t *testing.T) {
	c, modelDir := newTestClient(t)
	resp, err := c.Chat(context.Background(), modelDir, conversation("hi"), types.DefaultChatParameters())
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "hello world" {
		t.Fatalf("got text %q", resp.Text)
	}
	if resp.FinishReason == nil || *resp.FinishReason != "stop" {
		t.Fatalf("got finish reason %v", resp.FinishReason)
	}
	if resp.Usage.PromptTokens != 2 || resp.Usage.CompletionTokens != 2 || resp.Usage.TotalTokens != 4 {
		t.Fatalf("got usage %+v", resp.Usage)
	}
}

func TestChatBatchGroupsByPromptIndex(t *testing.T) {
	c, modelDir := newTestClient(t)
	convs := []types.Conversation{conversation("a"), conversation("b")}
	out, err := c.ChatBatch(context.Background(), modelDir, convs, types.DefaultChatParameters())
	if err != nil {
		t.Fatalf("chat_batch: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d responses, want 2", len(out))
	}
	for i, r := range out {
		if r.Text != "hello world" {
			t.Fatalf("prompt %d: got text %q", i, r.Text)
		}
	}
}

func TestChatStreamForwardsAndTerminates(t *testing.T) {
	c, modelDir := newTestClient(t)
	deltas, cancel, err := c.ChatStream(context.Background(), modelDir, conversation("hi"), types.DefaultChatParameters())
	if err != nil {
		t.Fatalf("chat_stream: %v", err)
	}
	defer cancel()

	var got []types.ClientDelta
	for d := range deltas {
		got = append(got, d)
	}
	if len(got) != 2 {
		t.Fatalf("got %d deltas, want 2", len(got))
	}
	if !got[len(got)-1].IsFinal {
		t.Fatalf("last delta should be final")
	}
}

func TestListModels(t *testing.T) {
	c, _ := newTestClient(t)
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list_models: %v", err)
	}
	if len(models) != 1 || models[0].CanonicalID != "test-model" {
		t.Fatalf("got %+v", models)
	}
}

func TestEngineReadyAndHealthMux(t *testing.T) {
	c, _ := newTestClient(t)
	if !c.EngineReady() {
		t.Fatalf("expected engine ready once lease acquired")
	}
	if c.HealthMux() == nil {
		t.Fatalf("expected non-nil health mux")
	}
	if c.MetricsHandler() == nil {
		t.Fatalf("expected non-nil metrics handler")
	}
}
