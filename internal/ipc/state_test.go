package ipc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"orchard/internal/registry"
	"orchard/pkg/orcherr"
)

// fakeConn is a minimal stand-in for the engine side of one socket role:
// it accepts exactly one connection and exposes raw frame read/write so
// tests can drive the protocol without a real engine subprocess.
type fakeConn struct {
	t    *testing.T
	conn net.Conn
}

func acceptOne(t *testing.T, path string) *fakeConn {
	t.Helper()
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen %s: %v", path, err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept %s: %v", path, err)
	}
	return &fakeConn{t: t, conn: conn}
}

func (f *fakeConn) readFrame() []byte {
	f.t.Helper()
	header := make([]byte, 4)
	if _, err := readFull(f.conn, header); err != nil {
		f.t.Fatalf("read header: %v", err)
	}
	l := binary.LittleEndian.Uint32(header)
	payload := make([]byte, l)
	if _, err := readFull(f.conn, payload); err != nil {
		f.t.Fatalf("read payload: %v", err)
	}
	return payload
}

func (f *fakeConn) writeFrame(payload []byte) {
	f.t.Helper()
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))
	if _, err := f.conn.Write(header); err != nil {
		f.t.Fatalf("write header: %v", err)
	}
	if _, err := f.conn.Write(payload); err != nil {
		f.t.Fatalf("write payload: %v", err)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func dialLater(t *testing.T, path string, delay time.Duration) {
	t.Helper()
	time.AfterFunc(delay, func() {
		ln, err := net.Listen("unix", path)
		if err != nil {
			return
		}
		t.Cleanup(func() { _ = ln.Close() })
		go func() {
			conn, err := ln.Accept()
			if err == nil {
				conn.Close()
			}
		}()
	})
}

func TestDialRequestSocketRetriesUntilListenerExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pie_requests.ipc")
	dialLater(t, path, 150*time.Millisecond)

	sock, err := dial(path, 50, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sock.close()
}

func TestManagementCallRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pie_management.ipc")

	srvCh := make(chan *fakeConn, 1)
	go func() { srvCh <- acceptOne(t, path) }()

	ms, err := DialManagementSocket(path, 0, 0)
	if err != nil {
		t.Fatalf("dial management: %v", err)
	}
	defer ms.Close()
	srv := <-srvCh

	type result struct {
		reply []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := ms.Call([]byte(`{"type":"load_model"}`), time.Second)
		done <- result{reply, err}
	}()

	req := srv.readFrame()
	var parsed map[string]any
	if err := json.Unmarshal(req, &parsed); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if parsed["type"] != "load_model" {
		t.Fatalf("unexpected request: %+v", parsed)
	}
	srv.writeFrame([]byte(`{"status":"ok","data":{"load_model":{"capabilities":{"image":[1]}}}}`))

	res := <-done
	if res.err != nil {
		t.Fatalf("call: %v", res.err)
	}
	var reply map[string]any
	if err := json.Unmarshal(res.reply, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply["status"] != "ok" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestManagementCallTimesOut(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pie_management.ipc")
	go func() { acceptOne(t, path) }()

	ms, err := DialManagementSocket(path, 0, 0)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ms.Close()

	_, err = ms.Call([]byte(`{"type":"load_model"}`), 50*time.Millisecond)
	if !orcherr.IsTimeout(err) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

// fakeEngine stands up all three socket roles and gives tests direct
// access to each side's fakeConn for driving the protocol.
type fakeEngine struct {
	requests   *fakeConn
	responses  *fakeConn
	management *fakeConn
}

func startFakeEngine(t *testing.T, eps Endpoints) *fakeEngine {
	t.Helper()
	reqCh := make(chan *fakeConn, 1)
	respCh := make(chan *fakeConn, 1)
	mgmtCh := make(chan *fakeConn, 1)
	go func() { reqCh <- acceptOne(t, eps.Requests) }()
	go func() { respCh <- acceptOne(t, eps.Responses) }()
	go func() { mgmtCh <- acceptOne(t, eps.Management) }()
	return &fakeEngine{requests: <-reqCh, responses: <-respCh, management: <-mgmtCh}
}

func TestConnectSubscribesBeforeReturning(t *testing.T) {
	dir := t.TempDir()
	eps := NewEndpoints(dir)
	fe := startFakeEngine(t, eps)

	st, err := Connect(eps, DialOptions{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer st.Close()

	sub1 := fe.responses.readFrame()
	sub2 := fe.responses.readFrame()
	var s1, s2 map[string]string
	json.Unmarshal(sub1, &s1)
	json.Unmarshal(sub2, &s2)
	expectedTopic := ResponseTopicPrefix(st.ChannelID())
	if s1["subscribe"] != expectedTopic && s2["subscribe"] != expectedTopic {
		t.Fatalf("expected subscription to %s, got %+v %+v", expectedTopic, s1, s2)
	}
	if s1["subscribe"] != EventTopicPrefix && s2["subscribe"] != EventTopicPrefix {
		t.Fatalf("expected subscription to event topic, got %+v %+v", s1, s2)
	}
}

func TestReceiveLoopDispatchesDeltaToSink(t *testing.T) {
	dir := t.TempDir()
	eps := NewEndpoints(dir)
	fe := startFakeEngine(t, eps)
	fe.responses.readFrame()
	fe.responses.readFrame()

	st, err := Connect(eps, DialOptions{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer st.Close()
	st.Start()

	sink := st.RegisterSink(42)
	topic := ResponseTopicPrefix(st.ChannelID())
	fe.responses.writeFrame(append([]byte(topic), []byte(`{"request_id":42,"content":"hi","is_final_delta":true}`)...))

	select {
	case d := <-sink.Deltas():
		if d.RequestID != 42 || d.Content == nil || *d.Content != "hi" {
			t.Fatalf("unexpected delta: %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delta")
	}
}

func TestReceiveLoopUpdatesTelemetry(t *testing.T) {
	dir := t.TempDir()
	eps := NewEndpoints(dir)
	fe := startFakeEngine(t, eps)
	fe.responses.readFrame()
	fe.responses.readFrame()

	st, err := Connect(eps, DialOptions{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer st.Close()
	st.Start()

	telemetry := append([]byte(EventTopicPrefix), append([]byte("telemetry\x00"), []byte(`{"health":{"pid":123},"gpu_total_bytes":100,"gpu_reserved_bytes":50}`)...)...)
	fe.responses.writeFrame(telemetry)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st.LastTelemetry().PID == 123 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap := st.LastTelemetry()
	if snap.PID != 123 || snap.GPUUtilization() != 0.5 {
		t.Fatalf("unexpected telemetry: %+v", snap)
	}
}

func TestSendLoadModelTranslatesReply(t *testing.T) {
	dir := t.TempDir()
	eps := NewEndpoints(dir)
	fe := startFakeEngine(t, eps)
	fe.responses.readFrame()
	fe.responses.readFrame()

	st, err := Connect(eps, DialOptions{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer st.Close()

	done := make(chan registry.LoadModelReply, 1)
	errCh := make(chan error, 1)
	go func() {
		reply, err := st.SendLoadModel(context.Background(), registry.LoadModelRequest{
			RequestedID: "moondream3", CanonicalID: "org/moondream3", ModelPath: "/models/moondream3",
		})
		done <- reply
		errCh <- err
	}()

	req := fe.management.readFrame()
	var parsed map[string]any
	json.Unmarshal(req, &parsed)
	if parsed["type"] != "load_model" || parsed["canonical_id"] != "org/moondream3" {
		t.Fatalf("unexpected management request: %+v", parsed)
	}
	fe.management.writeFrame([]byte(`{"status":"ok","data":{"load_model":{"capabilities":{"text":[1]}}}}`))

	reply := <-done
	if err := <-errCh; err != nil {
		t.Fatalf("send load model: %v", err)
	}
	if reply.Status != "ok" || reply.Capabilities["text"][0] != 1 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}
