package wire

import (
	"encoding/binary"
	"strings"
	"testing"

	"orchard/pkg/orcherr"
	"orchard/pkg/types"
)

func TestEncodeRequestNoPrompts(t *testing.T) {
	_, err := EncodeRequest(1, "m", "/path", 1, 2, nil)
	if err == nil {
		t.Fatalf("expected error for empty prompts")
	}
	var se *orcherr.SerializationError
	if !errorsAsSerialization(err, &se) || se.Code != orcherr.CodeNoPrompts {
		t.Fatalf("expected NO_PROMPTS, got %v", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	prompts := []PromptInput{
		{
			Text:        []byte("hello world"),
			RequestType: types.RequestGeneration,
		},
	}
	frame, err := EncodeRequest(7, "llama", "/models/llama.gguf", 10, 20, prompts)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	header, binaryRegion, err := DecodeRequest(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if header.RequestID != 7 || header.ModelID != "llama" || header.ModelPath != "/models/llama.gguf" {
		t.Fatalf("unexpected header: %+v", header)
	}
	if len(header.Prompts) != 1 {
		t.Fatalf("expected 1 prompt meta, got %d", len(header.Prompts))
	}
	meta := header.Prompts[0]
	if meta.TextSize != uint64(len("hello world")) {
		t.Fatalf("unexpected text size %d", meta.TextSize)
	}
	got := binaryRegion[meta.TextOffset : meta.TextOffset+meta.TextSize]
	if string(got) != "hello world" {
		t.Fatalf("text blob mismatch: %q", got)
	}
}

func TestBlobAlignment(t *testing.T) {
	prompts := []PromptInput{
		{
			Text:   []byte("hi"),
			Images: [][]byte{{1, 2, 3}, {4, 5}},
		},
	}
	frame, err := EncodeRequest(1, "m", "/p", 1, 2, prompts)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	header, region, err := DecodeRequest(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	meta := header.Prompts[0]
	for _, off := range []uint64{meta.TextOffset, meta.ImageDataOffset, meta.ImageSizesOffset, meta.LayoutOffset} {
		if off%16 != 0 {
			t.Fatalf("offset %d not 16-byte aligned", off)
		}
	}
	if uint64(len(region)) < meta.LayoutOffset+meta.LayoutCount*16 {
		t.Fatalf("layout region out of bounds")
	}
	sizes := region[meta.ImageSizesOffset : meta.ImageSizesOffset+meta.ImageCount*8]
	if binary.LittleEndian.Uint64(sizes[0:8]) != 3 || binary.LittleEndian.Uint64(sizes[8:16]) != 2 {
		t.Fatalf("unexpected image sizes blob: %v", sizes)
	}
}

func TestLayoutMismatch(t *testing.T) {
	prompts := []PromptInput{
		{
			Text: []byte("hello"),
			Layout: []types.LayoutSegment{
				{Type: types.SegmentText, Length: 3},
			},
		},
	}
	_, err := EncodeRequest(1, "m", "/p", 1, 2, prompts)
	if err == nil {
		t.Fatalf("expected layout mismatch error")
	}
	if !strings.Contains(err.Error(), "LAYOUT_MISMATCH") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckHeaderSizeWithinBound(t *testing.T) {
	if err := checkHeaderSize(1 << 20); err != nil {
		t.Fatalf("unexpected error for a 1MB header: %v", err)
	}
}

func TestCheckHeaderSizeTooLarge(t *testing.T) {
	err := checkHeaderSize(int(^uint32(0)) + 1)
	if err == nil {
		t.Fatalf("expected METADATA_TOO_LARGE")
	}
	se, ok := err.(*orcherr.SerializationError)
	if !ok || se.Code != orcherr.CodeMetadataTooLarge {
		t.Fatalf("expected METADATA_TOO_LARGE, got %v", err)
	}
}

func TestDeltaRoundTrip(t *testing.T) {
	content := "Hello, world!"
	finish := "stop"
	promptTokens := 10
	genLen := 5
	d := types.ClientDelta{
		RequestID:        42,
		Content:          &content,
		IsFinal:          true,
		FinishReason:     &finish,
		PromptTokenCount: &promptTokens,
		GenerationLen:    &genLen,
	}
	raw, err := EncodeDelta(d)
	if err != nil {
		t.Fatalf("encode delta: %v", err)
	}
	got, err := DecodeDelta(raw)
	if err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if got.RequestID != 42 || got.Content == nil || *got.Content != content || !got.IsFinal {
		t.Fatalf("unexpected delta: %+v", got)
	}
	if got.FinishReason == nil || *got.FinishReason != "stop" {
		t.Fatalf("unexpected finish reason: %+v", got.FinishReason)
	}
}

func TestDeltaDefaults(t *testing.T) {
	got, err := DecodeDelta([]byte(`{"request_id":1}`))
	if err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if got.RequestID != 1 || got.Content != nil || got.IsFinal || got.FinishReason != nil {
		t.Fatalf("unexpected default delta: %+v", got)
	}
}

func errorsAsSerialization(err error, target **orcherr.SerializationError) bool {
	se, ok := err.(*orcherr.SerializationError)
	if !ok {
		return false
	}
	*target = se
	return true
}
