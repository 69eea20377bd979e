// Package wire implements the engine's bit-exact request frame encoding
// and response delta decoding (§4.2): a u32 length-prefixed JSON header
// with sorted keys, followed by a 16-byte-aligned binary region holding
// prompt text, images, and capability blobs.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"orchard/pkg/orcherr"
	"orchard/pkg/types"
)

const alignment = 16

// PromptInput is one prompt's rendered payload, ready for framing.
type PromptInput struct {
	Text         []byte
	Images       [][]byte
	Capabilities []types.CapabilityBlob
	Layout       []types.LayoutSegment
	Params       types.ChatParameters
	RequestType  types.RequestType
}

// blobAllocator assigns 16-byte-aligned offsets within a single binary
// region and remembers what to write at each offset.
type blobAllocator struct {
	cursor uint64
	writes []pendingWrite
}

type pendingWrite struct {
	offset uint64
	data   []byte
}

func align16(n uint64) uint64 {
	if n%alignment == 0 {
		return n
	}
	return n + (alignment - n%alignment)
}

// allocate reserves space for data and returns its offset. Empty blobs are
// not advanced past the current cursor and are not recorded for writing.
func (a *blobAllocator) allocate(data []byte) uint64 {
	if len(data) == 0 {
		return a.cursor
	}
	offset := align16(a.cursor)
	a.writes = append(a.writes, pendingWrite{offset: offset, data: data})
	a.cursor = offset + uint64(len(data))
	return offset
}

func (a *blobAllocator) build() []byte {
	out := make([]byte, a.cursor)
	for _, w := range a.writes {
		copy(out[w.offset:], w.data)
	}
	return out
}

// EncodeRequest builds a complete request frame for one or more prompts
// sharing a request id, model, and pair of channel ids.
func EncodeRequest(requestID uint64, modelID, modelPath string, requestChannelID, responseChannelID uint64, prompts []PromptInput) ([]byte, error) {
	if len(prompts) == 0 {
		return nil, &orcherr.SerializationError{Code: orcherr.CodeNoPrompts, Detail: "request must carry at least one prompt"}
	}

	alloc := &blobAllocator{}
	metas := make([]types.PromptMetadata, len(prompts))
	for i, p := range prompts {
		layout, err := resolveLayout(p)
		if err != nil {
			return nil, err
		}
		if err := validateLayout(layout, p); err != nil {
			return nil, err
		}

		meta := types.PromptMetadata{
			ChatParameters: p.Params,
			RequestType:    p.RequestType,
		}

		textOffset := alloc.allocate(p.Text)
		meta.TextOffset, meta.TextSize = textOffset, uint64(len(p.Text))

		imageData := bytes.Join(p.Images, nil)
		meta.ImageDataOffset = alloc.allocate(imageData)
		meta.ImageDataSize = uint64(len(imageData))
		meta.ImageCount = uint64(len(p.Images))

		sizesBuf := make([]byte, 8*len(p.Images))
		for j, img := range p.Images {
			binary.LittleEndian.PutUint64(sizesBuf[j*8:], uint64(len(img)))
		}
		meta.ImageSizesOffset = alloc.allocate(sizesBuf)

		capData, capRefs := packCapabilities(p.Capabilities)
		meta.CapabilityDataOffset = alloc.allocate(capData)
		meta.CapabilityDataSize = uint64(len(capData))
		meta.Capabilities = capRefs

		layoutBuf, err := encodeLayout(layout)
		if err != nil {
			return nil, err
		}
		meta.LayoutOffset = alloc.allocate(layoutBuf)
		meta.LayoutCount = uint64(len(layout))

		metas[i] = meta
	}

	header := types.RequestHeader{
		RequestID:         requestID,
		ModelID:           modelID,
		ModelPath:         modelPath,
		RequestType:       prompts[0].RequestType,
		RequestChannelID:  requestChannelID,
		ResponseChannelID: responseChannelID,
		Prompts:           metas,
	}
	headerBytes, err := marshalSortedKeys(header)
	if err != nil {
		return nil, &orcherr.SerializationError{Code: orcherr.CodeInvalidConfig, Detail: err.Error()}
	}
	if err := checkHeaderSize(len(headerBytes)); err != nil {
		return nil, err
	}

	binaryRegion := alloc.build()
	out := make([]byte, 4+len(headerBytes)+len(binaryRegion))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(headerBytes)))
	copy(out[4:], headerBytes)
	copy(out[4+len(headerBytes):], binaryRegion)
	return out, nil
}

// DecodeRequest splits a frame back into its header and binary region.
// It is the inverse of EncodeRequest used by tests and the fakeengine
// test harness to parse frames from the request socket.
func DecodeRequest(frame []byte) (types.RequestHeader, []byte, error) {
	var header types.RequestHeader
	if len(frame) < 4 {
		return header, nil, &orcherr.SerializationError{Code: orcherr.CodeInvalidConfig, Detail: "frame shorter than length prefix"}
	}
	l := binary.LittleEndian.Uint32(frame[0:4])
	if uint64(4+l) > uint64(len(frame)) {
		return header, nil, &orcherr.SerializationError{Code: orcherr.CodeInvalidConfig, Detail: "declared header length exceeds frame size"}
	}
	if err := json.Unmarshal(frame[4:4+l], &header); err != nil {
		return header, nil, &orcherr.SerializationError{Code: orcherr.CodeInvalidConfig, Detail: err.Error()}
	}
	return header, frame[4+l:], nil
}

// checkHeaderSize enforces §4.2's bound: a JSON header longer than a u32
// can express has no valid length prefix to carry it. Split out of
// EncodeRequest so a test can drive the boundary without allocating a
// multi-gigabyte header to reach it.
func checkHeaderSize(n int) error {
	if uint64(n) > uint64(^uint32(0)) {
		return &orcherr.SerializationError{Code: orcherr.CodeMetadataTooLarge, Detail: fmt.Sprintf("header length %d exceeds u32 max", n)}
	}
	return nil
}

// marshalSortedKeys marshals v through a map so that object keys come out
// lexicographically sorted, matching the engine's wire contract.
func marshalSortedKeys(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func packCapabilities(caps []types.CapabilityBlob) ([]byte, []types.CapabilityRef) {
	if len(caps) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	refs := make([]types.CapabilityRef, len(caps))
	for i, c := range caps {
		refs[i] = types.CapabilityRef{
			Name:        c.Name,
			Position:    buf.Len(),
			PayloadSize: uint64(len(c.Payload)),
		}
		buf.Write(c.Payload)
	}
	return buf.Bytes(), refs
}

func encodeLayout(segments []types.LayoutSegment) ([]byte, error) {
	out := make([]byte, 0, len(segments)*16)
	for _, s := range segments {
		if s.Type != types.SegmentText && s.Type != types.SegmentImage && s.Type != types.SegmentCapability {
			return nil, &orcherr.SerializationError{Code: orcherr.CodeUnsupportedSegment, Detail: fmt.Sprintf("segment type %d", s.Type)}
		}
		rec := make([]byte, 16)
		rec[0] = byte(s.Type)
		binary.LittleEndian.PutUint64(rec[8:], s.Length)
		out = append(out, rec...)
	}
	return out, nil
}

// resolveLayout returns p.Layout as-is when non-empty, else derives one
// text segment (if text present) followed by one image segment per image,
// per §4.2's "if the layout list is empty" fallback.
func resolveLayout(p PromptInput) ([]types.LayoutSegment, error) {
	if len(p.Layout) > 0 {
		return p.Layout, nil
	}
	var derived []types.LayoutSegment
	if len(p.Text) > 0 {
		derived = append(derived, types.LayoutSegment{Type: types.SegmentText, Length: uint64(len(p.Text))})
	}
	for _, img := range p.Images {
		derived = append(derived, types.LayoutSegment{Type: types.SegmentImage, Length: uint64(len(img))})
	}
	return derived, nil
}

// validateLayout checks the §4.2 invariants: layout text total equals the
// prompt's text size, and layout image total equals the sum of image sizes.
func validateLayout(layout []types.LayoutSegment, p PromptInput) error {
	var textTotal, imageTotal uint64
	for _, s := range layout {
		switch s.Type {
		case types.SegmentText:
			textTotal += s.Length
		case types.SegmentImage:
			imageTotal += s.Length
		case types.SegmentCapability:
			// capability segment lengths are not checked against the
			// capability payloads here.
		default:
			return &orcherr.SerializationError{Code: orcherr.CodeUnsupportedSegment, Detail: fmt.Sprintf("segment type %d", s.Type)}
		}
	}
	if textTotal != uint64(len(p.Text)) {
		return &orcherr.SerializationError{Code: orcherr.CodeLayoutMismatch, Expected: uint64(len(p.Text)), Got: textTotal, Detail: "text"}
	}
	var imagesTotal uint64
	for _, img := range p.Images {
		imagesTotal += uint64(len(img))
	}
	if imageTotal != imagesTotal {
		return &orcherr.SerializationError{Code: orcherr.CodeLayoutMismatch, Expected: imagesTotal, Got: imageTotal, Detail: "image"}
	}
	return nil
}
