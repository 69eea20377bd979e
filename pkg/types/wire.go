package types

// RequestType selects the kind of inference the engine should perform (§4.2).
type RequestType int

const (
	RequestGeneration RequestType = 0
	RequestEmbedding  RequestType = 1
	RequestQuery      RequestType = 2
	RequestPoint      RequestType = 3
	RequestDetect     RequestType = 4
	RequestAgent      RequestType = 5
	RequestOmni       RequestType = 6
)

// SegmentType identifies a layout segment's content (§4.2).
type SegmentType uint8

const (
	SegmentText       SegmentType = 0
	SegmentImage      SegmentType = 1
	SegmentCapability SegmentType = 2
)

// LayoutSegment is one 16-byte wire record: {u8 type, 7 bytes pad, u64 length}.
// It is encoded into the binary region by internal/wire's encodeLayout, not
// through json.Marshal, but carries the spec's field names for symmetry
// with the rest of this file and for any caller that inspects one decoded.
type LayoutSegment struct {
	Type   SegmentType `json:"type"`
	Length uint64      `json:"length"`
}

// CapabilityRef names one capability payload and locates it within the
// prompt's capability data blob: Position is the payload's byte offset
// from the start of that blob.
type CapabilityRef struct {
	Name        string `json:"name"`
	Position    int    `json:"position"`
	PayloadSize uint64 `json:"payload_size"`
}

// PromptMetadata is the per-prompt header entry referencing blobs by
// (offset, size) within the binary region (§4.2). ChatParameters is
// embedded rather than nested under a "params" key because spec.md lists
// its fields as properties of the per-prompt entry itself.
type PromptMetadata struct {
	TextOffset uint64 `json:"text_offset"`
	TextSize   uint64 `json:"text_size"`

	ImageDataOffset  uint64 `json:"image_data_offset"`
	ImageDataSize    uint64 `json:"image_data_size"`
	ImageSizesOffset uint64 `json:"image_sizes_offset"`
	ImageCount       uint64 `json:"image_count"`

	CapabilityDataOffset uint64          `json:"capability_data_offset"`
	CapabilityDataSize   uint64          `json:"capability_data_size"`
	Capabilities         []CapabilityRef `json:"capabilities"`

	LayoutOffset uint64 `json:"layout_offset"`
	LayoutCount  uint64 `json:"layout_count"`

	ChatParameters

	RequestType RequestType `json:"request_type"`
}

// RequestHeader is the JSON header written at the front of a request
// frame, sorted-key-encoded per §4.2.
type RequestHeader struct {
	RequestID         uint64           `json:"request_id"`
	ModelID           string           `json:"model_id"`
	ModelPath         string           `json:"model_path"`
	RequestType       RequestType      `json:"request_type"`
	RequestChannelID  uint64           `json:"request_channel_id"`
	ResponseChannelID uint64           `json:"response_channel_id"`
	Prompts           []PromptMetadata `json:"prompts"`
}
