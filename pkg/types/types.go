// Package types holds the public data model shared across orchard's
// packages: resolved model references, chat parameters, streamed deltas,
// and the chat-profile control tokens parsed from a model directory.
package types

// ModelSource identifies where a ResolvedModel's files came from.
type ModelSource string

const (
	SourceLocal   ModelSource = "local"
	SourceHFCache ModelSource = "hf_cache"
)

// ResolvedModel is immutable after resolution.
type ResolvedModel struct {
	CanonicalID string
	ModelPath   string
	Source      ModelSource
}

// ModelInfo is the registry's live view of a model. Its capabilities are
// changed only by the registry's mergeCapabilities, under the model
// entry's lock; shared by reference.
type ModelInfo struct {
	ModelID         string
	ModelPath       string
	FormatterHandle *ControlTokens
	Capabilities    map[string][]int
}

// RoleTemplate carries one role's start/end tags from a chat profile.
type RoleTemplate struct {
	RoleName     string
	RoleStartTag string
	RoleEndTag   string
}

// ControlTokens is the parsed per-model chat profile (control_tokens.json).
type ControlTokens struct {
	TemplateType       string
	BeginOfText        string
	EndOfMessage       string
	EndOfSequence      string
	StartImageToken    string
	EndImageToken      string
	ThinkingStartToken string
	ThinkingEndToken   string
	CoordPlaceholder   string
	Capabilities       map[string]string
	Roles              map[string]RoleTemplate
}

// ChatParameters are the caller-visible generation parameters (§6).
type ChatParameters struct {
	MaxGeneratedTokens    int              `json:"max_generated_tokens"`
	Temperature           float64          `json:"temperature"`
	TopP                  float64          `json:"top_p"`
	TopK                  int              `json:"top_k"`
	MinP                  float64          `json:"min_p"`
	RNGSeed               *int64           `json:"rng_seed,omitempty"`
	Stop                  []string         `json:"stop,omitempty"`
	TopLogprobs           int              `json:"top_logprobs"`
	FrequencyPenalty      float64          `json:"frequency_penalty"`
	PresencePenalty       float64          `json:"presence_penalty"`
	RepetitionContextSize int              `json:"repetition_context_size"`
	RepetitionPenalty     float64          `json:"repetition_penalty"`
	LogitBias             map[int]float64  `json:"logit_bias,omitempty"`
	Tools                 any              `json:"tools,omitempty"`
	ResponseFormat        any              `json:"response_format,omitempty"`
	N                     int              `json:"n"`
	BestOf                int              `json:"best_of"`
	FinalCandidates       int              `json:"final_candidates"`
	TaskName              string           `json:"task_name,omitempty"`
	Reasoning             bool             `json:"reasoning"`
	ReasoningEffort       string           `json:"reasoning_effort,omitempty"`
	Instructions          string           `json:"instructions,omitempty"`
}

// DefaultChatParameters returns the §6 documented defaults. BestOf and
// FinalCandidates are left at zero here, the documented "unset" sentinel;
// ResolveCandidateCounts fills them in from N right before a frame is
// encoded, since a caller may still change N after building these
// defaults.
func DefaultChatParameters() ChatParameters {
	return ChatParameters{
		MaxGeneratedTokens:    1024,
		Temperature:           1.0,
		TopP:                  1.0,
		TopK:                  -1,
		MinP:                  0.0,
		RepetitionContextSize: 60,
		RepetitionPenalty:     1.0,
		N:                     1,
	}
}

// ResolveCandidateCounts applies §6's dynamic defaults
// "best_of(=n), final_candidates(=best_of)": a zero BestOf resolves to N,
// then a zero FinalCandidates resolves to the (possibly just-resolved)
// BestOf. Call this once, right before a ChatParameters value is encoded
// onto the wire.
func (p ChatParameters) ResolveCandidateCounts() ChatParameters {
	if p.BestOf == 0 {
		p.BestOf = p.N
	}
	if p.FinalCandidates == 0 {
		p.FinalCandidates = p.BestOf
	}
	return p
}

// ClientDelta is one streamed chunk of a model response.
type ClientDelta struct {
	RequestID         uint64
	SequenceID        *uint64
	PromptIndex       *int
	CandidateIndex    *int
	PromptTokenCount  *int
	NumTokensInDelta  *int
	Tokens            []int
	TopLogprobs       []map[string]float64
	CumulativeLogprob *float64
	GenerationLen     *int
	Content           *string
	ContentLen        *int
	IsFinal           bool
	FinishReason      *string
	Error             *string
}

// ClientResponse is the aggregated result of one non-streaming chat call.
type ClientResponse struct {
	Text         string
	FinishReason *string
	Usage        Usage
	Deltas       []ClientDelta
}

// Usage tallies token accounting aggregated from a sequence of deltas.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// TelemetrySnapshot is the last telemetry broadcast observed on the
// response socket's event topic.
type TelemetrySnapshot struct {
	PID              int
	GPUTotalBytes    uint64
	GPUReservedBytes uint64
	Raw              map[string]any
}

// GPUUtilization returns reserved/total, or 0 when total is zero.
func (t TelemetrySnapshot) GPUUtilization() float64 {
	if t.GPUTotalBytes == 0 {
		return 0.0
	}
	return float64(t.GPUReservedBytes) / float64(t.GPUTotalBytes)
}
