package wire

import (
	"encoding/json"

	"orchard/pkg/types"
)

// deltaWire mirrors the engine's on-wire delta JSON shape; field names
// follow the engine's vocabulary (is_final_delta), not the client-facing
// ClientDelta struct (§8 scenario 5).
type deltaWire struct {
	RequestID         uint64               `json:"request_id"`
	SequenceID        *uint64              `json:"sequence_id,omitempty"`
	PromptIndex       *int                 `json:"prompt_index,omitempty"`
	CandidateIndex    *int                 `json:"candidate_index,omitempty"`
	PromptTokenCount  *int                 `json:"prompt_token_count,omitempty"`
	NumTokensInDelta  *int                 `json:"num_tokens_in_delta,omitempty"`
	Tokens            []int                `json:"tokens,omitempty"`
	TopLogprobs       []map[string]float64 `json:"top_logprobs,omitempty"`
	CumulativeLogprob *float64             `json:"cumulative_logprob,omitempty"`
	GenerationLen     *int                 `json:"generation_len,omitempty"`
	Content           *string              `json:"content,omitempty"`
	ContentLen        *int                 `json:"content_len,omitempty"`
	IsFinalDelta      bool                 `json:"is_final_delta,omitempty"`
	FinishReason      *string              `json:"finish_reason,omitempty"`
	Error             *string              `json:"error,omitempty"`
}

// DecodeDelta parses one response-socket payload (the bytes following the
// topic prefix) into a ClientDelta. Malformed JSON is returned as an
// error; per §7 the receive loop is responsible for dropping it silently
// rather than propagating it to a caller.
func DecodeDelta(payload []byte) (types.ClientDelta, error) {
	var w deltaWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return types.ClientDelta{}, err
	}
	return types.ClientDelta{
		RequestID:         w.RequestID,
		SequenceID:        w.SequenceID,
		PromptIndex:       w.PromptIndex,
		CandidateIndex:    w.CandidateIndex,
		PromptTokenCount:  w.PromptTokenCount,
		NumTokensInDelta:  w.NumTokensInDelta,
		Tokens:            w.Tokens,
		TopLogprobs:       w.TopLogprobs,
		CumulativeLogprob: w.CumulativeLogprob,
		GenerationLen:     w.GenerationLen,
		Content:           w.Content,
		ContentLen:        w.ContentLen,
		IsFinal:           w.IsFinalDelta,
		FinishReason:      w.FinishReason,
		Error:             w.Error,
	}, nil
}

// EncodeDelta is the inverse of DecodeDelta, used by the fakeengine test
// harness to produce response-socket payloads.
func EncodeDelta(d types.ClientDelta) ([]byte, error) {
	w := deltaWire{
		RequestID:         d.RequestID,
		SequenceID:        d.SequenceID,
		PromptIndex:       d.PromptIndex,
		CandidateIndex:    d.CandidateIndex,
		PromptTokenCount:  d.PromptTokenCount,
		NumTokensInDelta:  d.NumTokensInDelta,
		Tokens:            d.Tokens,
		TopLogprobs:       d.TopLogprobs,
		CumulativeLogprob: d.CumulativeLogprob,
		GenerationLen:     d.GenerationLen,
		Content:           d.Content,
		ContentLen:        d.ContentLen,
		IsFinalDelta:      d.IsFinal,
		FinishReason:      d.FinishReason,
		Error:             d.Error,
	}
	return json.Marshal(w)
}
