package chatfmt

import (
	"encoding/base64"

	"orchard/pkg/orcherr"
	"orchard/pkg/types"
)

// RawContentPart is the caller-facing, JSON-friendly shape of one content
// part before type aliases are normalized and capability payloads are
// base64-decoded. Pointer fields distinguish "absent" from "empty string".
type RawContentPart struct {
	Type           string  `json:"type"`
	Text           *string `json:"text,omitempty"`
	ImageURL       *string `json:"image_url,omitempty"`
	CapabilityName *string `json:"capability_name,omitempty"`
	CapabilityData *string `json:"capability_data,omitempty"` // base64
}

func normalizeContentType(t string) (types.PartType, error) {
	switch t {
	case "":
		return "", &orcherr.MultimodalError{Code: orcherr.CodeMissingType, Detail: "content part has no type"}
	case "text", "input_text":
		return types.PartText, nil
	case "image", "input_image", "image_url":
		return types.PartImage, nil
	case "capability":
		return types.PartCapability, nil
	default:
		return "", &orcherr.MultimodalError{Code: orcherr.CodeUnsupportedContent, Detail: t}
	}
}

// ParseContentPart validates and normalizes one raw content part.
func ParseContentPart(raw RawContentPart) (types.ContentPart, error) {
	pt, err := normalizeContentType(raw.Type)
	if err != nil {
		return types.ContentPart{}, err
	}
	switch pt {
	case types.PartText:
		if raw.Text == nil {
			return types.ContentPart{}, &orcherr.MultimodalError{Code: orcherr.CodeMissingText, Detail: "text part missing text field"}
		}
		return types.ContentPart{Type: types.PartText, Text: *raw.Text}, nil
	case types.PartImage:
		if raw.ImageURL == nil {
			return types.ContentPart{}, &orcherr.MultimodalError{Code: orcherr.CodeMissingImageURL, Detail: "image part missing image_url field"}
		}
		return types.ContentPart{Type: types.PartImage, ImageURL: *raw.ImageURL}, nil
	case types.PartCapability:
		if raw.CapabilityName == nil {
			return types.ContentPart{}, &orcherr.MultimodalError{Code: orcherr.CodeMissingCapabilityName, Detail: "capability part missing capability_name field"}
		}
		if raw.CapabilityData == nil {
			return types.ContentPart{}, &orcherr.MultimodalError{Code: orcherr.CodeMissingCapabilityData, Detail: "capability part missing capability_data field"}
		}
		decoded, err := base64.StdEncoding.DecodeString(*raw.CapabilityData)
		if err != nil {
			return types.ContentPart{}, &orcherr.MultimodalError{Code: orcherr.CodeInvalidBase64, Detail: err.Error()}
		}
		return types.ContentPart{Type: types.PartCapability, CapabilityName: *raw.CapabilityName, CapabilityData: decoded}, nil
	}
	return types.ContentPart{}, &orcherr.MultimodalError{Code: orcherr.CodeInvalidContentType, Detail: raw.Type}
}
