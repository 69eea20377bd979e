// Package chatfmt implements the chat formatter (§4.4): parsing a
// per-model control_tokens.json profile, normalizing interaction roles,
// rendering a conversation to prompt text, and building the multimodal
// layout that ties that text to image/capability positions.
package chatfmt

import (
	"encoding/json"
	"os"
	"path/filepath"

	"orchard/pkg/orcherr"
	"orchard/pkg/types"
)

const profileFileName = "control_tokens.json"

type roleWire struct {
	RoleName     string `json:"role_name"`
	RoleStartTag string `json:"role_start_tag"`
	RoleEndTag   string `json:"role_end_tag"`
}

type controlTokensWire struct {
	TemplateType       string              `json:"template_type"`
	BeginOfText        string              `json:"begin_of_text"`
	EndOfMessage       string              `json:"end_of_message"`
	EndOfSequence      string              `json:"end_of_sequence"`
	StartImageToken    string              `json:"start_image_token,omitempty"`
	EndImageToken      string              `json:"end_image_token,omitempty"`
	ThinkingStartToken string              `json:"thinking_start_token,omitempty"`
	ThinkingEndToken   string              `json:"thinking_end_token,omitempty"`
	CoordPlaceholder   string              `json:"coord_placeholder,omitempty"`
	Capabilities       map[string]string   `json:"capabilities,omitempty"`
	Roles              map[string]roleWire `json:"roles"`
}

// ParseControlTokens decodes a control_tokens.json payload (§8 scenario 2).
func ParseControlTokens(raw []byte) (types.ControlTokens, error) {
	var w controlTokensWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return types.ControlTokens{}, &orcherr.FormatterError{Code: orcherr.CodeInvalidConfig, Err: err}
	}
	roles := make(map[string]types.RoleTemplate, len(w.Roles))
	for k, r := range w.Roles {
		roles[k] = types.RoleTemplate{
			RoleName:     r.RoleName,
			RoleStartTag: r.RoleStartTag,
			RoleEndTag:   r.RoleEndTag,
		}
	}
	return types.ControlTokens{
		TemplateType:       w.TemplateType,
		BeginOfText:        w.BeginOfText,
		EndOfMessage:       w.EndOfMessage,
		EndOfSequence:      w.EndOfSequence,
		StartImageToken:    w.StartImageToken,
		EndImageToken:      w.EndImageToken,
		ThinkingStartToken: w.ThinkingStartToken,
		ThinkingEndToken:   w.ThinkingEndToken,
		CoordPlaceholder:   w.CoordPlaceholder,
		Capabilities:       w.Capabilities,
		Roles:              roles,
	}, nil
}

// LoadProfile reads <modelDir>/control_tokens.json and parses it.
// CONFIG_NOT_FOUND is returned when the file is absent, distinct from
// INVALID_CONFIG for a present-but-malformed file.
func LoadProfile(modelDir string) (types.ControlTokens, error) {
	path := filepath.Join(modelDir, profileFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.ControlTokens{}, &orcherr.FormatterError{Code: orcherr.CodeConfigNotFound, Path: path, Err: err}
		}
		return types.ControlTokens{}, &orcherr.FormatterError{Code: orcherr.CodeInvalidConfig, Path: path, Err: err}
	}
	ct, err := ParseControlTokens(raw)
	if err != nil {
		if fe, ok := err.(*orcherr.FormatterError); ok {
			fe.Path = path
		}
		return types.ControlTokens{}, err
	}
	return ct, nil
}
