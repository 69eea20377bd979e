package types

// Role is the normalized role name used by a chat profile.
type Role string

const (
	RoleSystem Role = "system"
	RoleAgent  Role = "agent"
	RoleUser   Role = "user"
	RoleTool   Role = "tool"
)

// roleAliases maps caller-facing spellings to the canonical role set.
var roleAliases = map[string]Role{
	"assistant": RoleAgent,
	"model":     RoleAgent,
	"developer": RoleSystem,
}

// NormalizeRole maps a caller-supplied role string to the canonical role
// set (assistant/model -> agent, developer -> system), lower-casing
// unrecognised values and defaulting an empty role to "user" (§8
// scenario 1).
func NormalizeRole(role string) Role {
	if role == "" {
		return RoleUser
	}
	lower := lowerASCII(role)
	if canonical, ok := roleAliases[lower]; ok {
		return canonical
	}
	return Role(lower)
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// PartType identifies the kind of content within one interaction.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartCapability PartType = "capability"
)

// ContentPart is one typed piece of an interaction's content. Exactly one
// of Text, ImageURL, or (CapabilityName, CapabilityData) is meaningful,
// selected by Type.
type ContentPart struct {
	Type           PartType
	Text           string
	ImageURL       string
	CapabilityName string
	CapabilityData []byte
	// CoordPayload is a numeric view of a coord capability's payload. The
	// formatter does not read it: coord capabilities are rendered, counted
	// and laid out from CapabilityName and CapabilityData.
	CoordPayload []float64
}

// Interaction is one turn of a conversation.
type Interaction struct {
	Role    string
	Content []ContentPart
}

// Conversation is the ordered sequence of interactions rendered by the
// chat formatter, optionally prefixed with an Instructions system turn.
type Conversation struct {
	Instructions string
	Interactions []Interaction
}

// RenderedPrompt is the output of formatting a Conversation: the logical
// prompt text, the bytes to place in the wire text blob (which may have
// image placeholder tokens stripped, per excludeImagePlaceholder), the
// layout segments, and the decoded image/capability buffers they
// reference.
type RenderedPrompt struct {
	Text         string
	WireText     []byte
	Layout       []LayoutSegment
	ImageBuffers [][]byte
	Capabilities []CapabilityBlob
}

// CapabilityBlob is a decoded capability payload tied to a layout position.
type CapabilityBlob struct {
	Name    string
	Payload []byte
}
