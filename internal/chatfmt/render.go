package chatfmt

import (
	"strings"

	"orchard/pkg/orcherr"
	"orchard/pkg/types"
)

const defaultImagePlaceholder = "<|image|>"

// renderText applies the §4.4 rendering algorithm and collects the ordered
// image buffers and capability blobs encountered along the way.
func renderText(ct types.ControlTokens, conv types.Conversation, addGenerationPrompt bool) (string, [][]byte, []types.CapabilityBlob, error) {
	interactions := conv.Interactions
	if conv.Instructions != "" {
		instr := types.Interaction{
			Role:    string(types.RoleSystem),
			Content: []types.ContentPart{{Type: types.PartText, Text: conv.Instructions}},
		}
		interactions = append([]types.Interaction{instr}, interactions...)
	}

	imgToken := ct.StartImageToken
	if imgToken == "" {
		imgToken = defaultImagePlaceholder
	}

	var out strings.Builder
	var images [][]byte
	var caps []types.CapabilityBlob

	out.WriteString(ct.BeginOfText)
	for _, in := range interactions {
		role := types.NormalizeRole(in.Role)
		if tmpl, ok := ct.Roles[string(role)]; ok {
			out.WriteString(tmpl.RoleStartTag)
			out.WriteString(tmpl.RoleName)
			out.WriteString(tmpl.RoleEndTag)
		}
		for _, part := range in.Content {
			switch part.Type {
			case types.PartText:
				out.WriteString(part.Text)
			case types.PartImage:
				decoded, err := DecodeDataURL(part.ImageURL)
				if err != nil {
					return "", nil, nil, err
				}
				images = append(images, decoded)
				out.WriteString(imgToken)
			case types.PartCapability:
				if part.CapabilityName == "coord" {
					caps = append(caps, types.CapabilityBlob{Name: part.CapabilityName, Payload: part.CapabilityData})
					out.WriteString(ct.CoordPlaceholder)
				} else {
					caps = append(caps, types.CapabilityBlob{Name: part.CapabilityName, Payload: part.CapabilityData})
				}
			}
		}
		out.WriteString(ct.EndOfSequence)
	}
	if addGenerationPrompt {
		if tmpl, ok := ct.Roles[string(types.RoleAgent)]; ok {
			out.WriteString(tmpl.RoleStartTag)
			out.WriteString(tmpl.RoleName)
			out.WriteString(tmpl.RoleEndTag)
		}
	}
	return out.String(), images, caps, nil
}

type placeholderOcc struct {
	start    int
	tokenLen int
	kind     types.SegmentType
}

func findAllOccurrences(text, token string) []int {
	if token == "" {
		return nil
	}
	var positions []int
	from := 0
	for {
		idx := strings.Index(text[from:], token)
		if idx < 0 {
			break
		}
		positions = append(positions, from+idx)
		from = from + idx + len(token)
	}
	return positions
}

// BuildLayout implements §4.4's layout construction. It returns the bytes
// to place in the wire text blob (placeholder tokens stripped per
// excludeImagePlaceholder) and the ordered layout segments.
func BuildLayout(promptText string, imageBuffers [][]byte, coordCapabilities []types.CapabilityBlob, ct types.ControlTokens, excludeImagePlaceholder bool) ([]byte, []types.LayoutSegment, error) {
	if len(imageBuffers) == 0 && len(coordCapabilities) == 0 {
		if promptText == "" {
			return nil, nil, &orcherr.MultimodalError{Code: orcherr.CodeEmptyPrompt, Detail: "no text, images, or capabilities"}
		}
		return []byte(promptText), []types.LayoutSegment{{Type: types.SegmentText, Length: uint64(len(promptText))}}, nil
	}

	imgToken := ct.StartImageToken
	if imgToken == "" {
		imgToken = defaultImagePlaceholder
	}
	imgPositions := findAllOccurrences(promptText, imgToken)
	if len(imgPositions) != len(imageBuffers) {
		return nil, nil, &orcherr.MultimodalError{
			Code:   orcherr.CodePlaceholderMismatch,
			Detail: itoaPair("expected", len(imageBuffers), "got", len(imgPositions)),
		}
	}

	var coordPositions []int
	if ct.CoordPlaceholder != "" {
		coordPositions = findAllOccurrences(promptText, ct.CoordPlaceholder)
	}
	if len(coordPositions) != len(coordCapabilities) {
		return nil, nil, &orcherr.MultimodalError{
			Code:   orcherr.CodeCoordPlaceholderMismatch,
			Detail: itoaPair("expected", len(coordCapabilities), "got", len(coordPositions)),
		}
	}

	occs := make([]placeholderOcc, 0, len(imgPositions)+len(coordPositions))
	for _, p := range imgPositions {
		occs = append(occs, placeholderOcc{start: p, tokenLen: len(imgToken), kind: types.SegmentImage})
	}
	for _, p := range coordPositions {
		occs = append(occs, placeholderOcc{start: p, tokenLen: len(ct.CoordPlaceholder), kind: types.SegmentCapability})
	}
	sortOccs(occs)

	var textBuf []byte
	var segs []types.LayoutSegment
	cursor := 0
	imgIdx, coordIdx := 0, 0
	for _, occ := range occs {
		pre := promptText[cursor:occ.start]
		if occ.kind == types.SegmentImage && !excludeImagePlaceholder {
			pre += imgToken
		}
		if len(pre) > 0 {
			textBuf = append(textBuf, []byte(pre)...)
			segs = append(segs, types.LayoutSegment{Type: types.SegmentText, Length: uint64(len(pre))})
		}
		switch occ.kind {
		case types.SegmentImage:
			segs = append(segs, types.LayoutSegment{Type: types.SegmentImage, Length: uint64(len(imageBuffers[imgIdx]))})
			imgIdx++
		case types.SegmentCapability:
			segs = append(segs, types.LayoutSegment{Type: types.SegmentCapability, Length: uint64(len(coordCapabilities[coordIdx].Payload))})
			coordIdx++
		}
		cursor = occ.start + occ.tokenLen
	}
	trailing := promptText[cursor:]
	if len(trailing) > 0 {
		textBuf = append(textBuf, []byte(trailing)...)
		segs = append(segs, types.LayoutSegment{Type: types.SegmentText, Length: uint64(len(trailing))})
	}
	return textBuf, segs, nil
}

func sortOccs(occs []placeholderOcc) {
	for i := 1; i < len(occs); i++ {
		for j := i; j > 0 && occs[j-1].start > occs[j].start; j-- {
			occs[j-1], occs[j] = occs[j], occs[j-1]
		}
	}
}

func itoaPair(k1 string, v1 int, k2 string, v2 int) string {
	return k1 + "=" + itoa(v1) + " " + k2 + "=" + itoa(v2)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// FormatConversation renders conv and builds its layout in one pass,
// separating coord-capability blobs (interleaved via CoordPlaceholder)
// from other capability blobs (appended as trailing capability segments
// contributing no placeholder text, mirroring render's "capability →
// empty" rule for non-coord capabilities).
func FormatConversation(ct types.ControlTokens, conv types.Conversation, addGenerationPrompt, excludeImagePlaceholder bool) (types.RenderedPrompt, error) {
	text, images, allCaps, err := renderText(ct, conv, addGenerationPrompt)
	if err != nil {
		return types.RenderedPrompt{}, err
	}

	var coordCaps, otherCaps []types.CapabilityBlob
	for _, c := range allCaps {
		if c.Name == "coord" {
			coordCaps = append(coordCaps, c)
		} else {
			otherCaps = append(otherCaps, c)
		}
	}

	wireText, layout, err := BuildLayout(text, images, coordCaps, ct, excludeImagePlaceholder)
	if err != nil {
		return types.RenderedPrompt{}, err
	}
	for _, c := range otherCaps {
		layout = append(layout, types.LayoutSegment{Type: types.SegmentCapability, Length: uint64(len(c.Payload))})
	}

	return types.RenderedPrompt{
		Text:         text,
		WireText:     wireText,
		Layout:       layout,
		ImageBuffers: images,
		Capabilities: append(coordCaps, otherCaps...),
	}, nil
}
