package domain

import "strings"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentPart is a single typed part of a turn, following the Responses API
// part vocabulary: input_text and input_image on the way in, output_text on
// the way back.
type ContentPart struct {
	Type string `json:"type"`

	// For input_text / output_text parts.
	Text string `json:"text,omitempty"`

	// For input_image parts. Holds a data URL (data:image/...;base64,...)
	// which the API accepts verbatim.
	ImageURL string `json:"image_url,omitempty"`
}

// TextPart builds an input_text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "input_text", Text: text}
}

// ImagePart builds an input_image content part from a data URL.
func ImagePart(dataURL string) ContentPart {
	return ContentPart{Type: "input_image", ImageURL: dataURL}
}

// OutputTextPart builds an output_text content part, used when an assistant
// reply is appended back into history.
func OutputTextPart(text string) ContentPart {
	return ContentPart{Type: "output_text", Text: text}
}

// ConversationTurn is one turn of a multi-part conversation. The system turn
// is regenerated from the role's prompt on every call and is never part of
// persisted history.
type ConversationTurn struct {
	Role    Role          `json:"role"`
	Content []ContentPart `json:"content"`
}

// SystemTurn builds a system turn with a single text part.
func SystemTurn(prompt string) ConversationTurn {
	return ConversationTurn{Role: RoleSystem, Content: []ContentPart{TextPart(prompt)}}
}

// UserTurn builds a user turn from the given parts.
func UserTurn(parts ...ContentPart) ConversationTurn {
	return ConversationTurn{Role: RoleUser, Content: parts}
}

// AssistantTurn builds an assistant turn wrapping raw reply text.
func AssistantTurn(text string) ConversationTurn {
	return ConversationTurn{Role: RoleAssistant, Content: []ContentPart{OutputTextPart(text)}}
}

// TextContent returns the concatenated text of all text-bearing parts.
func (t ConversationTurn) TextContent() string {
	var sb strings.Builder
	for _, p := range t.Content {
		if p.Type == "input_text" || p.Type == "output_text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
