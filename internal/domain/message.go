package domain

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Role constants for chat message roles.
const (
	RoleSystem    = "system"
	RoleDeveloper = "developer"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleFunction  = "function"
)

// PartKind is the validated kind of a single content part.
type PartKind int

const (
	// PartOther is any part type the bridge does not understand. It is kept
	// so ordering is preserved but contributes nothing.
	PartOther PartKind = iota
	// PartText covers "text" and "input_text" parts.
	PartText
	// PartImage covers "image_url", "input_image" and "image" parts.
	PartImage
)

// ContentPart is one typed element of structured message content. Exactly
// one of Text or ImageURL is meaningful, selected by Kind.
type ContentPart struct {
	Kind     PartKind
	Type     string // declared wire type, e.g. "input_text"
	Text     string
	ImageURL string
}

type rawPart struct {
	Type     string          `json:"type"`
	Text     *string         `json:"text"`
	ImageURL json.RawMessage `json:"image_url"`
	URL      *string         `json:"url"`
}

// UnmarshalJSON classifies the part once so later stages can switch on Kind.
// Unknown or malformed parts decode as PartOther rather than failing.
func (p *ContentPart) UnmarshalJSON(data []byte) error {
	var raw rawPart
	if err := json.Unmarshal(data, &raw); err != nil {
		*p = ContentPart{Kind: PartOther}
		return nil
	}
	*p = ContentPart{Kind: PartOther, Type: raw.Type}

	switch raw.Type {
	case "text", "input_text":
		if raw.Text != nil {
			p.Kind = PartText
			p.Text = *raw.Text
		}
	case "image_url", "input_image", "image":
		if url, ok := decodeImageURL(raw.ImageURL); ok {
			p.Kind = PartImage
			p.ImageURL = url
		} else if raw.URL != nil {
			p.Kind = PartImage
			p.ImageURL = *raw.URL
		}
	}
	return nil
}

// MarshalJSON renders the part in OpenAI wire shape.
func (p ContentPart) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case PartText:
		return json.Marshal(map[string]string{"type": p.Type, "text": p.Text})
	case PartImage:
		return json.Marshal(map[string]any{"type": p.Type, "image_url": map[string]string{"url": p.ImageURL}})
	default:
		return json.Marshal(map[string]string{"type": p.Type})
	}
}

// decodeImageURL accepts either a bare string or an object with a url field.
func decodeImageURL(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var obj struct {
		URL *string `json:"url"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.URL != nil {
		return *obj.URL, true
	}
	return "", false
}

// MessageContent is either plain text or an ordered list of parts.
type MessageContent struct {
	Text       string
	Parts      []ContentPart
	Structured bool
}

// UnmarshalJSON accepts a string, an array of parts, or anything else (which
// decodes as empty content).
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	*c = MessageContent{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	switch trimmed[0] {
	case '"':
		return json.Unmarshal(trimmed, &c.Text)
	case '[':
		var parts []ContentPart
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return nil
		}
		c.Parts = parts
		c.Structured = true
	}
	return nil
}

// MarshalJSON renders plain content as a string and structured content as an array.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Structured {
		if c.Parts == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// PlainText extracts the textual content. Structured content joins every
// text part with a newline; other parts are ignored.
func (c MessageContent) PlainText() string {
	if !c.Structured {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Kind == PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// ChatMessage is one inbound OpenAI-style chat message, validated at ingestion.
// A zero Role marks a message that failed validation.
type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
	Name    string         `json:"name,omitempty"`
}

// UnmarshalJSON never fails: a message whose role is not a string decodes
// with an empty Role and is later dropped by the normalizer.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	*m = ChatMessage{}
	var raw struct {
		Role    json.RawMessage `json:"role"`
		Content MessageContent  `json:"content"`
		Name    json.RawMessage `json:"name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	var role string
	if err := json.Unmarshal(raw.Role, &role); err != nil {
		return nil
	}
	var name string
	if len(raw.Name) > 0 {
		_ = json.Unmarshal(raw.Name, &name)
	}
	m.Role = strings.TrimSpace(role)
	m.Content = raw.Content
	m.Name = strings.TrimSpace(name)
	return nil
}

// ConversationEntry is a labelled turn used to build the prompt.
type ConversationEntry struct {
	Role   string
	Sender string
	Body   string
}

// FlattenedPrompt is the single-prompt shape the agent runtime consumes.
type FlattenedPrompt struct {
	Message           string
	ExtraSystemPrompt string // empty means absent
}
