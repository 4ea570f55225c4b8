package chat

import "encoding/json"

// BlockType identifies a prompt content block.
type BlockType string

const (
	BlockText  BlockType = "text"
	BlockImage BlockType = "image_url"
)

// ImageURL is the image_url payload of a content block.
type ImageURL struct {
	URL string `json:"url"`
}

// ContentBlock is one text or image part of a prompt message.
type ContentBlock struct {
	Type     BlockType `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock builds an image content block from a resolved payload.
func ImageBlock(img ImagePayload) ContentBlock {
	return ContentBlock{Type: BlockImage, ImageURL: &ImageURL{URL: img.DataURI()}}
}

// PromptMessage is a role-tagged entry of a Prompt.
type PromptMessage struct {
	Role    Role
	Content []ContentBlock
	Name    string
}

// MarshalJSON writes the OpenAI chat-completion message shape. System messages
// carry their directive as a plain string.
func (m PromptMessage) MarshalJSON() ([]byte, error) {
	type wire struct {
		Role    Role   `json:"role"`
		Content any    `json:"content"`
		Name    string `json:"name,omitempty"`
	}
	w := wire{Role: m.Role, Name: m.Name}
	switch {
	case m.Role == RoleSystem && len(m.Content) == 1 && m.Content[0].Type == BlockText:
		w.Content = m.Content[0].Text
	case len(m.Content) == 0:
		w.Content = []ContentBlock{}
	default:
		w.Content = m.Content
	}
	return json.Marshal(w)
}

// Prompt is the ordered message list sent to the completion endpoint.
type Prompt []PromptMessage

// ContentMessages counts the non-system entries.
func (p Prompt) ContentMessages() int {
	n := 0
	for _, m := range p {
		if m.Role != RoleSystem {
			n++
		}
	}
	return n
}
