package chat

import (
	"encoding/base64"
	"time"
)

// Role tags a conversation node or prompt message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Attachment is a file reference carried by a chat message.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// Message is the chat surface's view of a single message.
type Message struct {
	ID            string       `json:"id"`
	ChannelID     string       `json:"channel_id"`
	AuthorID      string       `json:"author_id"`
	Content       string       `json:"content"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	ParentID      string       `json:"parent_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	DirectMessage bool         `json:"direct_message,omitempty"`
	RoleIDs       []string     `json:"role_ids,omitempty"`
}

// ImagePayload is a resolved image attachment.
type ImagePayload struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// DataURI encodes the payload for an image_url content block.
func (p ImagePayload) DataURI() string {
	return "data:" + p.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
}

// Node is the normalized representation of one message in a chain.
//
// ParentID only names the preceding node; chains are rebuilt by repeated lookup.
type Node struct {
	ID        string         `json:"id"`
	Text      string         `json:"text,omitempty"`
	Images    []ImagePayload `json:"images,omitempty"`
	Role      Role           `json:"role"`
	AuthorID  string         `json:"author_id,omitempty"`
	ParentID  string         `json:"parent_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RoleFor maps an author to a node role: only the bot identity speaks as assistant.
func RoleFor(authorID, botID string) Role {
	if botID != "" && authorID == botID {
		return RoleAssistant
	}
	return RoleUser
}

// CloneNodes returns a copy of chain that shares no slices with it.
func CloneNodes(chain []Node) []Node {
	if chain == nil {
		return nil
	}
	out := make([]Node, len(chain))
	for i, n := range chain {
		out[i] = n
		if n.Images != nil {
			out[i].Images = append([]ImagePayload(nil), n.Images...)
		}
	}
	return out
}
