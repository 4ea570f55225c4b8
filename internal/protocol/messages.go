package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/threadbot/internal/chat"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeMessageCreate  MessageType = "message_create"
	TypeMessageCreated MessageType = "message_created"
	TypeMessageUpdated MessageType = "message_updated"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// MessageCreate is a user message posted from a connected client.
type MessageCreate struct {
	Type        MessageType       `json:"type"`
	SessionID   string            `json:"session_id"`
	Content     string            `json:"content"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
}

// MessageCreated announces a new message in the channel, from users or the bot.
type MessageCreated struct {
	Type    MessageType  `json:"type"`
	Message chat.Message `json:"message"`
	Content chat.Content `json:"content"`
}

// MessageUpdated announces an edit of an existing message.
type MessageUpdated struct {
	Type      MessageType  `json:"type"`
	ChannelID string       `json:"channel_id"`
	MessageID string       `json:"message_id"`
	Content   chat.Content `json:"content"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeMessageCreate:
		var msg MessageCreate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || (strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) == 0) {
			return nil, errors.New("invalid message_create")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
