package chat

import (
	"context"
	"errors"
)

// ErrMessageNotFound is returned when a message cannot be fetched.
var ErrMessageNotFound = errors.New("message not found")

// State tags how a rich surface should present content.
type State string

const (
	StateStreaming State = "streaming"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
)

// Content is what gets rendered into a sent or edited message.
type Content struct {
	Text  string `json:"text"`
	Rich  bool   `json:"rich,omitempty"`
	Title string `json:"title,omitempty"`
	State State  `json:"state,omitempty"`
}

// Handle identifies a message on the chat surface.
type Handle struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// HandleOf returns the handle of msg.
func HandleOf(msg Message) Handle {
	return Handle{ChannelID: msg.ChannelID, MessageID: msg.ID}
}

// Surface is the chat transport the bot reads from and writes to.
type Surface interface {
	FetchMessage(ctx context.Context, channelID, id string) (Message, error)
	Reply(ctx context.Context, to Handle, content Content) (Handle, error)
	Edit(ctx context.Context, h Handle, content Content) error
}
