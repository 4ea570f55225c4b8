package commands

import (
	"context"

	"github.com/ent0n29/threadbot/internal/chat"
	"github.com/ent0n29/threadbot/internal/pipeline"
)

// ChatMatches are the tokens that start a conversation with the model.
var ChatMatches = []string{"!chat", "!talk", "!lt", "!c", "!t", "!"}

// RegisterDefaults installs the chat command and both help listings.
func RegisterDefaults(r *Router, h *pipeline.Handler) {
	r.Register(Command{
		Matches:     ChatMatches,
		Title:       "Chat",
		Description: "Chat with the model; reply to continue the thread",
		Run: func(ctx context.Context, msg chat.Message, params string) error {
			_, err := h.Handle(ctx, msg, params)
			return err
		},
	})
	r.Register(Command{
		Matches:     []string{Wildcard, "!help"},
		Title:       "Help",
		Description: "Show the command list",
		Run:         r.replyHelp(true),
	})
	r.Register(Command{
		Matches:     []string{"!xz"},
		Title:       "Detailed help",
		Description: "Show every command with its description",
		Run:         r.replyHelp(false),
	})
}

func (r *Router) replyHelp(simplified bool) HandlerFunc {
	return func(ctx context.Context, msg chat.Message, _ string) error {
		_, err := r.surface.Reply(ctx, chat.HandleOf(msg), chat.Content{Text: r.Help(simplified)})
		return err
	}
}
