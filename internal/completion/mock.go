package completion

import (
	"context"
	"strings"

	"github.com/ent0n29/threadbot/internal/chat"
)

// MockClient echoes the newest user text, streamed word by word.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) StreamComplete(ctx context.Context, prompt chat.Prompt, _ chat.AIConfig, onDelta DeltaHandler) (Response, error) {
	text := buildMockReply(prompt)
	words := strings.SplitAfter(text, " ")
	for _, w := range words {
		if err := ctx.Err(); err != nil {
			return Response{}, &Failure{Op: "stream", Err: err}
		}
		if w == "" || onDelta == nil {
			continue
		}
		if err := onDelta(w); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text, FinishReason: "stop"}, nil
}

func (c *MockClient) Complete(ctx context.Context, prompt chat.Prompt, _ chat.AIConfig) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, &Failure{Op: "complete", Err: err}
	}
	return Response{Text: buildMockReply(prompt), FinishReason: "stop"}, nil
}

func buildMockReply(prompt chat.Prompt) string {
	for i := len(prompt) - 1; i >= 0; i-- {
		m := prompt[i]
		if m.Role != chat.RoleUser {
			continue
		}
		for _, b := range m.Content {
			if b.Type == chat.BlockText && strings.TrimSpace(b.Text) != "" {
				return "I heard you: " + strings.TrimSpace(b.Text)
			}
		}
	}
	return "I am listening."
}
