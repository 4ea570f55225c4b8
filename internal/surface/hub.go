// Package surface is a self-hosted chat surface: it stores recent messages
// and fans message events out to websocket subscribers.
package surface

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/ent0n29/threadbot/internal/chat"
	"github.com/ent0n29/threadbot/internal/observability"
	"github.com/ent0n29/threadbot/internal/protocol"
)

const subscriberBuffer = 256

type Config struct {
	BotID    string
	Capacity int
	Logger   zerolog.Logger
	Metrics  *observability.Metrics
}

type stored struct {
	msg     chat.Message
	content chat.Content
}

// Hub implements chat.Surface. Messages older than the newest Capacity are
// forgotten, which ends reply chains that reach them.
type Hub struct {
	botID    string
	messages *lru.Cache[string, stored]
	logger   zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	ch chan any
}

func NewHub(cfg Config) (*Hub, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	messages, err := lru.New[string, stored](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("message store: %w", err)
	}
	return &Hub{
		botID:    cfg.BotID,
		messages: messages,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
		subs:     make(map[string]map[*subscriber]struct{}),
	}, nil
}

// Post stores a user message and announces it to the channel.
func (h *Hub) Post(authorID, channelID string, direct bool, create protocol.MessageCreate) chat.Message {
	msg := chat.Message{
		ID:            uuid.NewString(),
		ChannelID:     channelID,
		AuthorID:      authorID,
		Content:       create.Content,
		Attachments:   create.Attachments,
		ParentID:      strings.TrimSpace(create.ReplyTo),
		CreatedAt:     h.now(),
		DirectMessage: direct,
	}
	content := chat.Content{Text: msg.Content, State: chat.StateComplete}
	h.messages.Add(msg.ID, stored{msg: msg, content: content})
	h.publish(channelID, protocol.MessageCreated{Type: protocol.TypeMessageCreated, Message: msg, Content: content})
	return msg
}

func (h *Hub) FetchMessage(_ context.Context, channelID, id string) (chat.Message, error) {
	s, ok := h.messages.Get(id)
	if !ok || s.msg.ChannelID != channelID {
		return chat.Message{}, chat.ErrMessageNotFound
	}
	return s.msg, nil
}

func (h *Hub) Reply(ctx context.Context, to chat.Handle, content chat.Content) (chat.Handle, error) {
	if err := ctx.Err(); err != nil {
		return chat.Handle{}, err
	}
	msg := chat.Message{
		ID:        uuid.NewString(),
		ChannelID: to.ChannelID,
		AuthorID:  h.botID,
		Content:   content.Text,
		ParentID:  to.MessageID,
		CreatedAt: h.now(),
	}
	h.messages.Add(msg.ID, stored{msg: msg, content: content})
	h.publish(to.ChannelID, protocol.MessageCreated{Type: protocol.TypeMessageCreated, Message: msg, Content: content})
	return chat.HandleOf(msg), nil
}

func (h *Hub) Edit(ctx context.Context, handle chat.Handle, content chat.Content) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, ok := h.messages.Get(handle.MessageID)
	if !ok || s.msg.ChannelID != handle.ChannelID {
		return chat.ErrMessageNotFound
	}
	s.msg.Content = content.Text
	s.content = content
	h.messages.Add(handle.MessageID, s)
	h.publish(handle.ChannelID, protocol.MessageUpdated{
		Type:      protocol.TypeMessageUpdated,
		ChannelID: handle.ChannelID,
		MessageID: handle.MessageID,
		Content:   content,
	})
	return nil
}

// Subscribe returns a stream of events for channelID and a func that ends it.
func (h *Hub) Subscribe(channelID string) (<-chan any, func()) {
	sub := &subscriber{ch: make(chan any, subscriberBuffer)}
	h.mu.Lock()
	set, ok := h.subs[channelID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[channelID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[channelID], sub)
			if len(h.subs[channelID]) == 0 {
				delete(h.subs, channelID)
			}
			close(sub.ch)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Len() int {
	return h.messages.Len()
}

// publish never blocks; a subscriber whose buffer is full misses the event.
func (h *Hub) publish(channelID string, event any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[channelID] {
		select {
		case sub.ch <- event:
		default:
			h.logger.Warn().Str("channel_id", channelID).Msg("subscriber saturated, event dropped")
			if h.metrics != nil {
				h.metrics.WSMessages.WithLabelValues("dropped", eventType(event)).Inc()
			}
		}
	}
}

func eventType(event any) string {
	switch e := event.(type) {
	case protocol.MessageCreated:
		return string(e.Type)
	case protocol.MessageUpdated:
		return string(e.Type)
	default:
		return "unknown"
	}
}
