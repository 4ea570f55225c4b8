// Package pipeline runs one chat invocation: lock check, context assembly,
// completion streaming and delivery.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/threadbot/internal/chat"
	"github.com/ent0n29/threadbot/internal/completion"
	"github.com/ent0n29/threadbot/internal/conversation"
	"github.com/ent0n29/threadbot/internal/delivery"
	"github.com/ent0n29/threadbot/internal/nodecache"
	"github.com/ent0n29/threadbot/internal/observability"
	"github.com/ent0n29/threadbot/internal/policy"
	"github.com/ent0n29/threadbot/internal/reliability"
)

const (
	defaultRetryBase = 500 * time.Millisecond
	maxRetryDelay    = 8 * time.Second
)

type Config struct {
	BotID     string
	Surface   chat.Surface
	Assembler *conversation.Assembler
	Client    completion.Client
	Engine    *delivery.Engine
	// Cache receives completed chains. Optional.
	Cache            *nodecache.Cache
	AI               chat.AIConfig
	ConversationLock bool
	Retries          int
	RetryBase        time.Duration
	Logger           zerolog.Logger
	Metrics          *observability.Metrics
}

type Handler struct {
	cfg Config
}

// Outcome summarizes a handled invocation.
type Outcome struct {
	Locked    bool
	CacheHits int
	Delivery  delivery.Result
}

func New(cfg Config) *Handler {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	return &Handler{cfg: cfg}
}

// Handle answers msg, whose command prefix has already been stripped into args.
func (h *Handler) Handle(ctx context.Context, msg chat.Message, args string) (Outcome, error) {
	started := time.Now()
	log := h.cfg.Logger.With().
		Str("message_id", msg.ID).
		Str("channel_id", msg.ChannelID).
		Str("author_id", msg.AuthorID).
		Logger()

	if owner, locked := h.lockedBy(ctx, msg); locked {
		text := fmt.Sprintf("🔒 <@%s> this conversation belongs to <@%s>", msg.AuthorID, owner)
		if _, err := h.cfg.Surface.Reply(ctx, chat.HandleOf(msg), chat.Content{Text: text}); err != nil {
			log.Warn().Err(err).Msg("lock notice not delivered")
		}
		h.cfg.Metrics.ObserveIndicator("conversation_locked")
		h.countInvocation("locked")
		log.Info().Str("owner_id", owner).Msg("conversation locked")
		return Outcome{Locked: true}, nil
	}

	anchor := msg
	anchor.Content = args
	assembleStart := time.Now()
	assembled, err := h.cfg.Assembler.Assemble(ctx, anchor, h.lookup(msg.ChannelID), h.cfg.AI)
	if err != nil {
		h.countInvocation("error")
		return Outcome{}, fmt.Errorf("assemble context: %w", err)
	}
	h.cfg.Metrics.ObserveStage(observability.StageAssemble, time.Since(assembleStart))
	if assembled.CacheHits > 0 {
		h.cfg.Metrics.ObserveIndicator("cache_hit")
	}
	log.Debug().
		Int("chain", len(assembled.Chain)).
		Int("cache_hits", assembled.CacheHits).
		Str("preview", policy.LogPreview(args, 80)).
		Msg("context assembled")

	deliverStart := time.Now()
	result := h.cfg.Engine.Deliver(ctx, chat.HandleOf(msg), h.source(assembled.Prompt, started))
	h.cfg.Metrics.ObserveStage(observability.StageDeliver, time.Since(deliverStart))
	h.cfg.Metrics.ObserveStage(observability.StageTotal, time.Since(started))
	h.countInvocation(string(result.State))

	if result.State == delivery.StateCompleted && h.cfg.Cache != nil && len(result.Handles) > 0 {
		last := result.Handles[len(result.Handles)-1]
		reply := chat.Node{
			ID:        last.MessageID,
			Text:      result.Text,
			Role:      chat.RoleAssistant,
			AuthorID:  h.cfg.BotID,
			ParentID:  msg.ID,
			Timestamp: time.Now().UTC(),
		}
		h.cfg.Cache.Put(last.MessageID, append([]chat.Node{reply}, assembled.Chain...))
	}

	log.Info().
		Str("state", string(result.State)).
		Int("messages_sent", len(result.Handles)).
		Dur("elapsed", time.Since(started)).
		Msg("invocation finished")
	return Outcome{CacheHits: assembled.CacheHits, Delivery: result}, nil
}

// Complete is the non-streaming variant: it returns the full answer text
// without touching the chat surface.
func (h *Handler) Complete(ctx context.Context, msg chat.Message, args string) (string, error) {
	anchor := msg
	anchor.Content = args
	assembled, err := h.cfg.Assembler.Assemble(ctx, anchor, h.lookup(msg.ChannelID), h.cfg.AI)
	if err != nil {
		return "", fmt.Errorf("assemble context: %w", err)
	}
	res, err := h.cfg.Client.Complete(ctx, assembled.Prompt, h.cfg.AI)
	if err != nil {
		h.countFailure(err)
		return "", err
	}
	return res.Text, nil
}

// lockedBy reports the owner of the conversation msg replies into, when that
// owner is someone else.
func (h *Handler) lockedBy(ctx context.Context, msg chat.Message) (string, bool) {
	if !h.cfg.ConversationLock || msg.ParentID == "" {
		return "", false
	}
	replied, err := h.cfg.Surface.FetchMessage(ctx, msg.ChannelID, msg.ParentID)
	if err != nil || replied.ParentID == "" {
		return "", false
	}
	parent, err := h.cfg.Surface.FetchMessage(ctx, msg.ChannelID, replied.ParentID)
	if err != nil || parent.AuthorID == msg.AuthorID {
		return "", false
	}
	return parent.AuthorID, true
}

func (h *Handler) lookup(channelID string) conversation.Lookup {
	return func(ctx context.Context, id string) (chat.Message, bool) {
		m, err := h.cfg.Surface.FetchMessage(ctx, channelID, id)
		if err != nil {
			if !errors.Is(err, chat.ErrMessageNotFound) {
				h.cfg.Logger.Warn().Err(err).Str("parent_id", id).Msg("parent fetch failed")
			}
			return chat.Message{}, false
		}
		return m, true
	}
}

// source streams the completion, retrying retryable failures that happen
// before any text arrived.
func (h *Handler) source(prompt chat.Prompt, started time.Time) delivery.Source {
	return func(ctx context.Context, onDelta func(string) error) error {
		for attempt := 0; ; attempt++ {
			received := false
			_, err := h.cfg.Client.StreamComplete(ctx, prompt, h.cfg.AI, func(delta string) error {
				if !received {
					received = true
					h.cfg.Metrics.ObserveFirstDeltaLatency(time.Since(started))
				}
				return onDelta(delta)
			})
			if err == nil {
				return nil
			}
			f, ok := completion.AsFailure(err)
			if !ok {
				return err
			}
			h.countFailure(f)
			if received || !f.Retryable || attempt >= h.cfg.Retries {
				return err
			}

			delay := reliability.ExponentialBackoff(attempt, h.cfg.RetryBase, maxRetryDelay)
			h.cfg.Logger.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying completion")
			h.cfg.Metrics.ObserveIndicator("completion_retry")
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}
	}
}

func (h *Handler) countInvocation(outcome string) {
	if h.cfg.Metrics == nil {
		return
	}
	h.cfg.Metrics.Invocations.WithLabelValues(outcome).Inc()
}

func (h *Handler) countFailure(err error) {
	if h.cfg.Metrics == nil {
		return
	}
	code := "unknown"
	if f, ok := completion.AsFailure(err); ok {
		code = reliability.StatusCode(f.StatusCode)
	}
	h.cfg.Metrics.CompletionErrors.WithLabelValues(h.cfg.AI.Provider, code).Inc()
}
