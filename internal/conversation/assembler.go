// Package conversation turns a reply chain into a bounded completion prompt.
package conversation

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/threadbot/internal/chat"
	"github.com/ent0n29/threadbot/internal/nodecache"
	"github.com/ent0n29/threadbot/internal/observability"
)

// Lookup fetches a message by id. A false result ends the walk.
type Lookup func(ctx context.Context, id string) (chat.Message, bool)

// Resolver fetches attachment contents.
type Resolver interface {
	Resolve(ctx context.Context, atts []chat.Attachment) ([]string, []chat.ImagePayload)
}

type Config struct {
	BotID    string
	Resolver Resolver
	// Cache is optional. When set, cached chains stand in for lookups.
	Cache   *nodecache.Cache
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

type Assembler struct {
	botID    string
	resolver Resolver
	cache    *nodecache.Cache
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

// Result is an assembled prompt plus the walked chain, newest node first.
type Result struct {
	Prompt    chat.Prompt
	Chain     []chat.Node
	CacheHits int
}

func New(cfg Config) *Assembler {
	return &Assembler{
		botID:    cfg.BotID,
		resolver: cfg.Resolver,
		cache:    cfg.Cache,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Assemble walks the ancestry of anchor, newest first, until MaxMessages nodes
// are collected or the chain ends. Lookup failures end the walk early; only
// context cancellation is returned as an error.
func (a *Assembler) Assemble(ctx context.Context, anchor chat.Message, lookup Lookup, cfg chat.AIConfig) (Result, error) {
	var (
		res     Result
		msg     = anchor
		haveMsg = true
		cached  []chat.Node
	)
	for len(res.Chain) < cfg.MaxMessages {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		var n chat.Node
		switch {
		case len(cached) > 0:
			n, cached = cached[0], cached[1:]
		case haveMsg:
			n = a.node(ctx, msg, cfg)
			haveMsg = false
		default:
			return a.finish(res, anchor, cfg), nil
		}
		res.Chain = append(res.Chain, n)
		if len(cached) > 0 {
			continue
		}

		if n.ParentID == "" || len(res.Chain) >= cfg.MaxMessages {
			break
		}
		if a.cache != nil {
			if hit, ok := a.cache.Get(n.ParentID); ok && len(hit) > 0 {
				cached = hit
				res.CacheHits++
				continue
			}
		}
		parent, ok := lookup(ctx, n.ParentID)
		a.countLookup(ok)
		if !ok {
			a.logger.Debug().Str("parent_id", n.ParentID).Msg("ancestor unavailable, chain ends")
			break
		}
		msg, haveMsg = parent, true
	}
	return a.finish(res, anchor, cfg), nil
}

// node converts a message into a chain node with text and images already bounded.
func (a *Assembler) node(ctx context.Context, msg chat.Message, cfg chat.AIConfig) chat.Node {
	text := msg.Content
	var images []chat.ImagePayload
	if a.resolver != nil && len(msg.Attachments) > 0 {
		texts, imgs := a.resolver.Resolve(ctx, msg.Attachments)
		parts := make([]string, 0, len(texts)+1)
		if text != "" {
			parts = append(parts, text)
		}
		text = strings.Join(append(parts, texts...), "\n")
		images = imgs
	}
	if len(images) > cfg.MaxImages {
		images = images[:max(cfg.MaxImages, 0)]
	}
	return chat.Node{
		ID:        msg.ID,
		Text:      truncateRunes(text, cfg.MaxText),
		Images:    images,
		Role:      chat.RoleFor(msg.AuthorID, a.botID),
		AuthorID:  msg.AuthorID,
		ParentID:  msg.ParentID,
		Timestamp: msg.CreatedAt,
	}
}

// finish renders the chain oldest first behind an optional system directive.
func (a *Assembler) finish(res Result, anchor chat.Message, cfg chat.AIConfig) Result {
	images := cfg.AcceptsImages()
	names := cfg.AcceptsNames()

	prompt := make(chat.Prompt, 0, len(res.Chain)+1)
	if cfg.SystemPrompt != "" {
		directive := cfg.SystemPrompt
		if names {
			directive += "\nUser ID: <@" + anchor.AuthorID + ">"
		}
		prompt = append(prompt, chat.PromptMessage{
			Role:    chat.RoleSystem,
			Content: []chat.ContentBlock{chat.TextBlock(directive)},
		})
	}
	for i := len(res.Chain) - 1; i >= 0; i-- {
		n := res.Chain[i]
		var blocks []chat.ContentBlock
		if text := truncateRunes(n.Text, cfg.MaxText); text != "" {
			blocks = append(blocks, chat.TextBlock(text))
		}
		if images {
			imgs := n.Images
			if len(imgs) > cfg.MaxImages {
				imgs = imgs[:max(cfg.MaxImages, 0)]
			}
			for _, img := range imgs {
				blocks = append(blocks, chat.ImageBlock(img))
			}
		}
		pm := chat.PromptMessage{Role: n.Role, Content: blocks}
		if names && n.AuthorID != "" {
			pm.Name = n.AuthorID
		}
		prompt = append(prompt, pm)
	}
	res.Prompt = prompt
	return res
}

func (a *Assembler) countLookup(found bool) {
	if a.metrics == nil {
		return
	}
	result := "missing"
	if found {
		result = "found"
	}
	a.metrics.AncestorLookups.WithLabelValues(result).Inc()
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
