// Package commands routes inbound chat messages to registered commands.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ent0n29/threadbot/internal/chat"
	"github.com/ent0n29/threadbot/internal/policy"
)

// Wildcard handles any token without a registered command.
const Wildcard = "*"

// HandlerFunc runs a command. params is the text after the command token.
type HandlerFunc func(ctx context.Context, msg chat.Message, params string) error

type Command struct {
	Matches     []string
	Title       string
	Description string
	Run         HandlerFunc
}

type Config struct {
	BotID       string
	Surface     chat.Surface
	Permissions policy.Permissions
	Logger      zerolog.Logger
}

type Router struct {
	botID       string
	surface     chat.Surface
	permissions policy.Permissions
	logger      zerolog.Logger

	mu       sync.RWMutex
	byToken  map[string][]*Command
	wildcard []*Command
	ordered  []*Command
}

func NewRouter(cfg Config) *Router {
	return &Router{
		botID:       cfg.BotID,
		surface:     cfg.Surface,
		permissions: cfg.Permissions,
		logger:      cfg.Logger,
		byToken:     make(map[string][]*Command),
	}
}

func (r *Router) Register(cmd Command) {
	c := &cmd
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ordered = append(r.ordered, c)
	for _, m := range c.Matches {
		if m == Wildcard {
			r.wildcard = append(r.wildcard, c)
			continue
		}
		r.byToken[m] = append(r.byToken[m], c)
	}
}

// Resolve returns the commands registered for token, or the wildcard commands.
func (r *Router) Resolve(token string) []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cmds, ok := r.byToken[token]; ok {
		return cmds
	}
	return r.wildcard
}

// Mention is how msg content addresses the bot.
func (r *Router) Mention() string {
	return "<@" + r.botID + ">"
}

// Dispatch runs the commands msg addresses. It reports whether msg was meant
// for the bot and allowed through.
func (r *Router) Dispatch(ctx context.Context, msg chat.Message) bool {
	if msg.AuthorID == r.botID {
		return false
	}
	if !msg.DirectMessage && !strings.Contains(msg.Content, r.Mention()) {
		return false
	}
	if !r.permissions.Allowed(msg) {
		r.logger.Debug().Str("author_id", msg.AuthorID).Str("channel_id", msg.ChannelID).Msg("message blocked by permissions")
		return false
	}

	line := strings.TrimSpace(strings.TrimPrefix(msg.Content, r.Mention()))
	token, params, _ := strings.Cut(line, " ")
	params = strings.TrimSpace(params)

	for _, cmd := range r.Resolve(token) {
		if err := cmd.Run(ctx, msg, params); err != nil {
			r.logger.Error().Err(err).Str("command", cmd.Title).Msg("command failed")
			notice := chat.Content{Text: fmt.Sprintf("❌ Command failed: [%s] %v", cmd.Title, err)}
			if _, rerr := r.surface.Reply(ctx, chat.HandleOf(msg), notice); rerr != nil {
				r.logger.Warn().Err(rerr).Msg("failure notice not delivered")
			}
		}
	}
	return true
}

// Help renders the command listing, sorted by title. Wildcard-only commands
// are omitted.
func (r *Router) Help(simplified bool) string {
	r.mu.RLock()
	cmds := append([]*Command(nil), r.ordered...)
	r.mu.RUnlock()

	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Title < cmds[j].Title })

	var lines []string
	for _, c := range cmds {
		var matches []string
		for _, m := range c.Matches {
			if m != Wildcard {
				matches = append(matches, "`"+m+"`")
			}
		}
		if len(matches) == 0 {
			continue
		}
		use := strings.Join(matches, ", ")
		if simplified {
			lines = append(lines, fmt.Sprintf("%s - [use: %s]", c.Title, use))
		} else {
			lines = append(lines, fmt.Sprintf("%s - %s [use: %s]", c.Title, c.Description, use))
		}
	}
	if len(lines) == 0 {
		return "No commands available"
	}
	return "Commands:\n" + strings.Join(lines, "\n")
}
