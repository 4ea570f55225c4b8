// Package delivery renders a stream of completion deltas into chat messages.
package delivery

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ent0n29/threadbot/internal/chat"
	"github.com/ent0n29/threadbot/internal/observability"
)

type Mode string

const (
	// ModePaginated sends plain replies of at most PlainLimit runes, each
	// replying to the previous page.
	ModePaginated Mode = "paginated"
	// ModeProgressive keeps editing one rich message as text arrives.
	ModeProgressive Mode = "progressive"
)

const (
	PlainLimit    = 2000
	RichLimit     = 4096
	FlushInterval = time.Second

	ErrorTitle   = "Generation error"
	ErrorMessage = "An error occurred while processing the request. Please try again later."
)

// glyphs animate in-progress rich messages.
var glyphs = []rune("❤🧡💛💚💙💜🤎🖤🤍💕💓💗💖💘💝💟💌")

// room left for text in an in-progress rich message, after " " + glyph.
const progressRoom = RichLimit - 2

// Source pushes completion deltas into onDelta until the stream ends.
type Source func(ctx context.Context, onDelta func(delta string) error) error

type State string

const (
	StateCompleted State = "completed"
	StateEmpty     State = "empty"
	StateFailed    State = "failed"
)

// Result describes how a delivery ended. Handles lists every content message
// sent, in order; the error notice is not included.
type Result struct {
	State   State
	Text    string
	Handles []chat.Handle
	Err     error
}

type Config struct {
	Surface chat.Surface
	Mode    Mode
	// Now defaults to time.Now.
	Now     func() time.Time
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

type Engine struct {
	surface chat.Surface
	mode    Mode
	now     func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewEngine(cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeProgressive
	}
	return &Engine{
		surface: cfg.Surface,
		mode:    mode,
		now:     now,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

func (e *Engine) Mode() Mode { return e.mode }

// Deliver consumes src and renders it as replies to origin.
func (e *Engine) Deliver(ctx context.Context, origin chat.Handle, src Source) Result {
	r := &run{
		engine:    e,
		ctx:       ctx,
		origin:    origin,
		replyTo:   origin,
		lastFlush: e.now(),
	}

	err := src(ctx, r.onDelta)
	if err == nil {
		err = r.finish()
	}
	if err != nil {
		return r.fail(err)
	}

	if r.total == 0 {
		return Result{State: StateEmpty}
	}
	return Result{State: StateCompleted, Text: r.text(), Handles: r.handles}
}

type run struct {
	engine *Engine
	ctx    context.Context

	origin  chat.Handle
	replyTo chat.Handle
	// current is the in-progress rich message, if any.
	current *chat.Handle

	buf       []rune
	all       []rune
	total     int
	lastFlush time.Time
	handles   []chat.Handle
}

func (r *run) text() string { return string(r.all) }

func (r *run) onDelta(delta string) error {
	if delta == "" {
		return nil
	}
	runes := []rune(delta)
	r.buf = append(r.buf, runes...)
	r.all = append(r.all, runes...)
	r.total += len(runes)

	if r.engine.mode == ModePaginated {
		for len(r.buf) >= PlainLimit {
			if err := r.sendPage(r.buf[:PlainLimit]); err != nil {
				return err
			}
			r.buf = r.buf[PlainLimit:]
		}
		return nil
	}

	for len(r.buf) > progressRoom {
		if err := r.seal(r.buf[:progressRoom]); err != nil {
			return err
		}
		r.buf = r.buf[progressRoom:]
	}

	now := r.engine.now()
	last, _ := utf8.DecodeLastRuneInString(delta)
	// Length overflow is handled by the seal loop above.
	if now.Sub(r.lastFlush) > FlushInterval || isTerminator(last) {
		if len(r.buf) == 0 {
			return nil
		}
		if err := r.render(string(r.buf)+" "+string(glyphAt(now)), chat.StateStreaming); err != nil {
			return err
		}
		r.lastFlush = now
	}
	return nil
}

func (r *run) finish() error {
	if r.engine.mode == ModePaginated {
		for len(r.buf) > 0 {
			n := min(len(r.buf), PlainLimit)
			if err := r.sendPage(r.buf[:n]); err != nil {
				return err
			}
			r.buf = r.buf[n:]
		}
		return nil
	}
	if len(r.buf) == 0 {
		return nil
	}
	return r.render(string(r.buf), chat.StateComplete)
}

// sendPage replies with a plain page and chains the next page onto it.
func (r *run) sendPage(page []rune) error {
	h, err := r.engine.surface.Reply(r.ctx, r.replyTo, chat.Content{Text: string(page), State: chat.StateComplete})
	if err != nil {
		return &sinkError{err: err}
	}
	r.engine.countFlush("reply")
	r.handles = append(r.handles, h)
	r.replyTo = h
	return nil
}

// render creates the rich message on first use and edits it afterwards.
func (r *run) render(text string, state chat.State) error {
	content := chat.Content{Text: text, Rich: true, State: state}
	if r.current == nil {
		h, err := r.engine.surface.Reply(r.ctx, r.replyTo, content)
		if err != nil {
			return &sinkError{err: err}
		}
		r.engine.countFlush("reply")
		r.handles = append(r.handles, h)
		r.current = &h
		return nil
	}
	if err := r.engine.surface.Edit(r.ctx, *r.current, content); err != nil {
		return &sinkError{err: err}
	}
	r.engine.countFlush("edit")
	return nil
}

// seal finalizes a full rich message; following text goes into a new reply to it.
func (r *run) seal(page []rune) error {
	if err := r.render(string(page), chat.StateComplete); err != nil {
		return err
	}
	r.replyTo = *r.current
	r.current = nil
	return nil
}

func (r *run) fail(err error) Result {
	log := r.engine.logger.Error().Err(err).Int("flushed_messages", len(r.handles))
	var sinkErr *sinkError
	if errors.As(err, &sinkErr) {
		log.Msg("delivery sink failed")
	} else {
		log.Msg("completion stream failed")
	}

	notice := chat.Content{Title: ErrorTitle, Text: ErrorMessage, Rich: true, State: chat.StateFailed}
	if _, nerr := r.engine.surface.Reply(context.WithoutCancel(r.ctx), r.origin, notice); nerr != nil {
		r.engine.logger.Error().Err(nerr).Msg("error notice not delivered")
	}
	r.engine.countFlush("error")
	return Result{State: StateFailed, Text: r.text(), Handles: r.handles, Err: err}
}

func (e *Engine) countFlush(kind string) {
	if e.metrics == nil {
		return
	}
	e.metrics.Flushes.WithLabelValues(string(e.mode), kind).Inc()
}

type sinkError struct{ err error }

func (e *sinkError) Error() string { return "deliver: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

func glyphAt(t time.Time) rune {
	return glyphs[(t.UnixMilli()/500)%int64(len(glyphs))]
}

func isTerminator(r rune) bool {
	switch r {
	case '。', '！', '？', '.', '!', '?':
		return true
	}
	return false
}
