// Package attachments fetches message attachments and classifies them into
// text bodies and image payloads.
package attachments

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/threadbot/internal/chat"
	"github.com/ent0n29/threadbot/internal/observability"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMemoSize    = 256
	defaultConcurrency = 4
	defaultMaxBody     = 32 << 20
)

type Config struct {
	HTTPClient   *http.Client
	Timeout      time.Duration
	MemoSize     int
	Concurrency  int
	// MaxBodyBytes bounds a download. Larger bodies count as failed fetches.
	MaxBodyBytes int64
	Logger       zerolog.Logger
	Metrics      *observability.Metrics
}

type fetched struct {
	mime string
	body []byte
}

// Resolver downloads attachments. Results are memoized by URL.
type Resolver struct {
	client      *http.Client
	memo        *lru.Cache[string, fetched]
	concurrency int
	maxBody     int64
	logger      zerolog.Logger
	metrics     *observability.Metrics
}

func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MemoSize <= 0 {
		cfg.MemoSize = defaultMemoSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	memo, err := lru.New[string, fetched](cfg.MemoSize)
	if err != nil {
		return nil, fmt.Errorf("attachment memo: %w", err)
	}
	return &Resolver{
		client:      client,
		memo:        memo,
		concurrency: cfg.Concurrency,
		maxBody:     cfg.MaxBodyBytes,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}, nil
}

// Resolve fetches every attachment and returns the text bodies and images in
// input order. Failed or unsupported attachments are omitted.
func (r *Resolver) Resolve(ctx context.Context, atts []chat.Attachment) ([]string, []chat.ImagePayload) {
	if len(atts) == 0 {
		return nil, nil
	}
	results := make([]*fetched, len(atts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, att := range atts {
		i, att := i, att
		g.Go(func() error {
			f, err := r.fetch(gctx, att)
			if err != nil {
				r.logger.Warn().Err(err).Str("url", att.URL).Msg("attachment fetch failed")
				return nil
			}
			results[i] = f
			return nil
		})
	}
	_ = g.Wait()

	var (
		texts  []string
		images []chat.ImagePayload
	)
	for _, f := range results {
		if f == nil {
			continue
		}
		switch {
		case strings.HasPrefix(f.mime, "text/"):
			texts = append(texts, string(f.body))
		case strings.HasPrefix(f.mime, "image/"):
			images = append(images, chat.ImagePayload{MIMEType: f.mime, Data: f.body})
		default:
			r.countFailure("unsupported")
		}
	}
	return texts, images
}

func (r *Resolver) fetch(ctx context.Context, att chat.Attachment) (*fetched, error) {
	if f, ok := r.memo.Get(att.URL); ok {
		return &f, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		r.countFailure("request")
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.countFailure("transport")
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.countFailure("status")
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBody+1))
	if err != nil {
		r.countFailure("read")
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > r.maxBody {
		r.countFailure("too_large")
		return nil, fmt.Errorf("body exceeds %d bytes", r.maxBody)
	}

	f := fetched{mime: classify(att.ContentType, body), body: body}
	r.memo.Add(att.URL, f)
	return &f, nil
}

// classify returns the declared media type, or a sniffed one when none was given.
func classify(declared string, body []byte) string {
	declared = strings.TrimSpace(declared)
	if declared == "" {
		declared = mimetype.Detect(body).String()
	}
	mediaType, _, _ := strings.Cut(declared, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}

func (r *Resolver) countFailure(reason string) {
	if r.metrics == nil {
		return
	}
	r.metrics.AttachmentFailures.WithLabelValues(reason).Inc()
}
