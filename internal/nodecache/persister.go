package nodecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type PersisterConfig struct {
	TTL         time.Duration
	MaxMessages int
	Logger      zerolog.Logger
}

// Persister moves the cache in and out of a Store.
type Persister struct {
	cache       *Cache
	store       Store
	ttl         time.Duration
	maxMessages int
	logger      zerolog.Logger
	now         func() time.Time

	saveMu sync.Mutex
}

func NewPersister(cache *Cache, store Store, cfg PersisterConfig) *Persister {
	return &Persister{
		cache:       cache,
		store:       store,
		ttl:         cfg.TTL,
		maxMessages: cfg.MaxMessages,
		logger:      cfg.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Load restores the stored snapshot. A missing, incompatible or corrupt
// snapshot leaves the cache empty; only store failures are returned.
func (p *Persister) Load(ctx context.Context) error {
	data, err := p.store.Load(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		p.logger.Info().Msg("no node cache snapshot, starting empty")
		return nil
	}
	if err != nil {
		return err
	}

	err = p.cache.Restore(data)
	switch {
	case err == nil:
		p.logger.Info().Int("entries", p.cache.Len()).Msg("node cache restored")
		return nil
	case errors.Is(err, ErrIncompatible):
		p.logger.Warn().Err(err).Msg("node cache snapshot incompatible, moved to backup")
		if qerr := p.store.Quarantine(ctx); qerr != nil {
			return fmt.Errorf("quarantine snapshot: %w", qerr)
		}
		return nil
	default:
		p.logger.Error().Err(err).Msg("node cache snapshot unreadable, starting empty")
		return nil
	}
}

// Save prunes the cache and writes a fresh snapshot.
func (p *Persister) Save(ctx context.Context) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	removed := p.cache.Prune(p.now(), p.ttl, p.maxMessages)
	data, err := p.cache.Snapshot()
	if err != nil {
		return err
	}
	if err := p.store.Save(ctx, data); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	p.logger.Debug().Int("entries", p.cache.Len()).Int("pruned", removed).Msg("node cache saved")
	return nil
}

// StartAutosave saves on every tick until ctx is done.
func (p *Persister) StartAutosave(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.Save(ctx); err != nil {
					p.logger.Warn().Err(err).Msg("node cache autosave failed")
				}
			}
		}
	}()
}
