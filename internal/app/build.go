package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/threadbot/internal/attachments"
	"github.com/ent0n29/threadbot/internal/commands"
	"github.com/ent0n29/threadbot/internal/completion"
	"github.com/ent0n29/threadbot/internal/config"
	"github.com/ent0n29/threadbot/internal/conversation"
	"github.com/ent0n29/threadbot/internal/delivery"
	"github.com/ent0n29/threadbot/internal/httpapi"
	"github.com/ent0n29/threadbot/internal/logging"
	"github.com/ent0n29/threadbot/internal/nodecache"
	"github.com/ent0n29/threadbot/internal/observability"
	"github.com/ent0n29/threadbot/internal/pipeline"
	"github.com/ent0n29/threadbot/internal/session"
	"github.com/ent0n29/threadbot/internal/surface"
)

const retryBase = 500 * time.Millisecond

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Sessions  *session.Manager
	Hub       *surface.Hub
	Router    *commands.Router
	Cache     *nodecache.Cache
	Persister *nodecache.Persister
	Metrics   *observability.Metrics

	// Cleanup flushes the node cache and releases the snapshot store.
	Cleanup func(ctx context.Context) error
}

// Build wires the service. metrics may be nil, in which case instruments are
// registered on the default registry.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger, metrics *observability.Metrics) (*BuildResult, error) {
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	cache := nodecache.New(cfg.CacheCapacity, metrics)
	store, err := nodecache.NewStore(ctx, nodecache.StoreConfig{
		Mode:        cfg.CacheStore,
		Path:        cfg.CacheSnapshotPath,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("node cache store init failed: %w", err)
	}
	persister := nodecache.NewPersister(cache, store, nodecache.PersisterConfig{
		TTL:         cfg.CacheTTL,
		MaxMessages: cfg.MaxMessages,
		Logger:      logging.Component(logger, "nodecache"),
	})
	if err := persister.Load(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("node cache load failed: %w", err)
	}

	resolver, err := attachments.NewResolver(attachments.Config{
		Timeout:  cfg.AttachmentTimeout,
		MemoSize: cfg.AttachmentCacheSize,
		Logger:   logging.Component(logger, "attachments"),
		Metrics:  metrics,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("attachment resolver init failed: %w", err)
	}

	client, err := completion.NewClient(completion.Config{
		Mode:    cfg.CompletionMode,
		Timeout: cfg.CompletionTimeout,
		Logger:  logging.Component(logger, "completion"),
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("completion client init failed: %w", err)
	}

	hub, err := surface.NewHub(surface.Config{
		BotID:    cfg.BotID,
		Capacity: cfg.SurfaceMessageCapacity,
		Logger:   logging.Component(logger, "surface"),
		Metrics:  metrics,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("chat surface init failed: %w", err)
	}

	mode := delivery.ModeProgressive
	if cfg.UsePlainResponses {
		mode = delivery.ModePaginated
	}
	engine := delivery.NewEngine(delivery.Config{
		Surface: hub,
		Mode:    mode,
		Logger:  logging.Component(logger, "delivery"),
		Metrics: metrics,
	})

	assembler := conversation.New(conversation.Config{
		BotID:    cfg.BotID,
		Resolver: resolver,
		Cache:    cache,
		Logger:   logging.Component(logger, "conversation"),
		Metrics:  metrics,
	})

	handler := pipeline.New(pipeline.Config{
		BotID:            cfg.BotID,
		Surface:          hub,
		Assembler:        assembler,
		Client:           client,
		Engine:           engine,
		Cache:            cache,
		AI:               cfg.AIConfig(),
		ConversationLock: cfg.ConversationLock,
		Retries:          cfg.CompletionRetries,
		RetryBase:        retryBase,
		Logger:           logging.Component(logger, "pipeline"),
		Metrics:          metrics,
	})

	router := commands.NewRouter(commands.Config{
		BotID:       cfg.BotID,
		Surface:     hub,
		Permissions: cfg.Permissions,
		Logger:      logging.Component(logger, "commands"),
	})
	commands.RegisterDefaults(router, handler)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:   sessions,
		Hub:        hub,
		Dispatcher: router,
		Cache:      cache,
		Persister:  persister,
		Metrics:    metrics,
		Logger:     logging.Component(logger, "httpapi"),
	})

	cleanup := func(ctx context.Context) error {
		return errors.Join(persister.Save(ctx), store.Close())
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Sessions:  sessions,
		Hub:       hub,
		Router:    router,
		Cache:     cache,
		Persister: persister,
		Metrics:   metrics,
		Cleanup:   cleanup,
	}, nil
}
