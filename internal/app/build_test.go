package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/threadbot/internal/config"
	"github.com/ent0n29/threadbot/internal/observability"
	"github.com/ent0n29/threadbot/internal/policy"
	"github.com/ent0n29/threadbot/internal/protocol"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		BindAddr:                 "127.0.0.1:0",
		ShutdownTimeout:          time.Second,
		SessionInactivityTimeout: time.Minute,
		MetricsNamespace:         "threadbot_test",
		BotID:                    "bot",
		Model:                    "openai/gpt-4o",
		Providers:                map[string]config.Provider{"openai": {BaseURL: "http://127.0.0.1:1/v1"}},
		MaxText:                  1000,
		MaxImages:                1,
		MaxMessages:              10,
		Permissions:              policy.Permissions{AllowDMs: true},
		CompletionMode:           "mock",
		CompletionTimeout:        time.Second,
		CacheCapacity:            10,
		CacheStore:               "file",
		CacheSnapshotPath:        filepath.Join(t.TempDir(), "msg_nodes.json"),
		SurfaceMessageCapacity:   100,
	}
}

func TestBuildServesChatAndPersistsCache(t *testing.T) {
	cfg := testConfig(t)
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry(), cfg.MetricsNamespace)

	res, err := Build(context.Background(), cfg, zerolog.Nop(), metrics)
	require.NoError(t, err)
	require.NotNil(t, res.API)

	msg := res.Hub.Post("user-1", "dm-1", true, protocol.MessageCreate{Content: "!c hello there"})
	require.True(t, res.Router.Dispatch(context.Background(), msg))
	require.Equal(t, 1, res.Cache.Len())

	require.NoError(t, res.Cleanup(context.Background()))
	info, err := os.Stat(cfg.CacheSnapshotPath)
	require.NoError(t, err)
	require.Positive(t, info.Size())
}

func TestBuildRejectsUnknownStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.CacheStore = "redis"
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry(), cfg.MetricsNamespace)

	_, err := Build(context.Background(), cfg, zerolog.Nop(), metrics)
	require.ErrorContains(t, err, "node cache store init failed")
}
