package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/threadbot/internal/chat"
	"github.com/ent0n29/threadbot/internal/nodecache"
)

func seedSnapshot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "msg_nodes.json")
	t.Setenv("THREADBOT_CONFIG", filepath.Join(dir, "missing.yaml"))
	t.Setenv("CACHE_STORE", "file")
	t.Setenv("CACHE_SNAPSHOT_PATH", path)
	t.Setenv("DATABASE_URL", "")

	now := time.Now().UTC()
	cache := nodecache.New(10, nil)
	cache.Put("fresh", []chat.Node{
		{ID: "fresh", Role: chat.RoleAssistant, Text: "latest reply", Timestamp: now},
		{ID: "q1", Role: chat.RoleUser, Text: "question", Timestamp: now.Add(-time.Second)},
	})
	cache.Put("stale", []chat.Node{
		{ID: "stale", Role: chat.RoleAssistant, Text: "old reply", Timestamp: now.Add(-48 * time.Hour)},
	})
	data, err := cache.Snapshot()
	require.NoError(t, err)
	require.NoError(t, nodecache.NewFileStore(path).Save(context.Background(), data))
	return path
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(context.Background()))
	return out.String()
}

func TestCacheInspectListsAnchors(t *testing.T) {
	seedSnapshot(t)

	out := runCLI(t, "cache", "inspect")
	require.Contains(t, out, "2/")
	require.Contains(t, out, "fresh\t2 nodes")
	require.Contains(t, out, "latest reply")
	require.Contains(t, out, "stale\t1 nodes")
}

func TestCachePruneDropsExpiredChains(t *testing.T) {
	seedSnapshot(t)

	out := runCLI(t, "cache", "prune", "--ttl", "1h")
	require.Contains(t, out, "pruned 1, kept 1")

	out = runCLI(t, "cache", "inspect")
	require.Contains(t, out, "fresh")
	require.NotContains(t, out, "stale")
}
