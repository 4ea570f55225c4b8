package nodecache

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/threadbot/internal/chat"
	"github.com/ent0n29/threadbot/internal/observability"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func node(id string, at time.Time) chat.Node {
	return chat.Node{ID: id, Text: "text " + id, Role: chat.RoleUser, Timestamp: at}
}

func TestPutEvictsOldestInserted(t *testing.T) {
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry(), "test")
	c := New(100, metrics)
	for i := 1; i <= 101; i++ {
		id := fmt.Sprintf("m%d", i)
		c.Put(id, []chat.Node{node(id, base)})
	}

	assert.Equal(t, 100, c.Len())
	_, ok := c.Get("m1")
	assert.False(t, ok)
	_, ok = c.Get("m101")
	assert.True(t, ok)
	assert.Equal(t, "m2", c.Anchors()[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NodeCacheEvictions))
	assert.Equal(t, 100.0, testutil.ToFloat64(metrics.NodeCacheEntries))
}

func TestRePutKeepsInsertionPosition(t *testing.T) {
	c := New(2, nil)
	c.Put("a", []chat.Node{node("a", base)})
	c.Put("b", []chat.Node{node("b", base)})
	c.Put("a", []chat.Node{node("a2", base)})
	c.Put("c", []chat.Node{node("c", base)})

	assert.Equal(t, []string{"b", "c"}, c.Anchors())
}

func TestGetReturnsCopy(t *testing.T) {
	c := New(0, nil)
	assert.Equal(t, DefaultCapacity, c.Capacity())
	c.Put("a", []chat.Node{node("a", base)})

	got, ok := c.Get("a")
	require.True(t, ok)
	got[0].Text = "mutated"

	again, _ := c.Get("a")
	assert.Equal(t, "text a", again[0].Text)
}

func TestPruneTruncatesAndExpires(t *testing.T) {
	c := New(10, nil)
	c.Put("fresh", []chat.Node{
		node("f3", base.Add(-time.Hour)),
		node("f2", base.Add(-2*time.Hour)),
		node("f1", base.Add(-3*time.Hour)),
	})
	c.Put("stale", []chat.Node{node("s1", base.Add(-25*time.Hour))})

	removed := c.Prune(base, 24*time.Hour, 2)

	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"fresh"}, c.Anchors())
	chain, _ := c.Get("fresh")
	require.Len(t, chain, 2)
	assert.Equal(t, "f3", chain[0].ID)
	assert.Equal(t, "f2", chain[1].ID)
}

func TestSnapshotRestorePreservesOrder(t *testing.T) {
	src := New(10, nil)
	src.Put("x", []chat.Node{node("x2", base), node("x1", base.Add(-time.Minute))})
	src.Put("y", []chat.Node{node("y1", base)})

	data, err := src.Snapshot()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, FormatVersion, raw["version"])
	assert.Contains(t, raw, "saved_at")

	dst := New(10, nil)
	require.NoError(t, dst.Restore(data))
	assert.Equal(t, []string{"x", "y"}, dst.Anchors())
	chain, ok := dst.Get("x")
	require.True(t, ok)
	assert.Equal(t, "x2", chain[0].ID)
	assert.True(t, chain[0].Timestamp.Equal(base))
}

func TestRestoreRespectsCapacity(t *testing.T) {
	src := New(10, nil)
	for _, id := range []string{"a", "b", "c"} {
		src.Put(id, []chat.Node{node(id, base)})
	}
	data, err := src.Snapshot()
	require.NoError(t, err)

	dst := New(2, nil)
	require.NoError(t, dst.Restore(data))
	assert.Equal(t, []string{"b", "c"}, dst.Anchors())
}

func TestRestoreVersionGate(t *testing.T) {
	cases := map[string]bool{
		"1.0.0": true,
		"1.0.7": true,
		"1.1.0": false,
		"2.0.0": false,
		"":      false,
		"junk":  false,
	}
	for version, ok := range cases {
		t.Run(version, func(t *testing.T) {
			c := New(10, nil)
			c.Put("keep", []chat.Node{node("keep", base)})
			data := fmt.Sprintf(`{"version":%q,"saved_at":"2026-03-01T12:00:00Z","entries":[{"anchor":"new","chain":[]}]}`, version)

			err := c.Restore([]byte(data))
			if ok {
				require.NoError(t, err)
				assert.Equal(t, 2, c.Len())
				return
			}
			require.ErrorIs(t, err, ErrIncompatible)
			assert.Equal(t, []string{"keep"}, c.Anchors())
		})
	}
}

func TestRestoreMalformedLeavesCacheUntouched(t *testing.T) {
	c := New(10, nil)
	c.Put("keep", []chat.Node{node("keep", base)})

	err := c.Restore([]byte("{not json"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIncompatible)
	assert.Equal(t, []string{"keep"}, c.Anchors())
}
