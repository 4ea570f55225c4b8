package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/threadbot/internal/config"
	"github.com/ent0n29/threadbot/internal/nodecache"
	"github.com/ent0n29/threadbot/internal/policy"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or maintain the node cache snapshot",
	}
	cmd.AddCommand(newCacheInspectCommand(), newCachePruneCommand())
	return cmd
}

func newCacheInspectCommand() *cobra.Command {
	var preview int
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List the anchors stored in the snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			return withSnapshot(cmd.Context(), cfg, func(cache *nodecache.Cache, _ nodecache.Store) error {
				return printCache(cmd.OutOrStdout(), cache, preview)
			})
		},
	}
	cmd.Flags().IntVar(&preview, "preview", 60, "runes of the newest node to show per anchor")
	return cmd
}

func newCachePruneCommand() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop expired or over-long chains and rewrite the snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = cfg.CacheTTL
			}
			return withSnapshot(cmd.Context(), cfg, func(cache *nodecache.Cache, store nodecache.Store) error {
				removed := cache.Prune(time.Now().UTC(), ttl, cfg.MaxMessages)
				data, err := cache.Snapshot()
				if err != nil {
					return err
				}
				if err := store.Save(cmd.Context(), data); err != nil {
					return fmt.Errorf("store snapshot: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d, kept %d\n", removed, cache.Len())
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "drop chains whose newest node is older than this (default from config)")
	return cmd
}

func withSnapshot(ctx context.Context, cfg config.Config, fn func(*nodecache.Cache, nodecache.Store) error) error {
	store, err := nodecache.NewStore(ctx, nodecache.StoreConfig{
		Mode:        cfg.CacheStore,
		Path:        cfg.CacheSnapshotPath,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	cache := nodecache.New(cfg.CacheCapacity, nil)
	data, err := store.Load(ctx)
	switch {
	case errors.Is(err, nodecache.ErrNoSnapshot):
	case err != nil:
		return err
	default:
		if err := cache.Restore(data); err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
	}
	return fn(cache, store)
}

func printCache(w io.Writer, cache *nodecache.Cache, preview int) error {
	fmt.Fprintf(w, "%d/%d entries\n", cache.Len(), cache.Capacity())
	for _, anchor := range cache.Anchors() {
		chain, ok := cache.Get(anchor)
		if !ok || len(chain) == 0 {
			continue
		}
		newest := chain[0]
		_, err := fmt.Fprintf(w, "%s\t%d nodes\t%s\t%s\n",
			anchor, len(chain), newest.Timestamp.Format(time.RFC3339), policy.LogPreview(newest.Text, preview))
		if err != nil {
			return err
		}
	}
	return nil
}
