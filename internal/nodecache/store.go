package nodecache

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoSnapshot is returned by Store.Load when nothing has been saved yet.
var ErrNoSnapshot = errors.New("no snapshot")

// Store persists encoded cache snapshots.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	// Quarantine moves the current snapshot aside, replacing any earlier backup.
	Quarantine(ctx context.Context) error
	Close() error
}

type StoreConfig struct {
	// Mode is auto, file, bolt or postgres.
	Mode        string
	Path        string
	DatabaseURL string
}

// NewStore creates a postgres-backed store when configured, otherwise a local file store.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" || mode == "auto" {
		mode = "file"
		if strings.TrimSpace(cfg.DatabaseURL) != "" {
			mode = "postgres"
		}
	}
	switch mode {
	case "file":
		return NewFileStore(cfg.Path), nil
	case "bolt":
		return NewBoltStore(boltPath(cfg.Path))
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, errors.New("postgres snapshot store requires DATABASE_URL")
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown snapshot store %q", cfg.Mode)
	}
}

func boltPath(path string) string {
	if path == "" {
		return "msg_nodes.db"
	}
	return strings.TrimSuffix(path, ".json") + ".db"
}
