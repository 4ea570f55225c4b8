package nodecache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx)
	require.ErrorIs(t, err, ErrNoSnapshot)

	require.NoError(t, s.Save(ctx, []byte("one")))
	require.NoError(t, s.Save(ctx, []byte("two")))
	data, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	require.NoError(t, s.Quarantine(ctx))
	_, err = s.Load(ctx)
	require.ErrorIs(t, err, ErrNoSnapshot)

	// Nothing left to move.
	require.NoError(t, s.Quarantine(ctx))
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msg_nodes.json")
	s := NewFileStore(path)
	exerciseStore(t, s)

	backup, err := os.ReadFile(path + ".backup")
	require.NoError(t, err)
	assert.Equal(t, "two", string(backup))
	require.NoError(t, s.Close())
}

func TestFileStoreQuarantineOverwritesBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msg_nodes.json")
	require.NoError(t, os.WriteFile(path+".backup", []byte("old"), 0o600))
	s := NewFileStore(path)
	require.NoError(t, s.Save(context.Background(), []byte("new")))
	require.NoError(t, s.Quarantine(context.Background()))

	backup, err := os.ReadFile(path + ".backup")
	require.NoError(t, err)
	assert.Equal(t, "new", string(backup))
}

func TestFileStoreQuarantineWithoutSnapshotKeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msg_nodes.json")
	require.NoError(t, os.WriteFile(path+".backup", []byte("precious"), 0o600))

	require.NoError(t, NewFileStore(path).Quarantine(context.Background()))

	backup, err := os.ReadFile(path + ".backup")
	require.NoError(t, err)
	assert.Equal(t, "precious", string(backup))
}

func TestBoltStore(t *testing.T) {
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "msg_nodes.db"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestNewStoreModes(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewStore(ctx, StoreConfig{Mode: "auto", Path: filepath.Join(dir, "a.json")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = NewStore(ctx, StoreConfig{Mode: "bolt", Path: filepath.Join(dir, "b.json")})
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, s)
	require.NoError(t, s.Close())
	_, err = os.Stat(filepath.Join(dir, "b.db"))
	require.NoError(t, err)

	_, err = NewStore(ctx, StoreConfig{Mode: "postgres"})
	require.Error(t, err)

	_, err = NewStore(ctx, StoreConfig{Mode: "redis"})
	require.Error(t, err)
}
