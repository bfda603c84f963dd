package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/quantumauth-io/wallet-session-client/cmd/wallet-session/config"
	"github.com/quantumauth-io/wallet-session-client/internal/kvstore"
	"github.com/quantumauth-io/wallet-session-client/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenStoreBackends(t *testing.T) {
	mem, err := openStore(&config.StorageSettings{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &kvstore.Memory{}, mem)

	bolt, err := openStore(&config.StorageSettings{Backend: "bbolt", Path: filepath.Join(t.TempDir(), "s.db")})
	require.NoError(t, err)
	require.NoError(t, bolt.(*kvstore.Bolt).Close())

	_, err = openStore(&config.StorageSettings{Backend: "etcd"})
	assert.Error(t, err)
}

func TestOpenFileStoreNeedsPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	t.Setenv(config.EnvStoragePassword, "short")
	_, err := openStore(&config.StorageSettings{Backend: "file", Path: path})
	assert.Error(t, err)

	t.Setenv(config.EnvStoragePassword, "long-enough-password")
	s, err := openStore(&config.StorageSettings{Backend: "file", Path: path})
	require.NoError(t, err)
	assert.Equal(t, path, s.(*kvstore.File).Path())
}

func TestStatusOnEmptyStore(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	loaded, err := config.Load()
	require.NoError(t, err)
	loaded.Storage.Backend = config.StorageMemory
	cfg = loaded
	t.Cleanup(func() { cfg = nil })

	var out bytes.Buffer
	err = withSession(context.Background(), &out, func(_ context.Context, m *session.Manager) error {
		return printSnapshot(&out, m.Snapshot())
	})
	require.NoError(t, err)

	var got struct {
		Loading       bool   `json:"loading"`
		Unlocked      bool   `json:"unlocked"`
		LoginMethod   string `json:"loginMethod"`
		Authenticated bool   `json:"authenticated"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.False(t, got.Loading)
	assert.False(t, got.Unlocked)
	assert.False(t, got.Authenticated)
	assert.Equal(t, "none", got.LoginMethod)
}
