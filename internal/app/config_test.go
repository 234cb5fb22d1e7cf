package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeJoinPath(t *testing.T) {
	cases := map[string]string{
		"":       "/ws",
		"  ":     "/ws",
		"ws":     "/ws",
		"/chat":  "/chat",
		" join ": "/join",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeJoinPath(in), "input %q", in)
	}
}

func TestDefaultServerConfig(t *testing.T) {
	t.Setenv("ROOMCHAT_DB_PATH", "/tmp/roomchat-test.db")
	cfg := DefaultServerConfig()
	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.Equal(t, DefaultWSPath, cfg.Path)
	assert.Equal(t, "/tmp/roomchat-test.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestDataDirOverrides(t *testing.T) {
	t.Setenv("ROOMCHAT_DB_PATH", "")
	t.Setenv("ROOMCHAT_DATA_DIR", "/srv/roomchat")
	assert.Equal(t, filepath.Join("/srv/roomchat", "roomchat.db"), DefaultDBPath())
	assert.Equal(t, filepath.Join("/srv/roomchat", "user-id"), DefaultUserIDPath())
}

func TestLoadOrCreateUserID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "user-id")

	first, err := LoadOrCreateUserID(path)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := LoadOrCreateUserID(path)
	require.NoError(t, err)
	assert.Equal(t, first, second, "the id is stable across runs")

	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))
	third, err := LoadOrCreateUserID(path)
	require.NoError(t, err)
	assert.NotEqual(t, first, third, "an empty file gets a fresh id")
}

func TestRunServerLifecycle(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.DBPath = filepath.Join(t.TempDir(), "roomchat.db")
	cfg.Retention.InitialDelay = time.Hour
	cfg.Logger = clog.Discard()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handle, err := RunServer(ctx, cfg)
	require.NoError(t, err)

	resp, err := http.Get("http://" + handle.Addr() + "/api/health")
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()
	assert.Equal(t, "OK", body["status"])
	assert.NotNil(t, handle.Chat())

	cancel()
	require.NoError(t, handle.Wait())
}

func TestRunClientRequiresURL(t *testing.T) {
	assert.Error(t, RunClient(ClientConfig{}))
}
