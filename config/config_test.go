package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupMap(m map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(lookupMap(nil), nil)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StoreRedis, cfg.Store)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Equal(t, 30*time.Second, cfg.Mailbox.SweepInterval)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.False(t, cfg.IsProduction())
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signaling.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"9000\"\nstore: memory\nmailbox:\n  sweepInterval: 10s\n  defaultCapacity: 4\n"), 0o600))

	env := lookupMap(map[string]string{
		"CONFIG_FILE":     path,
		"PORT":            "9100",
		"ALLOWED_ORIGINS": "https://a.example, https://b.example ,",
	})
	cfg, err := load(env, []string{"--port", "9200"})
	require.NoError(t, err)

	assert.Equal(t, "9200", cfg.Port, "flag wins over env and file")
	assert.Equal(t, StoreMemory, cfg.Store, "file value survives when env is unset")
	assert.Equal(t, 10*time.Second, cfg.Mailbox.SweepInterval)
	assert.Equal(t, 4, cfg.Mailbox.DefaultCapacity)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := load(lookupMap(map[string]string{"STORE": "etcd"}), nil)
	require.Error(t, err)

	_, err = load(lookupMap(map[string]string{"SWEEP_INTERVAL": "soon"}), nil)
	require.Error(t, err)

	_, err = load(lookupMap(map[string]string{"ENVIRONMENT": "production"}), nil)
	require.Error(t, err, "production requires a real JWT secret")
}

func TestLoadPeer(t *testing.T) {
	_, err := loadPeer(lookupMap(nil), nil)
	require.Error(t, err, "username and room are required")

	cfg, err := loadPeer(lookupMap(map[string]string{
		"MESH_USERNAME":      "alice",
		"MESH_ICE_SERVERS":   "stun:a.example:3478,turn:b.example:3478",
		"MESH_OFFER_TIMEOUT": "4s",
	}), []string{"--room", "ABCD23", "--no-video", "--max-restarts", "5"})
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "ABCD23", cfg.Room)
	assert.True(t, cfg.Audio)
	assert.False(t, cfg.Video)
	assert.Equal(t, 5, cfg.Watchdog.MaxRestarts)
	assert.Equal(t, []string{"stun:a.example:3478", "turn:b.example:3478"}, cfg.ICEServers)
	assert.Equal(t, DefaultWatchdog().Debounce, cfg.Watchdog.Debounce)
	assert.Equal(t, 4*time.Second, cfg.Watchdog.OfferTimeout)
}
