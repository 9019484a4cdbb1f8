package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8787", cfg.Addr())
	assert.Equal(t, time.Second, cfg.Client.TypingIdle())
	assert.Equal(t, 30*time.Second, cfg.Client.RingTimeout())
	assert.Error(t, cfg.ValidateServer())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"ws scheme":       func(c *Config) { c.Relay.WSURL = "http://x/ws" },
		"http scheme":     func(c *Config) { c.Relay.HTTPURL = "ftp://x" },
		"port":            func(c *Config) { c.Relay.Port = 70000 },
		"bind":            func(c *Config) { c.Relay.Bind = "localhost" },
		"db path":         func(c *Config) { c.Relay.DBPath = " " },
		"redis":           func(c *Config) { c.Relay.RedisURL = "http://redis" },
		"backoff order":   func(c *Config) { c.Client.ReconnectMaxMs = 100 },
		"attempts":        func(c *Config) { c.Client.ReconnectAttempts = -1 },
		"typing idle":     func(c *Config) { c.Client.TypingIdleMs = 0 },
		"ring timeout":    func(c *Config) { c.Client.RingTimeoutSec = 0 },
		"log level":       func(c *Config) { c.Log.Level = "chatty" },
		"ws missing host": func(c *Config) { c.Relay.WSURL = "ws:///ws" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestEnsureLoadSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default().Relay.Port, cfg.Relay.Port)

	cfg.Relay.Port = 9000
	cfg.Log.Level = "debug"
	require.NoError(t, Save(path, cfg))

	cfg, created, err = Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 9000, cfg.Relay.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.json")
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"relay":{"port":9100}}`)...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Relay.Port)
	assert.Equal(t, Default().Relay.WSURL, cfg.Relay.WSURL)
	assert.Equal(t, Default().Client.TypingIdleMs, cfg.Client.TypingIdleMs)
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.json")
	require.NoError(t, Save(path, Default()))

	t.Setenv("PARLEY_RELAY_JWT_SECRET", "from-env")
	t.Setenv("PARLEY_RELAY_PORT", "9200")
	t.Setenv("PARLEY_CLIENT_ICE_SERVERS", "stun:a:3478,turn:b:3478")
	t.Setenv("PARLEY_IDENTITY_TOKEN", "tok")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Relay.JWTSecret)
	assert.Equal(t, 9200, cfg.Relay.Port)
	assert.Equal(t, []string{"stun:a:3478", "turn:b:3478"}, cfg.Client.ICEServers)
	assert.Equal(t, "tok", cfg.Identity.Token)
	require.NoError(t, cfg.ValidateServer())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, LoadDotEnv(dir))

	t.Setenv("PARLEY_LOG_LEVEL", "")
	require.NoError(t, os.Unsetenv("PARLEY_LOG_LEVEL"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PARLEY_LOG_LEVEL=warn\n"), 0o644))
	require.NoError(t, LoadDotEnv(dir))
	assert.Equal(t, "warn", os.Getenv("PARLEY_LOG_LEVEL"))
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.json")
	require.NoError(t, Save(path, Default()))

	var mu sync.Mutex
	var levels []string
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, Watch(ctx, path, func(c Config) {
		mu.Lock()
		levels = append(levels, c.Log.Level)
		mu.Unlock()
	}))

	cfg := Default()
	cfg.Log.Level = "debug"
	require.NoError(t, Save(path, cfg))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) > 0 && levels[len(levels)-1] == "debug"
	}, 2*time.Second, 10*time.Millisecond)
}
