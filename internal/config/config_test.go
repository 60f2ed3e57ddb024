package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8083, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.DB.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Redis.PresenceTTL)
	assert.Equal(t, 54*time.Second, cfg.WS.PingInterval)
	assert.Equal(t, int64(4096), cfg.WS.MaxMessageSize)
	assert.Equal(t, 50, cfg.Chat.DefaultPageSize)
	assert.Equal(t, 100, cfg.Chat.MaxPageSize)
	assert.Equal(t, "chat:events", cfg.Redis.Channel)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
db:
  driver: memory
ws:
  pong_wait: 30s
chat:
  max_content_length: 200
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))
	t.Setenv("PORT", "9000")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.DB.Driver)
	assert.Equal(t, 30*time.Second, cfg.WS.PongWait)
	assert.Equal(t, 200, cfg.Chat.MaxContentLength)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"memory", Config{DB: DBConfig{Driver: "memory"}}, true},
		{"postgres without dsn", Config{DB: DBConfig{Driver: "postgres"}}, false},
		{"unknown driver", Config{DB: DBConfig{Driver: "sqlite"}}, false},
		{"page sizes inverted", Config{DB: DBConfig{Driver: "memory"}, Chat: ChatConfig{DefaultPageSize: 200, MaxPageSize: 100}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
