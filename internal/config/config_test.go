package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "redis", cfg.Queue.Driver)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Minute, Duration(cfg.Retry.BaseDelay))
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, "https://dev.to", cfg.Platforms.DevTo.BaseURL)
}

func TestLoadConfigExpandsEnvironment(t *testing.T) {
	t.Setenv("CROSSPOST_JWT_SECRET", "s3cret")
	path := writeConfig(t, "auth:\n  jwt_secret: ${CROSSPOST_JWT_SECRET}\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	cfg.Queue.Driver = "carrier-pigeon"
	assert.Error(t, cfg.Validate())

	cfg = &Config{}
	cfg.ApplyDefaults()
	cfg.Queue.Driver = "kafka"
	assert.Error(t, cfg.Validate())

	cfg = &Config{}
	cfg.ApplyDefaults()
	cfg.Retry.BaseDelay = "soon"
	assert.Error(t, cfg.Validate())
}
