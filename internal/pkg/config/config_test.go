package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "900s", cfg.Deploy.LockTTL)
	assert.Equal(t, "90s", cfg.Deploy.PollTimeout)
	assert.Equal(t, 3, cfg.Builder.LogReadMaxRetries)
	assert.Equal(t, 256, cfg.Stream.SubscriberBuffer)
	assert.Equal(t, 5, cfg.Release.KeepReleases)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  driver: postgres
  host: db
  port: 5432
  database: paas
  username: paas
  password: secret
deploy:
  poll_timeout: 2m
builder:
  image: builder:1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Same(t, cfg, GlobalConfig)
	assert.Equal(t, "builder:1", cfg.Builder.Image)
	assert.Equal(t, 2*time.Minute, ParseDuration(cfg.Deploy.PollTimeout, 0))
	// 未配置的项使用默认值
	assert.Equal(t, "900s", cfg.Deploy.LockTTL)
	assert.Equal(t, "host=db port=5432 user=paas password=secret dbname=paas sslmode=disable", cfg.Database.GetDSN())
}

func TestLoadInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("deploy:\n  lock_ttl: forever\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "deploy.lock_ttl")
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseDuration("", 5*time.Second))
	assert.Equal(t, 5*time.Second, ParseDuration("bogus", 5*time.Second))
	assert.Equal(t, time.Minute, ParseDuration("1m", 5*time.Second))
}
