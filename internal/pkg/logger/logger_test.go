package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"paas-control/internal/pkg/config"
)

func TestInitToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, Init(&config.LogConfig{Level: "debug", Format: "json", Output: "file", FilePath: path}))
	defer func() { _ = Close() }()

	Info("deploy started", zap.String("deployment_id", "d1"))
	assert.FileExists(t, path)
}

func TestReplaceForTest(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	restore := ReplaceForTest(zap.New(core))
	defer restore()

	Warn("lock released by someone else")
	Named("deploylock").Info("acquired")

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "deploylock", logs.All()[1].LoggerName)
}
