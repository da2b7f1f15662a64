package main

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
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Setenv("ENGINE_ADDR", "")
	t.Setenv("ENGINE_MANIFEST", "")
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	def := defaultConfig()
	assert.Equal(t, def.Addr, cfg.Addr)
	assert.Equal(t, def.Workers.Count, cfg.Workers.Count)
	assert.Equal(t, def.Dispatch.MaxPending, cfg.Dispatch.MaxPending)
	assert.Equal(t, 10*time.Second, cfg.workerConfig().RequestTimeout)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
addr: ":9000"
manifest: api/routes.yaml
workers:
  command: [node, worker.js]
  count: 2
  request_timeout_ms: 500
dispatch:
  queue_capacity: 8
  max_pending: 32
  timeout_ms: 2000
cors:
  allowed_origins: ["https://app.example"]
log:
  level: DEBUG
`)
	t.Setenv("ENGINE_ADDR", "127.0.0.1:7000")
	t.Setenv("ENGINE_MANIFEST", "")
	t.Setenv("APP_JWT_SECRET", "s3cret")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Addr)
	assert.Equal(t, "api/routes.yaml", cfg.Manifest)
	assert.Equal(t, []string{"node", "worker.js"}, cfg.Workers.Command)
	assert.Equal(t, 2, cfg.Workers.Count)
	assert.Equal(t, 1000, cfg.Workers.MaxRequests, "unset fields keep their defaults")
	assert.Equal(t, 2*time.Second, cfg.dispatchTimeout())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	require.NotNil(t, cfg.CORS)
	assert.Equal(t, []string{"https://app.example"}, cfg.CORS.options().AllowedOrigins)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Setenv("ENGINE_ADDR", "")
	t.Setenv("APP_JWT_SECRET", "")
	tests := []struct {
		name string
		body string
	}{
		{"zero workers", "workers: {count: 0}"},
		{"empty command", "workers: {command: []}"},
		{"zero queue", "dispatch: {queue_capacity: 0}"},
		{"bad log level", "log: {level: loud}"},
		{"hot reload without dirs", "hot_reload: {enabled: true}"},
		{"cors without origins", "cors: {allow_credentials: true}"},
		{"auth without secret", "auth: {prefixes: [/admin]}"},
		{"auth prefix without slash", "auth: {prefixes: [admin]}"},
		{"not yaml", "workers: [1, 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
