package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, TransportHTTP, cfg.Server.Transport)
	assert.Equal(t, 30*time.Minute, cfg.Auth.RefreshInterval)
	assert.Equal(t, 10*time.Second, cfg.ShutdownGrace)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, cfg.Server.URL, cfg.TokenURL())
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeFile(t, "worker.yaml", `
server:
  url: http://conductor:8080/api
  transport: grpc
auth:
  url: http://auth:9000
  key_id: key
  key_secret: secret
  refresh_interval: 5m
metrics:
  enabled: true
  addr: ":9100"
shutdown_grace: 3s
workers:
  all:
    poll_interval: 250ms
  resize:
    thread_count: 4
    domain: eu
    paused: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://conductor:8080/api", cfg.Server.URL)
	assert.Equal(t, TransportGRPC, cfg.Server.Transport)
	assert.Equal(t, "key", cfg.Auth.KeyID)
	assert.Equal(t, "http://auth:9000", cfg.TokenURL())
	assert.Equal(t, 5*time.Minute, cfg.Auth.RefreshInterval)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
	assert.Equal(t, 3*time.Second, cfg.ShutdownGrace)

	require.Contains(t, cfg.Workers, "resize")
	assert.Equal(t, 4, *cfg.Workers["resize"].ThreadCount)
	assert.Equal(t, 250*time.Millisecond, *cfg.Workers[AllWorkers].PollInterval)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeFile(t, "bad.yaml", "server: [unterminated"))
	assert.ErrorContains(t, err, "failed to parse config YAML")

	_, err = Load(writeFile(t, "transport.yaml", "server:\n  transport: amqp\n"))
	assert.ErrorContains(t, err, `unknown transport "amqp"`)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "worker.yaml", "server:\n  url: http://from-file\n")
	t.Setenv("FALCON_SERVER_URL", "http://from-env")
	t.Setenv("FALCON_METRICS_ENABLED", "true")
	t.Setenv("FALCON_TOKEN_REFRESH_INTERVAL", "60000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://from-env", cfg.Server.URL)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, time.Minute, cfg.Auth.RefreshInterval)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("FALCON_METRICS_ENABLED", "maybe")

	_, err := Load("")
	assert.ErrorContains(t, err, "FALCON_METRICS_ENABLED")
}

func TestLoad_DotEnv(t *testing.T) {
	// godotenv sets variables with os.Setenv; register them with t.Setenv
	// first so they are restored after the test.
	t.Setenv("FALCON_AUTH_KEY", "")
	t.Setenv("FALCON_AUTH_SECRET", "")
	require.NoError(t, os.Unsetenv("FALCON_AUTH_KEY"))
	require.NoError(t, os.Unsetenv("FALCON_AUTH_SECRET"))

	envFile := writeFile(t, ".env", "FALCON_AUTH_KEY=dot-key\nFALCON_AUTH_SECRET=dot-secret\n")

	cfg, err := Load("", envFile, filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)

	assert.Equal(t, "dot-key", cfg.Auth.KeyID)
	assert.Equal(t, "dot-secret", cfg.Auth.KeySecret)
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"250ms", 250 * time.Millisecond, false},
		{"2s", 2 * time.Second, false},
		{"500", 500 * time.Millisecond, false},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseInterval(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
