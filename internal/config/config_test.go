package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadNameserver(t *testing.T) {
	path := writeFile(t, `
listen: 0.0.0.0:7000
zookeeper:
  servers: [zk1:2181, zk2:2181]
  root: /prod
health:
  interval: 500ms
ops:
  workers: 16
  catchup_timeout: 1m
runtime:
  auto_failover: true
`)

	cfg, err := LoadNameserver(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7000", cfg.Listen)
	assert.Equal(t, []string{"zk1:2181", "zk2:2181"}, cfg.Zookeeper.Servers)
	assert.Equal(t, "/prod", cfg.Zookeeper.Root)
	assert.Equal(t, 500*time.Millisecond, cfg.Health.Interval.Std())
	assert.Equal(t, 16, cfg.Ops.Workers)
	assert.Equal(t, time.Minute, cfg.Ops.CatchUpTimeout.Std())
	assert.True(t, cfg.Runtime.AutoFailover)

	// Untouched keys keep their defaults.
	def := DefaultNameserver()
	assert.Equal(t, def.Ops.MaxAttempts, cfg.Ops.MaxAttempts)
	assert.Equal(t, def.Health.MaxFailures, cfg.Health.MaxFailures)
	assert.Equal(t, def.Zookeeper.SessionTimeout, cfg.Zookeeper.SessionTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := LoadNameserver(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultNameserver(), cfg)

	cfg, err = LoadNameserver("")
	require.NoError(t, err)
	assert.Equal(t, DefaultNameserver(), cfg)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "bad duration", body: "health:\n  interval: soon\n", want: "invalid duration"},
		{name: "zero workers", body: "ops:\n  workers: 0\n", want: "ops.workers"},
		{name: "backoff order", body: "ops:\n  initial_backoff: 5s\n  max_backoff: 1s\n", want: "ops.max_backoff"},
		{name: "no listen", body: "listen: \"\"\n", want: "listen is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadNameserver(writeFile(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadTablet(t *testing.T) {
	cfg, err := LoadTablet(writeFile(t, "listen: 127.0.0.1:9530\nheartbeat_interval: 250ms\n"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9530", cfg.Endpoint, "endpoint defaults to listen")
	assert.Equal(t, 250*time.Millisecond, cfg.HeartbeatInterval.Std())

	_, err = LoadTablet(writeFile(t, "nameserver: \"\"\n"))
	assert.ErrorContains(t, err, "nameserver is required")
}

func TestDurationMarshal(t *testing.T) {
	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{D: Duration(90 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, "d: 1m30s\n", string(out))
}
