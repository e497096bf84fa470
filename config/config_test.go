package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"vigilant/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// chdirTemp runs the test from an empty directory so no config.yaml is found
func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadConfig_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Empty(t, cfg.ConfigFile)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, filepath.Join("data", "vigilant.db"), cfg.Storage.SQLitePath)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.BackoffBase)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.BackoffMax)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.CycleTimeout)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.ShutdownGrace)
	assert.Equal(t, 90, cfg.Retention.AlertDays)
	assert.Equal(t, "@daily", cfg.Retention.Schedule)
	assert.Equal(t, "local", cfg.Lease.Backend)
	assert.Equal(t, core.SeverityHigh, cfg.Notify.Severity())
	assert.Equal(t, 5*time.Minute, cfg.Notify.FlushInterval)
	assert.Equal(t, 587, cfg.Notify.Email.Port)
	assert.Empty(t, cfg.Servers)
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: json
scheduler:
  poll_interval: 2m
  backoff_base: 10s
  backoff_max: 5m
lease:
  backend: redis
  redis:
    addr: redis:6379
exceptions:
  ignore_source_ips: ["10.0.0.0/8"]
servers:
  - name: web-01
    host: 192.0.2.10
    username: monitor
    password: env:WEB_PASSWORD
    sources: ["/var/log/auth.log", "journal:ssh"]
    timezone: Europe/Berlin
  - name: db-01
    host: db.internal
    port: 2222
    username: monitor
    private_key_path: /etc/vigilant/id_ed25519
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.BackoffBase)
	assert.Equal(t, "redis:6379", cfg.Lease.Redis.Addr)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Exceptions.IgnoreSourceIPs)

	require.Len(t, cfg.Servers, 2)
	web := cfg.Servers[0]
	assert.Equal(t, "web-01", web.Name)
	assert.Equal(t, "env:WEB_PASSWORD", web.Password, "references stay unresolved")
	assert.Equal(t, []string{"/var/log/auth.log", "journal:ssh"}, web.Sources)
	assert.Equal(t, "Europe/Berlin", web.Timezone)
	assert.NoError(t, web.Validate())

	db := cfg.Servers[1]
	assert.Equal(t, 2222, db.Port)
	assert.Equal(t, "db.internal:2222", db.Address())
	assert.Equal(t, []string{core.AutoSource}, db.EffectiveSources())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("VIGILANT_SCHEDULER_POLL_INTERVAL", "90s")
	t.Setenv("VIGILANT_SQLITE_PATH", "/var/lib/vigilant/alerts.db")
	t.Setenv("VIGILANT_NOTIFY_IMMEDIATE_SEVERITY", "medium")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, "/var/lib/vigilant/alerts.db", cfg.Storage.SQLitePath)
	assert.Equal(t, core.SeverityMedium, cfg.Notify.Severity())
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, core.ErrConfig)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown log level", "logging:\n  level: loud\n"},
		{"poll interval too short", "scheduler:\n  poll_interval: 10ms\n"},
		{"backoff max below base", "scheduler:\n  backoff_base: 1m\n  backoff_max: 30s\n"},
		{"unknown lease backend", "lease:\n  backend: etcd\n"},
		{"redis without address", "lease:\n  backend: redis\n  redis:\n    addr: \"\"\n"},
		{"bad severity", "notify:\n  immediate_severity: critical\n"},
		{"email without recipients", "notify:\n  email:\n    enabled: true\n    host: smtp.example.com\n    from: vigilant@example.com\n"},
		{"bad recipient", "notify:\n  email:\n    to: [not-an-address]\n"},
		{"duplicate servers", "servers:\n  - {name: a, host: h1, username: u, password: p}\n  - {name: a, host: h2, username: u, password: p}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, core.ErrConfig)
		})
	}
}

func TestNotifyConfig_SeverityFallback(t *testing.T) {
	n := NotifyConfig{ImmediateSeverity: ""}
	assert.Equal(t, core.SeverityHigh, n.Severity())
}
