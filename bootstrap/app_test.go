package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vigilant/config"
	"vigilant/core"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body = "storage:\n  sqlite_path: " + filepath.Join(dir, "data", "vigilant.db") + "\n" + body
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	return cfg
}

func TestApp_StartAndShutdown(t *testing.T) {
	excFile := filepath.Join(t.TempDir(), "exceptions.yaml")
	require.NoError(t, os.WriteFile(excFile, []byte(`
exceptions:
  - rule_type: ip
    value: 10.0.0.0/8
    description: office
`), 0o600))

	cfg := writeConfig(t, `
api:
  listen_addr: 127.0.0.1:0
exceptions:
  import_file: `+excFile+`
  ignore_source_ips: ["192.0.2.10"]
servers:
  - name: web-01
    host: 203.0.113.5
    username: monitor
    password: env:VIGILANT_TEST_UNSET
`)

	app, err := NewAppWithConfig(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	servers, err := app.Storage.Servers.ListServers(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "env:VIGILANT_TEST_UNSET", servers[0].Password, "references are stored unresolved")

	exceptions, err := app.Storage.Exceptions.ListExceptions(context.Background(), core.ExceptionFilters{})
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	assert.Equal(t, "config", exceptions[0].CreatedBy)

	set := app.Exceptions.Snapshot()
	require.NotNil(t, set)
	keep := func(ip string) bool {
		ok, _ := set.Keep(&core.Candidate{IPAddress: ip})
		return ok
	}
	assert.False(t, keep("10.1.2.3"))
	assert.False(t, keep("192.0.2.10"))
	assert.True(t, keep("198.51.100.1"))

	require.NotNil(t, app.Notifier, "log sink is on by default")
	require.NotNil(t, app.APIServer)

	require.NoError(t, app.Start(context.Background()))
	statuses := app.Scheduler.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, "web-01", statuses[0].Server)

	app.Shutdown()
	assert.Nil(t, app.Storage, "store closed")
}

func TestApp_RedisLease(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := writeConfig(t, `
api:
  enabled: false
notify:
  enabled: false
lease:
  backend: redis
  redis:
    addr: `+mr.Addr()+`
`)

	app, err := NewAppWithConfig(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, app.Notifier)
	assert.Nil(t, app.APIServer)

	l, ok, err := app.Locker.Acquire(context.Background(), "vigilant:test", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.Release(context.Background()))

	app.Shutdown()
}

func TestApp_InvalidIgnoreIP(t *testing.T) {
	cfg := writeConfig(t, `
exceptions:
  ignore_source_ips: ["not-an-ip"]
`)
	_, err := NewAppWithConfig(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
}
