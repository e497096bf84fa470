package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"vigilant/core"
	"vigilant/storage"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"
)

// testConfig writes a config file whose database lives in a temp dir and
// returns the config and database paths
func testConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data", "vigilant.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	body := "storage:\n  sqlite_path: " + dbPath + "\nnotify:\n  enabled: false\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
	return cfgPath, dbPath
}

// run executes the root command with args against cfgPath
func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", cfgPath, "--no-color"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func findCommand(root *cobra.Command, path ...string) *cobra.Command {
	cmd, _, err := root.Find(path)
	if err != nil || cmd == root {
		return nil
	}
	return cmd
}

func TestRootCommandStructure(t *testing.T) {
	root := NewRootCmd()
	assert.Equal(t, "vigilant", root.Use)

	for _, path := range [][]string{
		{"serve"},
		{"alerts", "list"}, {"alerts", "ack"}, {"alerts", "ack-rule"},
		{"exceptions", "list"}, {"exceptions", "add"}, {"exceptions", "remove"}, {"exceptions", "import"},
		{"servers", "list"}, {"servers", "add"}, {"servers", "remove"}, {"servers", "check"},
	} {
		assert.NotNil(t, findCommand(root, path...), "missing command %v", path)
	}

	for _, flag := range []string{"config", "json", "yaml", "no-color", "quiet"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), "missing flag %s", flag)
	}
}

func TestCommandFlags_DefaultValues(t *testing.T) {
	root := NewRootCmd()

	outputJSON, err := root.PersistentFlags().GetBool("json")
	require.NoError(t, err)
	assert.False(t, outputJSON)

	list := findCommand(root, "alerts", "list")
	require.NotNil(t, list)
	limit, err := list.Flags().GetInt("limit")
	require.NoError(t, err)
	assert.Equal(t, 50, limit)

	add := findCommand(root, "servers", "add")
	require.NotNil(t, add)
	port, err := add.Flags().GetInt("port")
	require.NoError(t, err)
	assert.Equal(t, core.DefaultSSHPort, port)
}

func TestJSONAndYAMLAreExclusive(t *testing.T) {
	cfgPath, _ := testConfig(t)
	_, err := run(t, cfgPath, "--json", "--yaml", "servers", "list")
	require.Error(t, err)
}

func TestExceptionsAddListRemove(t *testing.T) {
	cfgPath, _ := testConfig(t)

	out, err := run(t, cfgPath, "--json", "exceptions", "add",
		"--type", "ip", "--value", "10.0.0.0/8", "--description", "office", "--by", "tester")
	require.NoError(t, err)

	var created core.AlertException
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "tester", created.CreatedBy)
	assert.True(t, created.Enabled)

	out, err = run(t, cfgPath, "--json", "exceptions", "list")
	require.NoError(t, err)
	var listed []core.AlertException
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, created.ID, listed[0].ID)

	out, err = run(t, cfgPath, "exceptions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "10.0.0.0/8")
	assert.Contains(t, out, "active")

	out, err = run(t, cfgPath, "exceptions", "remove", created.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "removed")

	_, err = run(t, cfgPath, "exceptions", "remove", created.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	out, err = run(t, cfgPath, "exceptions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No exceptions configured")
}

func TestExceptionsAdd_Invalid(t *testing.T) {
	cfgPath, _ := testConfig(t)

	_, err := run(t, cfgPath, "exceptions", "add", "--type", "hostname", "--value", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "valid types")

	_, err = run(t, cfgPath, "exceptions", "add", "--type", "ip", "--value", "not-an-ip")
	require.Error(t, err)

	_, err = run(t, cfgPath, "exceptions", "add", "--type", "ip")
	require.Error(t, err, "value is required")
}

func TestExceptionsImport(t *testing.T) {
	cfgPath, _ := testConfig(t)
	file := filepath.Join(t.TempDir(), "exceptions.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
exceptions:
  - rule_type: username
    value: backup
  - rule_type: server
    value: bastion-01
    description: jump host
`), 0o600))

	out, err := run(t, cfgPath, "exceptions", "import", file, "--by", "ops")
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 2 exception(s)")

	out, err = run(t, cfgPath, "--yaml", "exceptions", "import", file)
	require.NoError(t, err)
	var result map[string]int
	require.NoError(t, yaml.Unmarshal([]byte(out), &result))
	assert.Equal(t, 0, result["created"], "existing type and value pairs are skipped")

	out, err = run(t, cfgPath, "--json", "exceptions", "list", "--type", "server")
	require.NoError(t, err)
	var listed []core.AlertException
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "ops", listed[0].CreatedBy)

	_, err = run(t, cfgPath, "exceptions", "import", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

// seedAlerts stores two failed password alerts and one high severity alert
func seedAlerts(t *testing.T, dbPath string) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	require.NoError(t, os.MkdirAll(filepath.Dir(dbPath), 0o750))
	sqlite, err := storage.NewSQLite(dbPath, logger)
	require.NoError(t, err)
	defer sqlite.Close()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	batch := []core.Candidate{
		{ServerName: "web-01", Source: "/var/log/auth.log", RuleName: "ssh_failed_password", Severity: core.SeverityMedium,
			Message: "failed password for root", RawLine: "line 1", IPAddress: "203.0.113.1", Username: "root",
			OccurredAt: base, DetectedAt: base.Add(time.Minute)},
		{ServerName: "web-01", Source: "/var/log/auth.log", RuleName: "ssh_failed_password", Severity: core.SeverityMedium,
			Message: "failed password for admin", RawLine: "line 2", IPAddress: "203.0.113.2", Username: "admin",
			OccurredAt: base.Add(time.Minute), DetectedAt: base.Add(2 * time.Minute)},
		{ServerName: "db-01", Source: "journal:sshd", RuleName: "ssh_root_login", Severity: core.SeverityHigh,
			Message: "accepted password for root", RawLine: "line 3", IPAddress: "198.51.100.7", Username: "root",
			OccurredAt: base.Add(2 * time.Minute), DetectedAt: base.Add(3 * time.Minute)},
	}
	_, err = storage.NewSQLiteAlertStorage(sqlite, logger).CommitBatch(context.Background(), batch, core.Cursor{})
	require.NoError(t, err)
}

func listAlerts(t *testing.T, cfgPath string, args ...string) []core.Alert {
	t.Helper()
	out, err := run(t, cfgPath, append([]string{"--json", "alerts", "list"}, args...)...)
	require.NoError(t, err)
	var alerts []core.Alert
	require.NoError(t, json.Unmarshal([]byte(out), &alerts))
	return alerts
}

func TestAlertsListAndAcknowledge(t *testing.T) {
	cfgPath, dbPath := testConfig(t)
	seedAlerts(t, dbPath)

	alerts := listAlerts(t, cfgPath)
	require.Len(t, alerts, 3)
	assert.Equal(t, "ssh_root_login", alerts[0].RuleName, "newest first")

	assert.Len(t, listAlerts(t, cfgPath, "--min-severity", "high"), 1)
	assert.Len(t, listAlerts(t, cfgPath, "--server", "web-01"), 2)
	assert.Len(t, listAlerts(t, cfgPath, "--limit", "1"), 1)
	assert.Len(t, listAlerts(t, cfgPath, "--since", "10m"), 0)

	_, err := run(t, cfgPath, "alerts", "list", "--severity", "critical")
	require.Error(t, err)

	out, err := run(t, cfgPath, "alerts", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ALERTS (3 of 3)")
	assert.Contains(t, out, "ssh_root_login")

	id := strconv.FormatInt(alerts[0].ID, 10)
	out, err = run(t, cfgPath, "alerts", "ack", id, "--by", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "acknowledged by bob")

	out, err = run(t, cfgPath, "alerts", "ack", id, "--by", "carol")
	require.NoError(t, err)
	assert.Contains(t, out, "acknowledged by bob", "first acknowledgement is kept")

	_, err = run(t, cfgPath, "alerts", "ack", "999999")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = run(t, cfgPath, "alerts", "ack", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid alert id")

	assert.Len(t, listAlerts(t, cfgPath, "--unacked"), 2)

	out, err = run(t, cfgPath, "--json", "alerts", "ack-rule", "ssh_failed_password", "--by", "bob")
	require.NoError(t, err)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.EqualValues(t, 2, result["acknowledged"])

	out, err = run(t, cfgPath, "alerts", "ack-rule", "ssh_failed_password")
	require.NoError(t, err)
	assert.Contains(t, out, "No open alerts")

	assert.Empty(t, listAlerts(t, cfgPath, "--unacked"))
}

func TestServersAddListRemove(t *testing.T) {
	cfgPath, _ := testConfig(t)

	out, err := run(t, cfgPath, "servers", "add", "web-01",
		"--host", "10.0.0.5", "--user", "monitor", "--password", "env:WEB01_PASSWORD")
	require.NoError(t, err)
	assert.Contains(t, out, "Server web-01 added")
	assert.Contains(t, out, "resolved at connect time")

	out, err = run(t, cfgPath, "servers", "add", "db-01",
		"--host", "db.internal", "--user", "monitor", "--password", "s3cret",
		"--source", "/var/log/auth.log", "--source", "journal:sshd", "--timezone", "Europe/Berlin")
	require.NoError(t, err)
	assert.Contains(t, out, "Server db-01 added")

	out, err = run(t, cfgPath, "servers", "add", "web-01",
		"--host", "10.0.0.6", "--user", "monitor", "--key", "/etc/vigilant/id_ed25519")
	require.NoError(t, err)
	assert.Contains(t, out, "Server web-01 updated")

	out, err = run(t, cfgPath, "--json", "servers", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "s3cret")

	var views []serverView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 2)
	byName := map[string]serverView{}
	for _, v := range views {
		byName[v.Name] = v
	}
	assert.Equal(t, "password", byName["db-01"].Auth)
	assert.Equal(t, []string{"/var/log/auth.log", "journal:sshd"}, byName["db-01"].Sources)
	assert.Equal(t, "key", byName["web-01"].Auth)
	assert.Equal(t, "10.0.0.6", byName["web-01"].Host)
	assert.Equal(t, []string{"ssh:auto"}, byName["web-01"].Sources)

	out, err = run(t, cfgPath, "servers", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "db.internal:22")
	assert.Contains(t, out, "Europe/Berlin")
	assert.NotContains(t, out, "s3cret")

	out, err = run(t, cfgPath, "servers", "remove", "web-01")
	require.NoError(t, err)
	assert.Contains(t, out, "removed")

	_, err = run(t, cfgPath, "servers", "remove", "web-01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestServersAdd_Invalid(t *testing.T) {
	cfgPath, _ := testConfig(t)

	_, err := run(t, cfgPath, "servers", "add", "web-01", "--host", "10.0.0.5", "--user", "monitor")
	require.Error(t, err, "password or key is required")

	_, err = run(t, cfgPath, "servers", "add", "web-01", "--user", "monitor", "--password", "x")
	require.Error(t, err, "host is required")
}

func TestServersCheck_UnknownServer(t *testing.T) {
	cfgPath, _ := testConfig(t)
	_, err := run(t, cfgPath, "servers", "check", "nope", "--progress=false")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestQuietSuppressesStatusLines(t *testing.T) {
	cfgPath, _ := testConfig(t)
	out, err := run(t, cfgPath, "--quiet", "servers", "add", "web-01",
		"--host", "10.0.0.5", "--user", "monitor", "--password", "x")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestAuthKind(t *testing.T) {
	tests := []struct {
		name string
		srv  core.Server
		want string
	}{
		{"key wins", core.Server{PrivateKeyPath: "/k", Password: "x"}, "key"},
		{"env reference", core.Server{Password: "env:PW"}, "password (env)"},
		{"vault reference", core.Server{Password: "vault:secret/ssh#pw"}, "password (vault)"},
		{"literal", core.Server{Password: "hunter2"}, "password"},
		{"none", core.Server{}, "none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, authKind(tt.srv))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "äöü", truncate("äöü", 3))
}

func TestFormatTimeSince(t *testing.T) {
	now := time.Now()
	assert.Contains(t, formatTimeSince(now.Add(-30*time.Second)), "s ago")
	assert.Equal(t, "5m ago", formatTimeSince(now.Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3h ago", formatTimeSince(now.Add(-3*time.Hour-time.Second)))
	assert.Equal(t, "1 day ago", formatTimeSince(now.Add(-25*time.Hour)))
	assert.Equal(t, "2 days ago", formatTimeSince(now.Add(-49*time.Hour)))
}

func TestExceptionStatus(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.Equal(t, "active", exceptionStatus(core.AlertException{Enabled: true}, now))
	assert.Equal(t, "active", exceptionStatus(core.AlertException{Enabled: true, ExpiresAt: &future}, now))
	assert.Equal(t, "expired", exceptionStatus(core.AlertException{Enabled: true, ExpiresAt: &past}, now))
	assert.Equal(t, "disabled", exceptionStatus(core.AlertException{Enabled: false}, now))
}

func TestRenderTables_Empty(t *testing.T) {
	var buf bytes.Buffer
	assert.NotPanics(t, func() {
		renderAlertsTable(&buf, nil, 0)
		renderExceptionsTable(&buf, nil)
		renderServersTable(&buf, nil)
	})
	assert.Contains(t, buf.String(), "No alerts found")
	assert.Contains(t, buf.String(), "No servers configured")
}
