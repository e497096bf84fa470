package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// setupTestSQLite creates a file-backed test database; the shared in-memory
// database would leak state between tests.
func setupTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	sqlite, err := NewSQLite(dbPath, zap.NewNop().Sugar())
	require.NoError(t, err, "Failed to create SQLite database")
	t.Cleanup(func() { _ = sqlite.Close() })
	return sqlite
}

func TestNewSQLite_Success(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	sqlite, err := NewSQLite(dbPath, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NotNil(t, sqlite.WriteDB)
	require.NotNil(t, sqlite.ReadDB)
	assert.Equal(t, dbPath, sqlite.Path)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	assert.NoError(t, sqlite.HealthCheck(context.Background()))
	assert.NoError(t, sqlite.Close())
}

func TestNewSQLite_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	sqlite, err := NewSQLite(dbPath, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer sqlite.Close()

	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewSQLite_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	logger := zap.NewNop().Sugar()

	first, err := NewSQLite(dbPath, logger)
	require.NoError(t, err)
	store := NewSQLiteAlertStorage(first, logger)
	_, err = store.Save(context.Background(), testCandidate("web-01", "10.0.0.5", 0))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLite(dbPath, logger)
	require.NoError(t, err)
	defer second.Close()

	n, err := NewSQLiteAlertStorage(second, logger).Count(context.Background(), AlertFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReadPoolIsQueryOnly(t *testing.T) {
	sqlite := setupTestSQLite(t)

	_, err := sqlite.ReadDB.Exec(`DELETE FROM alerts`)
	assert.Error(t, err, "read pool must reject writes")
}

func TestPoolPragmasApplyToEveryConnection(t *testing.T) {
	sqlite := setupTestSQLite(t)
	ctx := context.Background()

	// Hold both connections so the pool has to open a second one
	first, err := sqlite.ReadDB.Conn(ctx)
	require.NoError(t, err)
	defer first.Close()
	second, err := sqlite.ReadDB.Conn(ctx)
	require.NoError(t, err)
	defer second.Close()

	pragma := func(conn *sql.Conn, name string) int {
		var v int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA "+name).Scan(&v), name)
		return v
	}

	for i, conn := range []*sql.Conn{first, second} {
		assert.Equal(t, 1, pragma(conn, "query_only"), "conn %d query_only", i)
		assert.Equal(t, 5000, pragma(conn, "busy_timeout"), "conn %d busy_timeout", i)
		assert.Equal(t, 1, pragma(conn, "foreign_keys"), "conn %d foreign_keys", i)

		_, err := conn.ExecContext(ctx, `DELETE FROM alerts`)
		assert.Error(t, err, "conn %d must reject writes", i)
	}

	var timeout, fk int
	require.NoError(t, sqlite.WriteDB.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	require.NoError(t, sqlite.WriteDB.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 5000, timeout)
	assert.Equal(t, 1, fk)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "data/v.db?_pragma=busy_timeout(5000)&_pragma=query_only(1)",
		sqliteDSN("data/v.db", []string{"busy_timeout(5000)", "query_only(1)"}))
	assert.Equal(t, "file::memory:?cache=shared&_pragma=foreign_keys(1)",
		sqliteDSN("file::memory:?cache=shared", []string{"foreign_keys(1)"}))
}

func TestValidateDatabasePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{":memory:", false},
		{"data/vigilant.db", false},
		{"/var/lib/vigilant/vigilant.db", false},
		{"", true},
		{"../escape.db", true},
		{"data/../../escape.db", true},
		{"/dev/sda", true},
		{"bad\x00name.db", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := validateDatabasePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWithTransaction_RollsBackOnPanic(t *testing.T) {
	sqlite := setupTestSQLite(t)
	store := NewSQLiteAlertStorage(sqlite, zap.NewNop().Sugar())

	_, err := store.CommitBatch(context.Background(), nil, testCursor("web-01", 0, 5))
	require.NoError(t, err)

	assert.Panics(t, func() {
		_ = sqlite.WithTransaction(context.Background(), func(tx *sql.Tx) error {
			_, err := tx.Exec(`DELETE FROM cursors`)
			require.NoError(t, err)
			panic("boom")
		})
	})

	_, found, err := store.GetCursor(context.Background(), "web-01", "/var/log/auth.log")
	require.NoError(t, err)
	assert.True(t, found, "panicking transaction must not delete the cursor")
}
