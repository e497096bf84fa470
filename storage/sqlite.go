package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vigilant/metrics"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the database connections. Writes go through a single-connection
// pool so every write transaction is serialized; reads use a separate
// query_only pool that WAL lets run concurrently with the writer.
type SQLite struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Path    string
	Logger  *zap.SugaredLogger
}

// Pragmas are passed in the DSN so the driver applies them to every
// connection it opens, not only to the one that happens to run an Exec.
var (
	sharedPragmas = []string{"busy_timeout(5000)", "foreign_keys(1)"}
	writePragmas  = append([]string{"journal_mode(WAL)"}, sharedPragmas...)
	readPragmas   = append(append([]string{}, sharedPragmas...), "query_only(1)")
)

// sqliteDSN appends _pragma parameters to path
func sqliteDSN(path string, pragmas []string) string {
	var b strings.Builder
	b.WriteString(path)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// verifySQLiteConnection pings the pool and checks the journal mode
func verifySQLiteConnection(db *sql.DB, logger *zap.SugaredLogger, dbPath string, poolType string) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// In-memory databases report "memory" instead of "wal"
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s)", journalMode)
	}
	logger.Debugf("SQLite %s pool: journal mode %s", poolType, journalMode)
	return nil
}

// NewSQLite opens (and creates if needed) the database at dbPath.
// Failure here is fatal to the process: the store is mandatory.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	// Both pools must see the same in-memory database
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", sqliteDSN(actualPath, writePragmas))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	if err := verifySQLiteConnection(writeDB, logger, dbPath, "write"); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}

	s := &SQLite{
		WriteDB: writeDB,
		Path:    dbPath,
		Logger:  logger,
	}
	if err := s.createTables(); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	// The read pool is opened once the schema exists; every connection in it is query_only
	readDB, err := sql.Open("sqlite", sqliteDSN(actualPath, readPragmas))
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	readDB.SetMaxOpenConns(8)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxIdleTime(10 * time.Minute)
	s.ReadDB = readDB
	if err := verifySQLiteConnection(readDB, logger, dbPath, "read"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}

	logger.Infow("SQLite database initialized", "path", dbPath)
	return s, nil
}

// WithTransaction executes fn within a write transaction. The transaction is
// rolled back if fn returns an error or panics.
func (s *SQLite) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// createTables creates all necessary tables. Timestamps are unix nanoseconds
// so ordering and range filters are plain integer comparisons.
func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint TEXT NOT NULL UNIQUE,
		server_name TEXT NOT NULL,
		source TEXT NOT NULL,
		rule_name TEXT NOT NULL,
		severity TEXT NOT NULL,
		severity_rank INTEGER NOT NULL,
		message TEXT NOT NULL,
		raw_line TEXT NOT NULL,
		ip_address TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		occurred_at INTEGER NOT NULL,
		detected_at INTEGER NOT NULL,
		timestamp_imputed INTEGER NOT NULL DEFAULT 0,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		acknowledged_by TEXT NOT NULL DEFAULT '',
		acknowledged_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_occurred_at ON alerts(occurred_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_alerts_server ON alerts(server_name, occurred_at DESC);
	CREATE INDEX IF NOT EXISTS idx_alerts_rule ON alerts(rule_name);
	CREATE INDEX IF NOT EXISTS idx_alerts_acknowledged ON alerts(acknowledged);

	CREATE TABLE IF NOT EXISTS cursors (
		server_name TEXT NOT NULL,
		source TEXT NOT NULL,
		generation INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL DEFAULT 0,
		watermark INTEGER NOT NULL DEFAULT 0,
		seen_at_watermark INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (server_name, source)
	);

	CREATE TABLE IF NOT EXISTS servers (
		name TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 22,
		username TEXT NOT NULL,
		password TEXT NOT NULL DEFAULT '',
		private_key_path TEXT NOT NULL DEFAULT '',
		sources TEXT NOT NULL DEFAULT '[]', -- JSON array
		timezone TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exceptions (
		id TEXT PRIMARY KEY,
		rule_type TEXT NOT NULL,
		value TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		expires_at INTEGER,
		hit_count INTEGER NOT NULL DEFAULT 0,
		last_hit_at INTEGER,
		created_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_exceptions_rule_type ON exceptions(rule_type);
	CREATE INDEX IF NOT EXISTS idx_exceptions_enabled ON exceptions(enabled);
	`

	if _, err := s.WriteDB.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes both connection pools
func (s *SQLite) Close() error {
	var writeErr, readErr error
	if s.WriteDB != nil {
		writeErr = s.WriteDB.Close()
	}
	if s.ReadDB != nil {
		readErr = s.ReadDB.Close()
	}
	if writeErr != nil {
		return fmt.Errorf("failed to close write pool: %w", writeErr)
	}
	if readErr != nil {
		return fmt.Errorf("failed to close read pool: %w", readErr)
	}
	return nil
}

// HealthCheck verifies the database connection is alive
func (s *SQLite) HealthCheck(ctx context.Context) error {
	return s.WriteDB.PingContext(ctx)
}

// StartMetricsCollection publishes pool gauges until ctx is cancelled
func (s *SQLite) StartMetricsCollection(ctx context.Context, interval time.Duration) {
	s.updatePoolMetrics()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.updatePoolMetrics()
			}
		}
	}()
}

func (s *SQLite) updatePoolMetrics() {
	for pool, db := range map[string]*sql.DB{"write": s.WriteDB, "read": s.ReadDB} {
		stats := db.Stats()
		metrics.SQLitePoolOpenConnections.WithLabelValues(pool).Set(float64(stats.OpenConnections))
		metrics.SQLitePoolInUse.WithLabelValues(pool).Set(float64(stats.InUse))
	}
}

// validateDatabasePath rejects traversal sequences, null bytes and device files
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if dbPath == ":memory:" {
		return nil
	}
	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}
	if strings.Contains(dbPath, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}
	for _, part := range strings.Split(filepath.ToSlash(dbPath), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
		}
	}
	if strings.HasPrefix(filepath.Clean(dbPath), "/dev/") {
		return fmt.Errorf("device files not allowed: %s", dbPath)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
