package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vigilant/core"

	"go.uber.org/zap"
)

// SQLiteServerStorage persists the monitored servers
type SQLiteServerStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteServerStorage creates a new SQLite server storage
func NewSQLiteServerStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteServerStorage {
	return &SQLiteServerStorage{sqlite: sqlite, logger: logger}
}

const serverColumns = `name, host, port, username, password, private_key_path, sources, timezone, created_at, updated_at`

// ListServers returns all servers ordered by name
func (s *SQLiteServerStorage) ListServers(ctx context.Context) ([]core.Server, error) {
	rows, err := s.sqlite.ReadDB.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("%w: list servers: %w", core.ErrStore, err)
	}
	defer rows.Close()

	servers := make([]core.Server, 0)
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan server: %w", core.ErrStore, err)
		}
		servers = append(servers, *srv)
	}
	return servers, rows.Err()
}

// GetServer returns a server by name
func (s *SQLiteServerStorage) GetServer(ctx context.Context, name string) (*core.Server, error) {
	srv, err := scanServer(s.sqlite.ReadDB.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get server %s: %w", core.ErrStore, name, err)
	}
	return srv, nil
}

// UpsertServer validates and stores a server, replacing any server with the same name
func (s *SQLiteServerStorage) UpsertServer(ctx context.Context, srv *core.Server) error {
	if err := srv.Validate(); err != nil {
		return err
	}

	sources, err := json.Marshal(srv.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}
	if srv.Sources == nil {
		sources = []byte("[]")
	}

	now := time.Now().UTC()
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = now
	}
	srv.UpdatedAt = now

	_, err = s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO servers (`+serverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			username = excluded.username,
			password = excluded.password,
			private_key_path = excluded.private_key_path,
			sources = excluded.sources,
			timezone = excluded.timezone,
			updated_at = excluded.updated_at`,
		srv.Name, srv.Host, srv.Port, srv.Username, srv.Password, srv.PrivateKeyPath,
		string(sources), srv.Timezone, srv.CreatedAt.UnixNano(), srv.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert server %s: %w", core.ErrStore, srv.Name, err)
	}

	s.logger.Infow("Server saved", "server", srv.Name, "host", srv.Host)
	return nil
}

// DeleteServer removes a server together with its cursors
func (s *SQLiteServerStorage) DeleteServer(ctx context.Context, name string) error {
	err := s.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM servers WHERE name = ?`, name)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrServerNotFound
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM cursors WHERE server_name = ?`, name)
		return err
	})
	if errors.Is(err, ErrServerNotFound) {
		return ErrServerNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: delete server %s: %w", core.ErrStore, name, err)
	}

	s.logger.Infow("Server deleted", "server", name)
	return nil
}

// SeedServers inserts the configured servers when the table is empty and
// returns how many were inserted. Invalid servers are skipped with a warning.
func (s *SQLiteServerStorage) SeedServers(ctx context.Context, servers []core.Server) (int, error) {
	var count int
	if err := s.sqlite.ReadDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM servers`).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count servers: %w", core.ErrStore, err)
	}
	if count > 0 {
		return 0, nil
	}

	inserted := 0
	for i := range servers {
		srv := servers[i]
		if err := s.UpsertServer(ctx, &srv); err != nil {
			if errors.Is(err, core.ErrConfig) {
				s.logger.Warnw("Skipping invalid configured server", "server", srv.Name, "error", err)
				continue
			}
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

func scanServer(row rowScanner) (*core.Server, error) {
	var (
		srv                  core.Server
		sources              string
		createdAt, updatedAt int64
	)
	err := row.Scan(&srv.Name, &srv.Host, &srv.Port, &srv.Username, &srv.Password,
		&srv.PrivateKeyPath, &sources, &srv.Timezone, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sources), &srv.Sources); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sources of %s: %w", srv.Name, err)
	}
	srv.CreatedAt = fromNanos(createdAt)
	srv.UpdatedAt = fromNanos(updatedAt)
	return &srv, nil
}
