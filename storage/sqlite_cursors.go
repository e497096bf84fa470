package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"vigilant/core"
)

// rowQuerier is satisfied by *sql.DB and *sql.Tx
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const cursorColumns = `server_name, source, generation, position, watermark, seen_at_watermark, updated_at`

func queryCursor(ctx context.Context, q rowQuerier, serverName, source string) (core.Cursor, bool, error) {
	c, err := scanCursor(q.QueryRowContext(ctx,
		`SELECT `+cursorColumns+` FROM cursors WHERE server_name = ? AND source = ?`, serverName, source))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Cursor{ServerName: serverName, Source: source}, false, nil
	}
	if err != nil {
		return core.Cursor{}, false, fmt.Errorf("failed to read cursor %s|%s: %w", serverName, source, err)
	}
	return c, true, nil
}

// GetCursor returns the stored cursor of a (server, source) pair. A pair
// that was never committed returns a zero cursor and found=false.
func (s *SQLiteAlertStorage) GetCursor(ctx context.Context, serverName, source string) (core.Cursor, bool, error) {
	c, found, err := queryCursor(ctx, s.sqlite.ReadDB, serverName, source)
	if err != nil {
		return core.Cursor{}, false, fmt.Errorf("%w: %w", core.ErrStore, err)
	}
	return c, found, nil
}

// ListCursors returns the cursors of one server, or all cursors when serverName is empty
func (s *SQLiteAlertStorage) ListCursors(ctx context.Context, serverName string) ([]core.Cursor, error) {
	query := `SELECT ` + cursorColumns + ` FROM cursors`
	var args []interface{}
	if serverName != "" {
		query += ` WHERE server_name = ?`
		args = append(args, serverName)
	}
	query += ` ORDER BY server_name, source`

	rows, err := s.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list cursors: %w", core.ErrStore, err)
	}
	defer rows.Close()

	cursors := make([]core.Cursor, 0)
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan cursor: %w", core.ErrStore, err)
		}
		cursors = append(cursors, c)
	}
	return cursors, rows.Err()
}

// DeleteCursors forgets every cursor of a server; its sources restart from the tail
func (s *SQLiteAlertStorage) DeleteCursors(ctx context.Context, serverName string) (int64, error) {
	res, err := s.sqlite.WriteDB.ExecContext(ctx, `DELETE FROM cursors WHERE server_name = ?`, serverName)
	if err != nil {
		return 0, fmt.Errorf("%w: delete cursors: %w", core.ErrStore, err)
	}
	return res.RowsAffected()
}

func scanCursor(row rowScanner) (core.Cursor, error) {
	var (
		c                    core.Cursor
		watermark, updatedAt int64
	)
	if err := row.Scan(&c.ServerName, &c.Source, &c.Generation, &c.Position, &watermark, &c.SeenAtWatermark, &updatedAt); err != nil {
		return core.Cursor{}, err
	}
	c.Watermark = fromNanos(watermark)
	c.UpdatedAt = fromNanos(updatedAt)
	return c, nil
}
