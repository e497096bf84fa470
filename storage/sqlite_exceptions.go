package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"vigilant/core"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SQLiteExceptionStorage handles alert exception persistence in SQLite
type SQLiteExceptionStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewSQLiteExceptionStorage creates a new SQLite exception storage
func NewSQLiteExceptionStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteExceptionStorage {
	return &SQLiteExceptionStorage{
		sqlite: sqlite,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

const exceptionColumns = `id, rule_type, value, description, enabled, expires_at, hit_count,
	last_hit_at, created_by, created_at, updated_at`

// CreateException validates and stores a new exception, assigning its ID
func (s *SQLiteExceptionStorage) CreateException(ctx context.Context, e *core.AlertException) error {
	e.Compile()
	if err := e.Validate(); err != nil {
		return err
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := s.now()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO exceptions (`+exceptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.RuleType), e.Value, e.Description, boolToInt(e.Enabled),
		nullableNanos(e.ExpiresAt), e.HitCount, nullableNanos(e.LastHitAt),
		e.CreatedBy, e.CreatedAt.UnixNano(), e.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: create exception: %w", core.ErrStore, err)
	}

	s.logger.Infow("Exception created", "id", e.ID, "rule_type", e.RuleType, "value", e.Value, "created_by", e.CreatedBy)
	return nil
}

// GetException retrieves an exception by ID
func (s *SQLiteExceptionStorage) GetException(ctx context.Context, id string) (*core.AlertException, error) {
	e, err := scanException(s.sqlite.ReadDB.QueryRowContext(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExceptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get exception %s: %w", core.ErrStore, id, err)
	}
	return e, nil
}

// ListExceptions returns exceptions matching the filters, oldest first
func (s *SQLiteExceptionStorage) ListExceptions(ctx context.Context, filters core.ExceptionFilters) ([]core.AlertException, error) {
	whereClauses := []string{"1=1"}
	args := []interface{}{}

	if filters.RuleType != "" {
		whereClauses = append(whereClauses, "rule_type = ?")
		args = append(args, string(filters.RuleType))
	}
	if filters.Enabled != nil {
		whereClauses = append(whereClauses, "enabled = ?")
		args = append(args, boolToInt(*filters.Enabled))
	}
	if filters.Search != "" {
		whereClauses = append(whereClauses, "(value LIKE ? OR description LIKE ?)")
		pattern := "%" + filters.Search + "%"
		args = append(args, pattern, pattern)
	}

	limit := filters.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	// #nosec G202 - the WHERE clause only holds static fragments; values are parameterized
	query := `SELECT ` + exceptionColumns + ` FROM exceptions WHERE ` + strings.Join(whereClauses, " AND ") +
		` ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`
	return s.queryExceptions(ctx, query, args...)
}

// ListActiveExceptions returns the enabled exceptions that have not expired
func (s *SQLiteExceptionStorage) ListActiveExceptions(ctx context.Context) ([]core.AlertException, error) {
	return s.queryExceptions(ctx, `SELECT `+exceptionColumns+` FROM exceptions
		WHERE enabled = 1 AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC, id ASC`, s.now().UnixNano())
}

func (s *SQLiteExceptionStorage) queryExceptions(ctx context.Context, query string, args ...interface{}) ([]core.AlertException, error) {
	rows, err := s.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query exceptions: %w", core.ErrStore, err)
	}
	defer rows.Close()

	exceptions := []core.AlertException{}
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan exception: %w", core.ErrStore, err)
		}
		exceptions = append(exceptions, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate exceptions: %w", core.ErrStore, err)
	}
	return exceptions, nil
}

// UpdateException replaces the editable fields of an exception
func (s *SQLiteExceptionStorage) UpdateException(ctx context.Context, id string, e *core.AlertException) error {
	e.Compile()
	if err := e.Validate(); err != nil {
		return err
	}
	e.ID = id
	e.UpdatedAt = s.now()

	result, err := s.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE exceptions
		SET rule_type = ?, value = ?, description = ?, enabled = ?, expires_at = ?, updated_at = ?
		WHERE id = ?`,
		string(e.RuleType), e.Value, e.Description, boolToInt(e.Enabled),
		nullableNanos(e.ExpiresAt), e.UpdatedAt.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("%w: update exception: %w", core.ErrStore, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: update exception: %w", core.ErrStore, err)
	}
	if rows == 0 {
		return ErrExceptionNotFound
	}
	return nil
}

// DeleteException deletes an exception by ID
func (s *SQLiteExceptionStorage) DeleteException(ctx context.Context, id string) error {
	result, err := s.sqlite.WriteDB.ExecContext(ctx, `DELETE FROM exceptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: delete exception: %w", core.ErrStore, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: delete exception: %w", core.ErrStore, err)
	}
	if rows == 0 {
		return ErrExceptionNotFound
	}

	s.logger.Infow("Exception deleted", "id", id)
	return nil
}

// RecordExceptionHits adds hit counts keyed by exception ID. Entries with an
// empty ID (implicit exceptions from configuration) are ignored.
func (s *SQLiteExceptionStorage) RecordExceptionHits(ctx context.Context, hits map[string]int64, at time.Time) error {
	if len(hits) == 0 {
		return nil
	}
	err := s.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE exceptions SET hit_count = hit_count + ?, last_hit_at = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for id, n := range hits {
			if id == "" || n <= 0 {
				continue
			}
			if _, err := stmt.ExecContext(ctx, n, at.UnixNano(), id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: record exception hits: %w", core.ErrStore, err)
	}
	return nil
}

// exceptionFile is the YAML import format. A bare list is accepted too.
type exceptionFile struct {
	Exceptions []core.AlertException `yaml:"exceptions"`
}

// ImportExceptions reads exceptions from YAML and creates those not already
// present (same rule_type and value). Returns the number created.
func (s *SQLiteExceptionStorage) ImportExceptions(ctx context.Context, r io.Reader, createdBy string) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read exceptions file: %w", err)
	}

	var file exceptionFile
	if err := yaml.Unmarshal(data, &file); err != nil || file.Exceptions == nil {
		var list []core.AlertException
		if listErr := yaml.Unmarshal(data, &list); listErr != nil {
			if err == nil {
				err = listErr
			}
			return 0, fmt.Errorf("%w: parse exceptions file: %v", core.ErrConfig, err)
		}
		file.Exceptions = list
	}

	existing, err := s.ListExceptions(ctx, core.ExceptionFilters{})
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[string(e.RuleType)+"\x00"+e.Value] = true
	}

	created := 0
	for i := range file.Exceptions {
		e := file.Exceptions[i]
		e.ID = ""
		e.Value = strings.TrimSpace(e.Value)
		if !hasEnabledKey(data, i) {
			e.Enabled = true
		}
		if e.CreatedBy == "" {
			e.CreatedBy = createdBy
		}
		key := string(e.RuleType) + "\x00" + e.Value
		if seen[key] {
			continue
		}
		if err := s.CreateException(ctx, &e); err != nil {
			return created, fmt.Errorf("exception %d (%s=%s): %w", i, e.RuleType, e.Value, err)
		}
		seen[key] = true
		created++
	}

	s.logger.Infow("Exceptions imported", "created", created, "total", len(file.Exceptions))
	return created, nil
}

// hasEnabledKey reports whether the i-th imported exception sets "enabled"
// explicitly; omitted means enabled.
func hasEnabledKey(data []byte, i int) bool {
	var raw struct {
		Exceptions []map[string]interface{} `yaml:"exceptions"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil || raw.Exceptions == nil {
		var list []map[string]interface{}
		if err := yaml.Unmarshal(data, &list); err != nil {
			return false
		}
		raw.Exceptions = list
	}
	if i >= len(raw.Exceptions) {
		return false
	}
	_, ok := raw.Exceptions[i]["enabled"]
	return ok
}

func scanException(row rowScanner) (*core.AlertException, error) {
	var (
		e                    core.AlertException
		ruleType             string
		enabled              int
		expiresAt, lastHitAt sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&e.ID, &ruleType, &e.Value, &e.Description, &enabled, &expiresAt,
		&e.HitCount, &lastHitAt, &e.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.RuleType = core.ExceptionRuleType(ruleType)
	e.Enabled = enabled != 0
	e.ExpiresAt = timePtr(expiresAt)
	e.LastHitAt = timePtr(lastHitAt)
	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)
	e.Compile()
	return &e, nil
}
