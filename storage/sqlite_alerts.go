package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"vigilant/core"
	"vigilant/metrics"

	"go.uber.org/zap"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// AlertFilter narrows List and Count. Zero values mean "any".
type AlertFilter struct {
	ServerName   string
	Source       string
	RuleName     string
	Severity     core.Severity
	MinSeverity  core.Severity
	Acknowledged *bool
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}

// InsertHook runs before each candidate of a batch is inserted. Returning an
// error aborts the batch.
type InsertHook func(index int, c *core.Candidate) error

// AlertOption configures SQLiteAlertStorage
type AlertOption func(*SQLiteAlertStorage)

// WithInsertHook installs a hook called before every insert
func WithInsertHook(hook InsertHook) AlertOption {
	return func(s *SQLiteAlertStorage) { s.insertHook = hook }
}

// WithAlertClock overrides the clock used for acknowledgement and cursor timestamps
func WithAlertClock(now func() time.Time) AlertOption {
	return func(s *SQLiteAlertStorage) { s.now = now }
}

// SQLiteAlertStorage is the alert store: alerts and their cursors share a
// database so a batch and its cursor commit atomically.
type SQLiteAlertStorage struct {
	sqlite     *SQLite
	logger     *zap.SugaredLogger
	insertHook InsertHook
	now        func() time.Time
}

// NewSQLiteAlertStorage creates the alert store
func NewSQLiteAlertStorage(sqlite *SQLite, logger *zap.SugaredLogger, opts ...AlertOption) *SQLiteAlertStorage {
	s := &SQLiteAlertStorage{
		sqlite: sqlite,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const alertColumns = `id, fingerprint, server_name, source, rule_name, severity, message, raw_line,
	ip_address, username, occurred_at, detected_at, timestamp_imputed,
	acknowledged, acknowledged_by, acknowledged_at`

// Save stores one candidate. A candidate whose fingerprint is already stored
// returns the existing alert with inserted=false.
func (s *SQLiteAlertStorage) Save(ctx context.Context, c *core.Candidate) (core.SaveResult, error) {
	var result core.SaveResult
	err := s.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = saveCandidate(ctx, tx, c)
		return err
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("save").Inc()
		return core.SaveResult{}, fmt.Errorf("%w: save alert: %w", core.ErrStore, err)
	}
	metrics.RecordStored(string(result.Alert.Severity), result.Inserted)
	return result, nil
}

// CommitBatch stores all candidates and advances the cursor in one
// transaction. Any failure leaves both the alerts and the cursor untouched.
// A zero-named cursor skips the cursor update.
func (s *SQLiteAlertStorage) CommitBatch(ctx context.Context, candidates []core.Candidate, next core.Cursor) ([]core.SaveResult, error) {
	results := make([]core.SaveResult, 0, len(candidates))

	err := s.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		for i := range candidates {
			if s.insertHook != nil {
				if err := s.insertHook(i, &candidates[i]); err != nil {
					return fmt.Errorf("candidate %d: %w", i, err)
				}
			}
			res, err := saveCandidate(ctx, tx, &candidates[i])
			if err != nil {
				return fmt.Errorf("candidate %d: %w", i, err)
			}
			results = append(results, res)
		}
		if next.ServerName == "" {
			return nil
		}
		return upsertCursor(ctx, tx, next, s.now())
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("commit_batch").Inc()
		return nil, fmt.Errorf("%w: commit batch for %s: %w", core.ErrStore, next.Key(), err)
	}

	for _, r := range results {
		metrics.RecordStored(string(r.Alert.Severity), r.Inserted)
	}
	return results, nil
}

func saveCandidate(ctx context.Context, tx *sql.Tx, c *core.Candidate) (core.SaveResult, error) {
	fingerprint := core.Fingerprint(c)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO alerts (fingerprint, server_name, source, rule_name, severity, severity_rank,
			message, raw_line, ip_address, username, occurred_at, detected_at, timestamp_imputed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING`,
		fingerprint, c.ServerName, c.Source, c.RuleName, string(c.Severity), c.Severity.Rank(),
		c.Message, c.RawLine, c.IPAddress, c.Username,
		toNanos(c.OccurredAt), toNanos(c.DetectedAt), boolToInt(c.TimestampImputed),
	)
	if err != nil {
		return core.SaveResult{}, fmt.Errorf("failed to insert alert: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return core.SaveResult{}, fmt.Errorf("failed to read rows affected: %w", err)
	}

	alert, err := scanAlert(tx.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE fingerprint = ?`, fingerprint))
	if err != nil {
		return core.SaveResult{}, fmt.Errorf("failed to read alert %s: %w", fingerprint, err)
	}
	return core.SaveResult{Alert: *alert, Inserted: affected == 1}, nil
}

func upsertCursor(ctx context.Context, tx *sql.Tx, next core.Cursor, now time.Time) error {
	current, found, err := queryCursor(ctx, tx, next.ServerName, next.Source)
	if err != nil {
		return err
	}
	if found && next.Compare(current) < 0 {
		return fmt.Errorf("%w: %s -> %s", ErrCursorRegression, current, next)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cursors (server_name, source, generation, position, watermark, seen_at_watermark, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_name, source) DO UPDATE SET
			generation = excluded.generation,
			position = excluded.position,
			watermark = excluded.watermark,
			seen_at_watermark = excluded.seen_at_watermark,
			updated_at = excluded.updated_at`,
		next.ServerName, next.Source, next.Generation, next.Position,
		toNanos(next.Watermark), next.SeenAtWatermark, toNanos(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert cursor: %w", err)
	}
	return nil
}

// Get returns one alert by id
func (s *SQLiteAlertStorage) Get(ctx context.Context, id int64) (*core.Alert, error) {
	alert, err := scanAlert(s.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get alert %d: %w", core.ErrStore, id, err)
	}
	return alert, nil
}

// List returns alerts matching the filter, newest first
func (s *SQLiteAlertStorage) List(ctx context.Context, filter AlertFilter) ([]core.Alert, error) {
	where, args := buildAlertWhere(filter)

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + alertColumns + ` FROM alerts` + where +
		` ORDER BY occurred_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list alerts: %w", core.ErrStore, err)
	}
	defer rows.Close()

	alerts := make([]core.Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan alert: %w", core.ErrStore, err)
		}
		alerts = append(alerts, *alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate alerts: %w", core.ErrStore, err)
	}
	return alerts, nil
}

// Count returns the number of alerts matching the filter, ignoring Limit/Offset
func (s *SQLiteAlertStorage) Count(ctx context.Context, filter AlertFilter) (int64, error) {
	where, args := buildAlertWhere(filter)
	var n int64
	if err := s.sqlite.ReadDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count alerts: %w", core.ErrStore, err)
	}
	return n, nil
}

// Acknowledge marks an alert acknowledged. Acknowledging twice keeps the
// first acknowledgement.
func (s *SQLiteAlertStorage) Acknowledge(ctx context.Context, id int64, by string) (*core.Alert, error) {
	var alert *core.Alert
	err := s.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE alerts SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
			WHERE id = ? AND acknowledged = 0`,
			by, toNanos(s.now()), id); err != nil {
			return fmt.Errorf("failed to acknowledge alert: %w", err)
		}
		var err error
		alert, err = scanAlert(tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAlertNotFound
		}
		return err
	})
	if errors.Is(err, ErrAlertNotFound) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: acknowledge alert %d: %w", core.ErrStore, id, err)
	}

	s.logger.Infow("Alert acknowledged", "alert_id", id, "by", by)
	return alert, nil
}

// AcknowledgeByRule acknowledges every open alert of a rule and returns how many changed
func (s *SQLiteAlertStorage) AcknowledgeByRule(ctx context.Context, ruleName, by string) (int64, error) {
	res, err := s.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE alerts SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
		WHERE rule_name = ? AND acknowledged = 0`,
		by, toNanos(s.now()), ruleName)
	if err != nil {
		return 0, fmt.Errorf("%w: acknowledge rule %s: %w", core.ErrStore, ruleName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: acknowledge rule %s: %w", core.ErrStore, ruleName, err)
	}

	s.logger.Infow("Alerts acknowledged by rule", "rule", ruleName, "count", n, "by", by)
	return n, nil
}

// DeleteAlertsBefore removes alerts that occurred before cutoff
func (s *SQLiteAlertStorage) DeleteAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.sqlite.WriteDB.ExecContext(ctx, `DELETE FROM alerts WHERE occurred_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: delete alerts: %w", core.ErrStore, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: delete alerts: %w", core.ErrStore, err)
	}
	return n, nil
}

func buildAlertWhere(f AlertFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if f.ServerName != "" {
		clauses = append(clauses, "server_name = ?")
		args = append(args, f.ServerName)
	}
	if f.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, f.Source)
	}
	if f.RuleName != "" {
		clauses = append(clauses, "rule_name = ?")
		args = append(args, f.RuleName)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.MinSeverity != "" {
		clauses = append(clauses, "severity_rank >= ?")
		args = append(args, f.MinSeverity.Rank())
	}
	if f.Acknowledged != nil {
		clauses = append(clauses, "acknowledged = ?")
		args = append(args, boolToInt(*f.Acknowledged))
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "occurred_at < ?")
		args = append(args, f.Until.UnixNano())
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*core.Alert, error) {
	var (
		a                      core.Alert
		severity               string
		occurredAt, detectedAt int64
		imputed, acknowledged  int
		acknowledgedAt         sql.NullInt64
	)
	err := row.Scan(
		&a.ID, &a.Fingerprint, &a.ServerName, &a.Source, &a.RuleName, &severity,
		&a.Message, &a.RawLine, &a.IPAddress, &a.Username, &occurredAt, &detectedAt,
		&imputed, &acknowledged, &a.AcknowledgedBy, &acknowledgedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Severity = core.Severity(severity)
	a.OccurredAt = fromNanos(occurredAt)
	a.DetectedAt = fromNanos(detectedAt)
	a.TimestampImputed = imputed != 0
	a.Acknowledged = acknowledged != 0
	a.AcknowledgedAt = timePtr(acknowledgedAt)
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
