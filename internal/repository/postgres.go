package repository

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/casehawk/internal/database"
)

// fileColumns is shared by both stores; the active token is stored as NULL
// when unset so the partial index only covers claimed rows.
const fileColumns = `id, case_id, storage_path, source_format, processing_state,
	COALESCE(active_task_token, ''), task_owner, task_operation, task_heartbeat_at,
	is_indexed, event_count, index_error_count, violation_count, ioc_match_count,
	error_detail, error_class, cancel_requested, index_ref, created_at, updated_at, completed_at`

const (
	indicatorColumns = `id, case_id, type, value, active, match_count, last_error, created_at`
	matchColumns     = `indicator_id, case_id, file_id, document_id, matched_value, matched_at`
	violationColumns = `rule_id, rule_title, rule_level, case_id, file_id, document_id, detected_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string, maxConns int32) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

func scanPgFile(row rowScanner) (*FileRecord, error) {
	var f FileRecord
	var state, op string
	var heartbeat, completed *time.Time
	err := row.Scan(
		&f.ID, &f.CaseID, &f.StoragePath, &f.SourceFormat, &state,
		&f.ActiveTaskToken, &f.TaskOwner, &op, &heartbeat,
		&f.IsIndexed, &f.EventCount, &f.IndexErrorCount, &f.ViolationCount, &f.IOCMatchCount,
		&f.ErrorDetail, &f.ErrorClass, &f.CancelRequested, &f.IndexRef,
		&f.CreatedAt, &f.UpdatedAt, &completed,
	)
	if err != nil {
		return nil, err
	}
	f.State = State(state)
	f.TaskOperation = Operation(op)
	if heartbeat != nil {
		f.TaskHeartbeatAt = heartbeat.UTC()
	}
	if completed != nil {
		f.CompletedAt = completed.UTC()
	}
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	return &f, nil
}

func pgNullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// CreateFile inserts a new record in the queued state and fills in its ID
// and timestamps.
func (r *PostgresRepository) CreateFile(ctx context.Context, f *FileRecord) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	if f.State == "" {
		f.State = StateQueued
	}

	query := `
		INSERT INTO case_files (case_id, storage_path, source_format, processing_state)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query, f.CaseID, f.StoragePath, f.SourceFormat, string(f.State)).
		Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	return nil
}

func (r *PostgresRepository) GetFile(ctx context.Context, id int64) (*FileRecord, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	f, err := scanPgFile(r.pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM case_files WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	return f, nil
}

func (r *PostgresRepository) ListFiles(ctx context.Context, caseID int64) ([]*FileRecord, error) {
	return r.listFiles(ctx, `SELECT `+fileColumns+` FROM case_files WHERE case_id = $1 ORDER BY id`, caseID)
}

func (r *PostgresRepository) ListClaimedFiles(ctx context.Context) ([]*FileRecord, error) {
	return r.listFiles(ctx, `SELECT `+fileColumns+` FROM case_files WHERE active_task_token IS NOT NULL ORDER BY id`)
}

func (r *PostgresRepository) listFiles(ctx context.Context, query string, args ...any) ([]*FileRecord, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list file records: %w", err)
	}
	defer rows.Close()

	var files []*FileRecord
	for rows.Next() {
		f, err := scanPgFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (r *PostgresRepository) UpdateFileLocked(ctx context.Context, id int64, fn func(*FileRecord) error) (*FileRecord, error) {
	ctx, cancel := database.LockContext(ctx)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	f, err := scanPgFile(tx.QueryRow(ctx, `SELECT `+fileColumns+` FROM case_files WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to lock file record: %w", err)
	}

	if err := fn(f); err != nil {
		return nil, err
	}
	f.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE case_files SET
			processing_state = $2, active_task_token = NULLIF($3, ''), task_owner = $4,
			task_operation = $5, task_heartbeat_at = $6, is_indexed = $7, event_count = $8,
			index_error_count = $9, error_detail = $10, error_class = $11,
			cancel_requested = $12, index_ref = $13, updated_at = $14, completed_at = $15
		WHERE id = $1
	`
	_, err = tx.Exec(ctx, query,
		f.ID, string(f.State), f.ActiveTaskToken, f.TaskOwner,
		string(f.TaskOperation), pgNullTime(f.TaskHeartbeatAt), f.IsIndexed, f.EventCount,
		f.IndexErrorCount, f.ErrorDetail, f.ErrorClass,
		f.CancelRequested, f.IndexRef, f.UpdatedAt, pgNullTime(f.CompletedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update file record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit file record: %w", err)
	}
	return f, nil
}

func (r *PostgresRepository) RecountFile(ctx context.Context, fileID int64) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		UPDATE case_files SET
			violation_count = (SELECT COUNT(*) FROM rule_violations WHERE file_id = $1),
			ioc_match_count = (SELECT COUNT(*) FROM ioc_matches WHERE file_id = $1)
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, fileID)
	if err != nil {
		return fmt.Errorf("failed to recount file %d: %w", fileID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

func (r *PostgresRepository) CreateIndicator(ctx context.Context, ind *Indicator) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO indicators (case_id, type, value, active)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	err := r.pool.QueryRow(ctx, query, ind.CaseID, ind.Type, ind.Value, ind.Active).Scan(&ind.ID, &ind.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrIndicatorExists
		}
		return fmt.Errorf("failed to create indicator: %w", err)
	}
	ind.CreatedAt = ind.CreatedAt.UTC()
	return nil
}

func scanPgIndicator(row rowScanner) (*Indicator, error) {
	var ind Indicator
	if err := row.Scan(&ind.ID, &ind.CaseID, &ind.Type, &ind.Value, &ind.Active, &ind.MatchCount, &ind.LastError, &ind.CreatedAt); err != nil {
		return nil, err
	}
	ind.CreatedAt = ind.CreatedAt.UTC()
	return &ind, nil
}

func (r *PostgresRepository) GetIndicator(ctx context.Context, id int64) (*Indicator, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	ind, err := scanPgIndicator(r.pool.QueryRow(ctx, `SELECT `+indicatorColumns+` FROM indicators WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIndicatorNotFound
		}
		return nil, fmt.Errorf("failed to get indicator: %w", err)
	}
	return ind, nil
}

func (r *PostgresRepository) ListIndicators(ctx context.Context, caseID int64, activeOnly bool) ([]*Indicator, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + indicatorColumns + ` FROM indicators WHERE case_id = $1`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY id`

	rows, err := r.pool.Query(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list indicators: %w", err)
	}
	defer rows.Close()

	var out []*Indicator
	for rows.Next() {
		ind, err := scanPgIndicator(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan indicator: %w", err)
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SetIndicatorActive(ctx context.Context, id int64, active bool) error {
	return r.execIndicator(ctx, `UPDATE indicators SET active = $2 WHERE id = $1`, id, active)
}

func (r *PostgresRepository) SetIndicatorError(ctx context.Context, id int64, msg string) error {
	return r.execIndicator(ctx, `UPDATE indicators SET last_error = $2 WHERE id = $1`, id, msg)
}

func (r *PostgresRepository) DeleteIndicator(ctx context.Context, id int64) error {
	return r.execIndicator(ctx, `DELETE FROM indicators WHERE id = $1`, id)
}

func (r *PostgresRepository) execIndicator(ctx context.Context, query string, args ...any) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update indicator: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIndicatorNotFound
	}
	return nil
}

func (r *PostgresRepository) RecountIndicators(ctx context.Context, caseID int64) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		UPDATE indicators SET match_count =
			(SELECT COUNT(*) FROM ioc_matches m WHERE m.indicator_id = indicators.id)
		WHERE case_id = $1
	`
	if _, err := r.pool.Exec(ctx, query, caseID); err != nil {
		return fmt.Errorf("failed to recount indicators for case %d: %w", caseID, err)
	}
	return nil
}

func (r *PostgresRepository) InsertMatches(ctx context.Context, matches []IOCMatch) (int64, error) {
	query := `
		INSERT INTO ioc_matches (` + matchColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (indicator_id, document_id) DO NOTHING
	`
	return r.execBatch(ctx, len(matches), func(b *pgx.Batch) {
		for _, m := range matches {
			b.Queue(query, m.IndicatorID, m.CaseID, m.FileID, m.DocumentID, m.MatchedValue, orNow(m.MatchedAt))
		}
	})
}

func (r *PostgresRepository) InsertViolations(ctx context.Context, violations []Violation) (int64, error) {
	query := `
		INSERT INTO rule_violations (` + violationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (rule_id, document_id) DO NOTHING
	`
	return r.execBatch(ctx, len(violations), func(b *pgx.Batch) {
		for _, v := range violations {
			b.Queue(query, v.RuleID, v.RuleTitle, v.RuleLevel, v.CaseID, v.FileID, v.DocumentID, orNow(v.DetectedAt))
		}
	})
}

func (r *PostgresRepository) ReassignResults(ctx context.Context, caseID, fromFile int64, heirs map[string]int64) (int64, error) {
	docs := slices.Sorted(maps.Keys(heirs))
	return r.execBatch(ctx, 2*len(docs), func(b *pgx.Batch) {
		for _, doc := range docs {
			for _, table := range []string{"ioc_matches", "rule_violations"} {
				b.Queue(`UPDATE `+table+` SET file_id = $1 WHERE case_id = $2 AND file_id = $3 AND document_id = $4`,
					heirs[doc], caseID, fromFile, doc)
			}
		}
	})
}

// execBatch sends n queued statements in one transaction and sums the rows
// they actually affected.
func (r *PostgresRepository) execBatch(ctx context.Context, n int, queue func(*pgx.Batch)) (int64, error) {
	if n == 0 {
		return 0, nil
	}
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	var affected int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		queue(batch)
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < n; i++ {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return err
			}
			affected += tag.RowsAffected()
		}
		return br.Close()
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write batch: %w", err)
	}
	return affected, nil
}

func pgScope(s Scope) (string, []any) {
	if s.FileID != 0 {
		return `case_id = $1 AND file_id = $2`, []any{s.CaseID, s.FileID}
	}
	return `case_id = $1`, []any{s.CaseID}
}

func (r *PostgresRepository) ListMatches(ctx context.Context, scope Scope) ([]IOCMatch, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	where, args := pgScope(scope)
	rows, err := r.pool.Query(ctx, `SELECT `+matchColumns+` FROM ioc_matches WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}
	defer rows.Close()

	var out []IOCMatch
	for rows.Next() {
		var m IOCMatch
		if err := rows.Scan(&m.IndicatorID, &m.CaseID, &m.FileID, &m.DocumentID, &m.MatchedValue, &m.MatchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		m.MatchedAt = m.MatchedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListViolations(ctx context.Context, scope Scope) ([]Violation, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	where, args := pgScope(scope)
	rows, err := r.pool.Query(ctx, `SELECT `+violationColumns+` FROM rule_violations WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var v Violation
		if err := rows.Scan(&v.RuleID, &v.RuleTitle, &v.RuleLevel, &v.CaseID, &v.FileID, &v.DocumentID, &v.DetectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		v.DetectedAt = v.DetectedAt.UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DeleteMatches(ctx context.Context, scope Scope) (int64, error) {
	return r.deleteScoped(ctx, "ioc_matches", scope)
}

func (r *PostgresRepository) DeleteViolations(ctx context.Context, scope Scope) (int64, error) {
	return r.deleteScoped(ctx, "rule_violations", scope)
}

func (r *PostgresRepository) deleteScoped(ctx context.Context, table string, scope Scope) (int64, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	where, args := pgScope(scope)
	tag, err := r.pool.Exec(ctx, `DELETE FROM `+table+` WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
