package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/telhawk-systems/casehawk/internal/database"
)

// SQLiteRepository is the single-node store. All access goes through one
// connection; row locks are emulated with BEGIN IMMEDIATE, which takes the
// database write lock up front.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(ctx context.Context, path string) (*SQLiteRepository, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() {
	r.db.Close()
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return r.db.PingContext(ctx)
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return fromMillis(n.Int64)
}

func scanSQLiteFile(row rowScanner) (*FileRecord, error) {
	var f FileRecord
	var state, op string
	var heartbeat, completed sql.NullInt64
	var created, updated int64
	err := row.Scan(
		&f.ID, &f.CaseID, &f.StoragePath, &f.SourceFormat, &state,
		&f.ActiveTaskToken, &f.TaskOwner, &op, &heartbeat,
		&f.IsIndexed, &f.EventCount, &f.IndexErrorCount, &f.ViolationCount, &f.IOCMatchCount,
		&f.ErrorDetail, &f.ErrorClass, &f.CancelRequested, &f.IndexRef,
		&created, &updated, &completed,
	)
	if err != nil {
		return nil, err
	}
	f.State = State(state)
	f.TaskOperation = Operation(op)
	f.TaskHeartbeatAt = fromNullMillis(heartbeat)
	f.CompletedAt = fromNullMillis(completed)
	f.CreatedAt = fromMillis(created)
	f.UpdatedAt = fromMillis(updated)
	return &f, nil
}

func (r *SQLiteRepository) CreateFile(ctx context.Context, f *FileRecord) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	if f.State == "" {
		f.State = StateQueued
	}
	now := time.Now().UTC().Truncate(time.Millisecond)

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO case_files (case_id, storage_path, source_format, processing_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.CaseID, f.StoragePath, f.SourceFormat, string(f.State), millis(now), millis(now))
	if err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read file record id: %w", err)
	}
	f.ID = id
	f.CreatedAt = now
	f.UpdatedAt = now
	return nil
}

func (r *SQLiteRepository) GetFile(ctx context.Context, id int64) (*FileRecord, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	f, err := scanSQLiteFile(r.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM case_files WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	return f, nil
}

func (r *SQLiteRepository) ListFiles(ctx context.Context, caseID int64) ([]*FileRecord, error) {
	return r.listFiles(ctx, `SELECT `+fileColumns+` FROM case_files WHERE case_id = ? ORDER BY id`, caseID)
}

func (r *SQLiteRepository) ListClaimedFiles(ctx context.Context) ([]*FileRecord, error) {
	return r.listFiles(ctx, `SELECT `+fileColumns+` FROM case_files WHERE active_task_token IS NOT NULL ORDER BY id`)
}

func (r *SQLiteRepository) listFiles(ctx context.Context, query string, args ...any) ([]*FileRecord, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list file records: %w", err)
	}
	defer rows.Close()

	var files []*FileRecord
	for rows.Next() {
		f, err := scanSQLiteFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (r *SQLiteRepository) UpdateFileLocked(ctx context.Context, id int64, fn func(*FileRecord) error) (*FileRecord, error) {
	ctx, cancel := database.LockContext(ctx)
	defer cancel()

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK") //nolint:errcheck
		}
	}()

	f, err := scanSQLiteFile(conn.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM case_files WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to lock file record: %w", err)
	}

	if err := fn(f); err != nil {
		return nil, err
	}
	f.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)

	_, err = conn.ExecContext(ctx, `
		UPDATE case_files SET
			processing_state = ?, active_task_token = NULLIF(?, ''), task_owner = ?,
			task_operation = ?, task_heartbeat_at = ?, is_indexed = ?, event_count = ?,
			index_error_count = ?, error_detail = ?, error_class = ?,
			cancel_requested = ?, index_ref = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(f.State), f.ActiveTaskToken, f.TaskOwner,
		string(f.TaskOperation), nullMillis(f.TaskHeartbeatAt), f.IsIndexed, f.EventCount,
		f.IndexErrorCount, f.ErrorDetail, f.ErrorClass,
		f.CancelRequested, f.IndexRef, millis(f.UpdatedAt), nullMillis(f.CompletedAt),
		f.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update file record: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("failed to commit file record: %w", err)
	}
	committed = true

	// Round-trip precision matches what a later read returns.
	f.TaskHeartbeatAt = truncMillis(f.TaskHeartbeatAt)
	f.CompletedAt = truncMillis(f.CompletedAt)
	return f, nil
}

func truncMillis(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return fromMillis(t.UnixMilli())
}

func (r *SQLiteRepository) RecountFile(ctx context.Context, fileID int64) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE case_files SET
			violation_count = (SELECT COUNT(*) FROM rule_violations WHERE file_id = ?),
			ioc_match_count = (SELECT COUNT(*) FROM ioc_matches WHERE file_id = ?)
		WHERE id = ?`, fileID, fileID, fileID)
	if err != nil {
		return fmt.Errorf("failed to recount file %d: %w", fileID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFileNotFound
	}
	return nil
}

func (r *SQLiteRepository) CreateIndicator(ctx context.Context, ind *Indicator) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Millisecond)
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO indicators (case_id, type, value, active, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ind.CaseID, ind.Type, ind.Value, ind.Active, millis(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrIndicatorExists
		}
		return fmt.Errorf("failed to create indicator: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read indicator id: %w", err)
	}
	ind.ID = id
	ind.CreatedAt = now
	return nil
}

func scanSQLiteIndicator(row rowScanner) (*Indicator, error) {
	var ind Indicator
	var created int64
	if err := row.Scan(&ind.ID, &ind.CaseID, &ind.Type, &ind.Value, &ind.Active, &ind.MatchCount, &ind.LastError, &created); err != nil {
		return nil, err
	}
	ind.CreatedAt = fromMillis(created)
	return &ind, nil
}

func (r *SQLiteRepository) GetIndicator(ctx context.Context, id int64) (*Indicator, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	ind, err := scanSQLiteIndicator(r.db.QueryRowContext(ctx, `SELECT `+indicatorColumns+` FROM indicators WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIndicatorNotFound
		}
		return nil, fmt.Errorf("failed to get indicator: %w", err)
	}
	return ind, nil
}

func (r *SQLiteRepository) ListIndicators(ctx context.Context, caseID int64, activeOnly bool) ([]*Indicator, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + indicatorColumns + ` FROM indicators WHERE case_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list indicators: %w", err)
	}
	defer rows.Close()

	var out []*Indicator
	for rows.Next() {
		ind, err := scanSQLiteIndicator(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan indicator: %w", err)
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) SetIndicatorActive(ctx context.Context, id int64, active bool) error {
	return r.execIndicator(ctx, `UPDATE indicators SET active = ? WHERE id = ?`, active, id)
}

func (r *SQLiteRepository) SetIndicatorError(ctx context.Context, id int64, msg string) error {
	return r.execIndicator(ctx, `UPDATE indicators SET last_error = ? WHERE id = ?`, msg, id)
}

func (r *SQLiteRepository) DeleteIndicator(ctx context.Context, id int64) error {
	return r.execIndicator(ctx, `DELETE FROM indicators WHERE id = ?`, id)
}

func (r *SQLiteRepository) execIndicator(ctx context.Context, query string, args ...any) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update indicator: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrIndicatorNotFound
	}
	return nil
}

func (r *SQLiteRepository) RecountIndicators(ctx context.Context, caseID int64) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE indicators SET match_count =
			(SELECT COUNT(*) FROM ioc_matches m WHERE m.indicator_id = indicators.id)
		WHERE case_id = ?`, caseID)
	if err != nil {
		return fmt.Errorf("failed to recount indicators for case %d: %w", caseID, err)
	}
	return nil
}

func (r *SQLiteRepository) InsertMatches(ctx context.Context, matches []IOCMatch) (int64, error) {
	query := `INSERT INTO ioc_matches (` + matchColumns + `) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (indicator_id, document_id) DO NOTHING`
	return r.insertBatch(ctx, query, len(matches), func(i int) []any {
		m := matches[i]
		return []any{m.IndicatorID, m.CaseID, m.FileID, m.DocumentID, m.MatchedValue, millis(orNow(m.MatchedAt))}
	})
}

func (r *SQLiteRepository) InsertViolations(ctx context.Context, violations []Violation) (int64, error) {
	query := `INSERT INTO rule_violations (` + violationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (rule_id, document_id) DO NOTHING`
	return r.insertBatch(ctx, query, len(violations), func(i int) []any {
		v := violations[i]
		return []any{v.RuleID, v.RuleTitle, v.RuleLevel, v.CaseID, v.FileID, v.DocumentID, millis(orNow(v.DetectedAt))}
	})
}

func (r *SQLiteRepository) insertBatch(ctx context.Context, query string, n int, args func(i int) []any) (int64, error) {
	if n == 0 {
		return 0, nil
	}
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for i := 0; i < n; i++ {
		res, err := stmt.ExecContext(ctx, args(i)...)
		if err != nil {
			return 0, fmt.Errorf("failed to insert batch: %w", err)
		}
		affected, _ := res.RowsAffected()
		inserted += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return inserted, nil
}

func (r *SQLiteRepository) ReassignResults(ctx context.Context, caseID, fromFile int64, heirs map[string]int64) (int64, error) {
	if len(heirs) == 0 {
		return 0, nil
	}
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var moved int64
	for _, table := range []string{"ioc_matches", "rule_violations"} {
		stmt, err := tx.PrepareContext(ctx,
			`UPDATE `+table+` SET file_id = ? WHERE case_id = ? AND file_id = ? AND document_id = ?`)
		if err != nil {
			return 0, fmt.Errorf("failed to prepare reassign: %w", err)
		}
		for _, doc := range slices.Sorted(maps.Keys(heirs)) {
			res, err := stmt.ExecContext(ctx, heirs[doc], caseID, fromFile, doc)
			if err != nil {
				stmt.Close()
				return 0, fmt.Errorf("failed to reassign %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			moved += n
		}
		stmt.Close()
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reassign: %w", err)
	}
	return moved, nil
}

func sqliteScope(s Scope) (string, []any) {
	if s.FileID != 0 {
		return `case_id = ? AND file_id = ?`, []any{s.CaseID, s.FileID}
	}
	return `case_id = ?`, []any{s.CaseID}
}

func (r *SQLiteRepository) ListMatches(ctx context.Context, scope Scope) ([]IOCMatch, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	where, args := sqliteScope(scope)
	rows, err := r.db.QueryContext(ctx, `SELECT `+matchColumns+` FROM ioc_matches WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}
	defer rows.Close()

	var out []IOCMatch
	for rows.Next() {
		var m IOCMatch
		var at int64
		if err := rows.Scan(&m.IndicatorID, &m.CaseID, &m.FileID, &m.DocumentID, &m.MatchedValue, &at); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		m.MatchedAt = fromMillis(at)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) ListViolations(ctx context.Context, scope Scope) ([]Violation, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	where, args := sqliteScope(scope)
	rows, err := r.db.QueryContext(ctx, `SELECT `+violationColumns+` FROM rule_violations WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var v Violation
		var at int64
		if err := rows.Scan(&v.RuleID, &v.RuleTitle, &v.RuleLevel, &v.CaseID, &v.FileID, &v.DocumentID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		v.DetectedAt = fromMillis(at)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) DeleteMatches(ctx context.Context, scope Scope) (int64, error) {
	return r.deleteScoped(ctx, "ioc_matches", scope)
}

func (r *SQLiteRepository) DeleteViolations(ctx context.Context, scope Scope) (int64, error) {
	return r.deleteScoped(ctx, "rule_violations", scope)
}

func (r *SQLiteRepository) deleteScoped(ctx context.Context, table string, scope Scope) (int64, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	where, args := sqliteScope(scope)
	res, err := r.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return res.RowsAffected()
}
