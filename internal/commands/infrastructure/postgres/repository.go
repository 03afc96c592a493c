package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	commands "mowerlink/internal/commands/domain"
)

// HistoryRepository is a Postgres implementation of command history.
type HistoryRepository struct {
	db *sql.DB
}

// NewHistoryRepository constructs a repository.
func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Save inserts a completed command. Re-saving the same command id updates it.
func (r *HistoryRepository) Save(ctx context.Context, rec commands.HistoryRecord) error {
	if r == nil || r.db == nil {
		return errors.New("history repo: nil db")
	}
	if rec.CommandID == "" {
		return errors.New("history repo: empty command id")
	}
	params := rec.Params
	if len(params) == 0 {
		params = []byte("{}")
	}
	if !json.Valid(params) {
		return errors.New("history repo: invalid params")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO command_history (
	command_id, device_id, kind, params, status, error_kind, last_error_kind,
	detail, attempts, created_at, completed_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
)
ON CONFLICT (command_id) DO UPDATE SET
	status = EXCLUDED.status,
	error_kind = EXCLUDED.error_kind,
	last_error_kind = EXCLUDED.last_error_kind,
	detail = EXCLUDED.detail,
	attempts = EXCLUDED.attempts,
	completed_at = EXCLUDED.completed_at`,
		rec.CommandID,
		rec.DeviceID,
		string(rec.Kind),
		params,
		rec.Status,
		nullString(string(rec.ErrorKind)),
		nullString(string(rec.LastErrorKind)),
		nullString(rec.Detail),
		rec.Attempts,
		rec.CreatedAt,
		rec.CompletedAt,
	)
	return err
}

// ListByTime lists commands completed in [from, to).
func (r *HistoryRepository) ListByTime(ctx context.Context, from, to time.Time) ([]commands.HistoryRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("history repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT command_id, device_id, kind, params, status, error_kind, last_error_kind,
	detail, attempts, created_at, completed_at
FROM command_history
WHERE completed_at >= $1 AND completed_at < $2
ORDER BY completed_at ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []commands.HistoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*commands.HistoryRecord, error) {
	var rec commands.HistoryRecord
	var kind string
	var params []byte
	var errorKind sql.NullString
	var lastErrorKind sql.NullString
	var detail sql.NullString
	if err := row.Scan(
		&rec.CommandID,
		&rec.DeviceID,
		&kind,
		&params,
		&rec.Status,
		&errorKind,
		&lastErrorKind,
		&detail,
		&rec.Attempts,
		&rec.CreatedAt,
		&rec.CompletedAt,
	); err != nil {
		return nil, err
	}
	rec.Kind = commands.Kind(kind)
	if len(params) > 0 && string(params) != "{}" {
		rec.Params = params
	}
	rec.ErrorKind = commands.Classification(errorKind.String)
	rec.LastErrorKind = commands.Classification(lastErrorKind.String)
	rec.Detail = detail.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.CompletedAt = rec.CompletedAt.UTC()
	return &rec, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
