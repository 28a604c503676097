package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore persists call records in Postgres.
//
// NOTE: expects the call_records table:
//
//	CREATE TABLE call_records (
//	  id UUID PRIMARY KEY,
//	  external_call_id TEXT NOT NULL UNIQUE,
//	  raw_payload TEXT NOT NULL DEFAULT '',
//	  recording_url TEXT NOT NULL,
//	  campaign_name TEXT NOT NULL DEFAULT '',
//	  caller_id TEXT NOT NULL DEFAULT '',
//	  publisher_id TEXT NOT NULL DEFAULT '',
//	  buyer_id TEXT NOT NULL DEFAULT '',
//	  status TEXT NOT NULL,
//	  disposition TEXT NOT NULL DEFAULT '',
//	  transcript TEXT NOT NULL DEFAULT '',
//	  labeled_transcript TEXT NOT NULL DEFAULT '',
//	  qc JSONB,
//	  error TEXT NOT NULL DEFAULT '',
//	  processing_started_at TIMESTAMPTZ,
//	  processing_ended_at TIMESTAMPTZ,
//	  estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
//	  created_at TIMESTAMPTZ NOT NULL,
//	  updated_at TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

const recordColumns = `
id, external_call_id, raw_payload, recording_url, campaign_name, caller_id,
publisher_id, buyer_id, status, disposition, transcript, labeled_transcript, qc,
error, processing_started_at, processing_ended_at, estimated_cost, created_at,
updated_at`

func (s *PostgresStore) Create(ctx context.Context, rec CallRecord) (CallRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = StatusQueued
	}
	now := s.clock().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	qcJSON, err := marshalQC(rec.QC)
	if err != nil {
		return CallRecord{}, err
	}

	const q = `
INSERT INTO call_records (
  id, external_call_id, raw_payload, recording_url, campaign_name, caller_id,
  publisher_id, buyer_id, status, disposition, transcript, labeled_transcript, qc,
  error, processing_started_at, processing_ended_at, estimated_cost, created_at,
  updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
`
	_, err = s.db.ExecContext(ctx, q,
		rec.ID,
		rec.ExternalCallID,
		rec.RawPayload,
		rec.RecordingURL,
		rec.CampaignName,
		rec.CallerID,
		rec.PublisherID,
		rec.BuyerID,
		rec.Status,
		rec.Disposition,
		rec.Transcript,
		rec.LabeledTranscript,
		qcJSON,
		rec.Error,
		rec.ProcessingStartedAt,
		rec.ProcessingEndedAt,
		rec.EstimatedCost,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return CallRecord{}, ErrDuplicate
		}
		return CallRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (CallRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM call_records WHERE id = $1`
	return s.queryOne(ctx, q, id)
}

func (s *PostgresStore) FindByExternalID(ctx context.Context, externalCallID string) (CallRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM call_records WHERE external_call_id = $1`
	return s.queryOne(ctx, q, externalCallID)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, patch Patch) (CallRecord, error) {
	// Read-check-write; the queue's per-job exclusivity is the real guard
	// against concurrent writers, the store stays last-write-wins.
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return CallRecord{}, err
	}
	if status != current.Status && !CanTransition(current.Status, status) {
		return CallRecord{}, ErrInvalidTransition
	}

	current.Status = status
	applyPatch(&current, patch)
	current.UpdatedAt = s.clock().UTC()

	qcJSON, err := marshalQC(current.QC)
	if err != nil {
		return CallRecord{}, err
	}

	const q = `
UPDATE call_records SET
  status = $2,
  disposition = $3,
  transcript = $4,
  labeled_transcript = $5,
  qc = $6,
  error = $7,
  processing_started_at = $8,
  processing_ended_at = $9,
  estimated_cost = $10,
  updated_at = $11
WHERE id = $1
`
	res, err := s.db.ExecContext(ctx, q,
		current.ID,
		current.Status,
		current.Disposition,
		current.Transcript,
		current.LabeledTranscript,
		qcJSON,
		current.Error,
		current.ProcessingStartedAt,
		current.ProcessingEndedAt,
		current.EstimatedCost,
		current.UpdatedAt,
	)
	if err != nil {
		return CallRecord{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return CallRecord{}, ErrNotFound
	}
	return current, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter, offset, limit int) ([]CallRecord, int, error) {
	where, args := buildWhere(filter)

	countQ := `SELECT COUNT(*) FROM call_records` + where
	var total int
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, offset)
	q := fmt.Sprintf(`SELECT %s FROM call_records%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		recordColumns, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]CallRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) CountByStatus(ctx context.Context, filter ListFilter) (map[Status]int, error) {
	where, args := buildWhere(filter)
	q := `SELECT status, COUNT(*) FROM call_records` + where + ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) queryOne(ctx context.Context, q string, arg any) (CallRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, q, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, err
	}
	return rec, nil
}

func scanRecord(row rowScanner) (CallRecord, error) {
	var rec CallRecord
	var qcJSON sql.NullString
	var startedAt, endedAt sql.NullTime

	err := row.Scan(
		&rec.ID,
		&rec.ExternalCallID,
		&rec.RawPayload,
		&rec.RecordingURL,
		&rec.CampaignName,
		&rec.CallerID,
		&rec.PublisherID,
		&rec.BuyerID,
		&rec.Status,
		&rec.Disposition,
		&rec.Transcript,
		&rec.LabeledTranscript,
		&qcJSON,
		&rec.Error,
		&startedAt,
		&endedAt,
		&rec.EstimatedCost,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return CallRecord{}, err
	}

	if qcJSON.Valid && qcJSON.String != "" {
		var qc QCResult
		if err := json.Unmarshal([]byte(qcJSON.String), &qc); err != nil {
			return CallRecord{}, fmt.Errorf("records: decode qc: %w", err)
		}
		rec.QC = &qc
	}
	if startedAt.Valid {
		t := startedAt.Time
		rec.ProcessingStartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.ProcessingEndedAt = &t
	}
	return rec, nil
}

func buildWhere(f ListFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Disposition != "" {
		add("disposition = $%d", f.Disposition)
	}
	if f.Campaign != "" {
		add("campaign_name = $%d", f.Campaign)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func marshalQC(qc *QCResult) (any, error) {
	if qc == nil {
		return nil, nil
	}
	b, err := json.Marshal(qc)
	if err != nil {
		return nil, fmt.Errorf("records: encode qc: %w", err)
	}
	return string(b), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
