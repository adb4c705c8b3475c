package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/store"
)

// PostgresStore persists records in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, user_id, user_name, user_email, method, status, occurred_at, location, notes, department, session_id, reviewer_id, reviewer_name, review_notes, reviewed_at, created_at`

// Insert writes a new record.
func (p *PostgresStore) Insert(ctx context.Context, r Record) (Record, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.OccurredAt.IsZero() {
		r.OccurredAt = time.Now().UTC()
	}
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, user_id, user_name, user_email, method, status, occurred_at, location, notes, department, session_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at
	`, r.ID, r.UserID, r.UserName, r.UserEmail, r.Method, r.Status, r.OccurredAt, r.Location, r.Notes, r.Department, r.SessionID)
	if err := row.Scan(&r.CreatedAt); err != nil {
		return Record{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return r, nil
}

// Get returns a single record by id.
func (p *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// TransitionReview applies the review patch iff the record is still pending.
// The status guard and the patch are one statement, so two concurrent
// reviewers cannot both win.
func (p *PostgresStore) TransitionReview(ctx context.Context, id string, patch ReviewPatch) (Record, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE attendance_records
		SET status = $2, reviewer_id = $3, reviewer_name = $4, review_notes = $5, reviewed_at = $6
		WHERE id = $1 AND status = $7
		RETURNING `+recordColumns,
		id, patch.Status, patch.ReviewerID, patch.ReviewerName, patch.ReviewNotes, patch.ReviewedAt, StatusPending)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return Record{}, getErr
		}
		return Record{}, store.ErrPreconditionFailed
	}
	return rec, err
}

// List returns records matching the filter, newest first.
func (p *PostgresStore) List(ctx context.Context, f Filter) ([]Record, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	query := `SELECT ` + recordColumns + ` FROM attendance_records`
	args := []any{}
	clauses := []string{}
	add := func(cond string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Method != "" {
		add("method = $%d", f.Method)
	}
	if f.Department != "" {
		add("department = $%d", f.Department)
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at <= $%d", f.To)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec        Record
		reviewedAt sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.UserName, &rec.UserEmail, &rec.Method,
		&rec.Status, &rec.OccurredAt, &rec.Location, &rec.Notes, &rec.Department,
		&rec.SessionID, &rec.ReviewerID, &rec.ReviewerName, &rec.ReviewNotes,
		&reviewedAt, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		rec.ReviewedAt = &t
	}
	return rec, nil
}
