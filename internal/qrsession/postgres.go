package qrsession

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"qrattend/internal/store"
)

// PostgresStore persists sessions in Postgres. used_by and metadata are
// stored as jsonb so the consume guard can test membership in SQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, code, creator_id, name, location, max_usage, current_usage, used_by, active, session_type, metadata, created_at, expires_at`

// Insert writes a new session. A code collision surfaces as ErrCodeTaken.
func (p *PostgresStore) Insert(ctx context.Context, s Session) (Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	usedBy, err := json.Marshal(s.UsedBy)
	if err != nil {
		return Session{}, err
	}
	meta, err := marshalMetadata(s.Metadata)
	if err != nil {
		return Session{}, err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO qr_sessions (id, code, creator_id, name, location, max_usage, current_usage, used_by, active, session_type, metadata, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, s.ID, s.Code, s.CreatorID, s.Name, s.Location, nullableInt(s.MaxUsage), s.CurrentUsage, usedBy, s.Active, s.Type, meta, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Session{}, ErrCodeTaken
		}
		return Session{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return s, nil
}

// Get returns a session by id regardless of its active flag.
func (p *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM qr_sessions WHERE id = $1`, id)
	return scanSession(row)
}

// GetByCode looks a session up by code among active sessions only.
func (p *PostgresStore) GetByCode(ctx context.Context, code string) (Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM qr_sessions WHERE code = $1 AND active`, code)
	return scanSession(row)
}

// Consume atomically inserts userID into used_by and increments
// current_usage, guarded by the session still being consumable by that user.
// The guard and the patch are one statement, so concurrent consumers cannot
// both pass the membership check.
func (p *PostgresStore) Consume(ctx context.Context, code, userID string, now time.Time) (Session, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE qr_sessions
		SET current_usage = current_usage + 1,
		    used_by = used_by || to_jsonb($2::text)
		WHERE code = $1
		  AND active
		  AND expires_at >= $3
		  AND NOT (used_by ? $2)
		  AND (max_usage IS NULL OR current_usage < max_usage)
		RETURNING `+sessionColumns, code, userID, now)
	sess, err := scanSession(row)
	if errors.Is(err, ErrNotFound) {
		// Distinguish "no such active session" from "guard lost a race".
		if _, lookupErr := p.GetByCode(ctx, code); lookupErr != nil {
			return Session{}, lookupErr
		}
		return Session{}, store.ErrPreconditionFailed
	}
	return sess, err
}

// Deactivate clears the active flag. Already-inactive sessions are left as is.
func (p *PostgresStore) Deactivate(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE qr_sessions SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// SweepExpired deactivates every active session past its expiry.
func (p *PostgresStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE qr_sessions SET active = FALSE WHERE active AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// List returns sessions newest first with optional filters.
func (p *PostgresStore) List(ctx context.Context, creatorID string, activeOnly bool) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM qr_sessions`
	args := []any{}
	clauses := []string{}
	if creatorID != "" {
		args = append(args, creatorID)
		clauses = append(clauses, fmt.Sprintf("creator_id = $%d", len(args)))
	}
	if activeOnly {
		clauses = append(clauses, "active")
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		sess, err := scanRowSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sess)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	sess, err := scanRowSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return sess, err
}

func scanRowSession(row rowScanner) (Session, error) {
	var (
		sess     Session
		maxUsage sql.NullInt64
		usedBy   []byte
		meta     []byte
	)
	if err := row.Scan(&sess.ID, &sess.Code, &sess.CreatorID, &sess.Name, &sess.Location,
		&maxUsage, &sess.CurrentUsage, &usedBy, &sess.Active, &sess.Type, &meta,
		&sess.CreatedAt, &sess.ExpiresAt); err != nil {
		return Session{}, err
	}
	if maxUsage.Valid {
		v := int(maxUsage.Int64)
		sess.MaxUsage = &v
	}
	if len(usedBy) > 0 {
		if err := json.Unmarshal(usedBy, &sess.UsedBy); err != nil {
			return Session{}, err
		}
	}
	if sess.UsedBy == nil {
		sess.UsedBy = []string{}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &sess.Metadata); err != nil {
			return Session{}, err
		}
	}
	return sess, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
