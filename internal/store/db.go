package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrUnavailable indicates a transport-level failure talking to the store.
// Callers may retry; business-rule errors never wrap it.
var ErrUnavailable = errors.New("store unavailable")

// ErrPreconditionFailed indicates a conditional update found the document in a
// different state than expected. Retry by re-running the whole operation
// (re-validate first), not by reapplying the same patch.
var ErrPreconditionFailed = errors.New("precondition failed")

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &DB{Client: db}, db.PingContext(context.Background())
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
