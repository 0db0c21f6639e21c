// Package store is the typed persistence adapter over Postgres. All access
// from other components goes through the exported operations here; no other
// package holds SQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tacmap/backend/internal/apperr"
)

// Store wraps the database pool. Transactional guarantees come from the
// database itself; no application-level transactions span operations.
type Store struct {
	db  *sqlx.DB
	log *slog.Logger
}

// Open connects, pings, and applies migrations. caCert, when non-empty, is a
// PEM bundle written to disk and passed to the driver for verified TLS.
func Open(ctx context.Context, databaseURL, caCert string, log *slog.Logger) (*Store, error) {
	dsn := databaseURL
	if caCert != "" {
		var err error
		dsn, err = withRootCert(databaseURL, caCert)
		if err != nil {
			return nil, err
		}
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, log: log.With("component", "store")}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing pool without connecting or migrating. Tests
// use it to substitute a mock driver; production code goes through Open.
func NewWithDB(db *sqlx.DB, log *slog.Logger) *Store {
	return &Store{db: db, log: log.With("component", "store")}
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// withRootCert persists the CA bundle and rewrites the connection URL to
// require verified TLS against it.
func withRootCert(databaseURL, caCert string) (string, error) {
	f, err := os.CreateTemp("", "db-ca-*.pem")
	if err != nil {
		return "", fmt.Errorf("write ca cert: %w", err)
	}
	if _, err := f.WriteString(caCert); err != nil {
		f.Close()
		return "", fmt.Errorf("write ca cert: %w", err)
	}
	f.Close()

	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", f.Name())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// translate maps driver errors to caller-facing kinds. Unique and foreign
// key violations become Conflict; everything else stays internal.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return apperr.Wrap(apperr.KindConflict, "already exists", err)
		case "23503":
			return apperr.Wrap(apperr.KindValidation, "referenced entity does not exist", err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Stats returns per-table row counts for the admin dashboard.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	tables := []string{"users", "teams", "team_members", "locations", "annotations", "messages", "monitors", "threats"}
	out := make(map[string]int, len(tables))
	for _, t := range tables {
		var n int
		if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+t); err != nil {
			return nil, fmt.Errorf("count %s: %w", t, err)
		}
		out[t] = n
	}
	return out, nil
}
