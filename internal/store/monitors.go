package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tacmap/backend/internal/apperr"
)

// CreateMonitor inserts a monitor definition. Domain normalization happens
// in the HTTP layer; the store persists what it is given.
func (s *Store) CreateMonitor(ctx context.Context, m *Monitor) error {
	now := time.Now().UTC()
	m.ID = uuid.NewString()
	m.CreatedAt = now
	m.UpdatedAt = now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO monitors (id, area, focus, allowed_domains, interval_seconds, active, last_searched, created_by, created_at, updated_at)
		VALUES (:id, :area, :focus, :allowed_domains, :interval_seconds, :active, :last_searched, :created_by, :created_at, :updated_at)`, m)
	return translate("create monitor", err)
}

// GetMonitor fetches a monitor by id.
func (s *Store) GetMonitor(ctx context.Context, id string) (*Monitor, error) {
	var m Monitor
	err := s.db.GetContext(ctx, &m, `SELECT * FROM monitors WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "monitor not found")
	}
	if err != nil {
		return nil, translate("get monitor", err)
	}
	return &m, nil
}

// ListMonitors returns all monitors, newest first.
func (s *Store) ListMonitors(ctx context.Context) ([]Monitor, error) {
	var ms []Monitor
	if err := s.db.SelectContext(ctx, &ms, `SELECT * FROM monitors ORDER BY created_at DESC`); err != nil {
		return nil, translate("list monitors", err)
	}
	return ms, nil
}

// ListActiveMonitors returns monitors flagged active, oldest first so the
// supervisor's staggered startup is deterministic.
func (s *Store) ListActiveMonitors(ctx context.Context) ([]Monitor, error) {
	var ms []Monitor
	err := s.db.SelectContext(ctx, &ms,
		`SELECT * FROM monitors WHERE active = TRUE ORDER BY created_at ASC`)
	if err != nil {
		return nil, translate("list active monitors", err)
	}
	return ms, nil
}

// UpdateMonitor rewrites the mutable fields.
func (s *Store) UpdateMonitor(ctx context.Context, m *Monitor) error {
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE monitors
		SET area = :area,
		    focus = :focus,
		    allowed_domains = :allowed_domains,
		    interval_seconds = :interval_seconds,
		    updated_at = :updated_at
		WHERE id = :id`, m)
	if err != nil {
		return translate("update monitor", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "monitor not found")
	}
	return nil
}

// SetMonitorActive flips the declared-state flag the supervisor reconciles
// against.
func (s *Store) SetMonitorActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitors SET active = $2, updated_at = $3 WHERE id = $1`,
		id, active, time.Now().UTC())
	if err != nil {
		return translate("set monitor active", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "monitor not found")
	}
	return nil
}

// TouchMonitorSearched records the end of a completed tick.
func (s *Store) TouchMonitorSearched(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE monitors SET last_searched = $2, updated_at = $2 WHERE id = $1`, id, at.UTC())
	return translate("touch monitor", err)
}

// DeleteMonitor removes a monitor and its run logs.
func (s *Store) DeleteMonitor(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM monitors WHERE id = $1`, id)
	if err != nil {
		return translate("delete monitor", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "monitor not found")
	}
	return nil
}
