package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tacmap/backend/internal/apperr"
)

// InsertThreat persists a newly detected threat.
func (s *Store) InsertThreat(ctx context.Context, t *Threat) error {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = ThreatStatusPending
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	if len(t.Locations) == 0 {
		t.Locations = []byte("[]")
	}
	if len(t.Citations) == 0 {
		t.Citations = []byte("[]")
	}
	if len(t.UpdateHistory) == 0 {
		t.UpdateHistory = []byte("[]")
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO threats (id, level, type, confidence, summary, locations, keywords, citations, area, semantic_hash, update_count, update_history, status, created_at, updated_at)
		VALUES (:id, :level, :type, :confidence, :summary, :locations, :keywords, :citations, :area, :semantic_hash, :update_count, :update_history, :status, :created_at, :updated_at)`, t)
	return translate("insert threat", err)
}

// GetThreat fetches a threat by id.
func (s *Store) GetThreat(ctx context.Context, id string) (*Threat, error) {
	var t Threat
	err := s.db.GetContext(ctx, &t, `SELECT * FROM threats WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "threat not found")
	}
	if err != nil {
		return nil, translate("get threat", err)
	}
	return &t, nil
}

// UpdateThreat rewrites the mutable fields of an existing threat row. The
// pipeline reads the row first, applies only the provided patch fields, and
// writes the merged result back.
func (s *Store) UpdateThreat(ctx context.Context, t *Threat) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE threats
		SET level = :level,
		    type = :type,
		    confidence = :confidence,
		    summary = :summary,
		    locations = :locations,
		    keywords = :keywords,
		    citations = :citations,
		    semantic_hash = :semantic_hash,
		    update_count = :update_count,
		    update_history = :update_history,
		    status = :status,
		    updated_at = :updated_at
		WHERE id = :id`, t)
	if err != nil {
		return translate("update threat", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "threat not found")
	}
	return nil
}

// SetThreatStatus patches the admin review status.
func (s *Store) SetThreatStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threats SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC())
	if err != nil {
		return translate("set threat status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "threat not found")
	}
	return nil
}

// RecentThreatsByArea returns at most 15 threats for the area created within
// the window, newest first. This is the dedup ladder's comparison set.
func (s *Store) RecentThreatsByArea(ctx context.Context, area string, sinceHours int) ([]Threat, error) {
	var ts []Threat
	err := s.db.SelectContext(ctx, &ts, `
		SELECT * FROM threats
		WHERE area = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 15`, area, time.Now().UTC().Add(-time.Duration(sinceHours)*time.Hour))
	if err != nil {
		return nil, translate("recent threats by area", err)
	}
	return ts, nil
}

// ListThreats returns threats newest first, optionally filtered by status.
func (s *Store) ListThreats(ctx context.Context, status string, limit int) ([]Threat, error) {
	var ts []Threat
	var err error
	if status != "" {
		err = s.db.SelectContext(ctx, &ts,
			`SELECT * FROM threats WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	} else {
		err = s.db.SelectContext(ctx, &ts,
			`SELECT * FROM threats ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, translate("list threats", err)
	}
	return ts, nil
}

// CountActiveThreats counts threats that have not been dismissed.
func (s *Store) CountActiveThreats(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM threats WHERE status <> $1`, ThreatStatusDismissed)
	if err != nil {
		return 0, translate("count active threats", err)
	}
	return n, nil
}

// InsertThreatAnnotation materializes a threat as a map entity for operator
// display.
func (s *Store) InsertThreatAnnotation(ctx context.Context, ta *ThreatAnnotation) error {
	if ta.ID == "" {
		ta.ID = uuid.NewString()
	}
	ta.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO threat_annotations (id, threat_id, latitude, longitude, level, type, title, description, expires_at, created_at)
		VALUES (:id, :threat_id, :latitude, :longitude, :level, :type, :title, :description, :expires_at, :created_at)`, ta)
	return translate("insert threat annotation", err)
}

// DeleteExpiredThreatAnnotations removes map entities past their expiry.
func (s *Store) DeleteExpiredThreatAnnotations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM threat_annotations WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, translate("trim threat annotations", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
