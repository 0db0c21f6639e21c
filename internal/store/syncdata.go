package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx/types"

	"github.com/tacmap/backend/internal/apperr"
)

// InsertLocation appends a location sample.
func (s *Store) InsertLocation(ctx context.Context, loc *Location) error {
	loc.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO locations (id, user_id, team_id, latitude, longitude, altitude, accuracy, client_timestamp, created_at)
		VALUES (:id, :user_id, :team_id, :latitude, :longitude, :altitude, :accuracy, :client_timestamp, :created_at)`, loc)
	return translate("insert location", err)
}

// RecentLocations returns each team member's samples within the window,
// newest first. Used for dashboard snapshots.
func (s *Store) RecentLocations(ctx context.Context, teamID string, window time.Duration) ([]Location, error) {
	var locs []Location
	err := s.db.SelectContext(ctx, &locs, `
		SELECT * FROM locations
		WHERE team_id = $1 AND created_at >= $2
		ORDER BY created_at DESC`, teamID, time.Now().UTC().Add(-window))
	if err != nil {
		return nil, translate("recent locations", err)
	}
	return locs, nil
}

// DeleteLocationsOlderThan enforces the retention policy. retentionDays = 0
// disables deletion entirely.
func (s *Store) DeleteLocationsOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM locations WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, translate("trim locations", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpsertAnnotation inserts or merges by identifier. On conflict the payload,
// category, and updated_at move to the new values; created_at and team are
// preserved. Last writer wins.
func (s *Store) UpsertAnnotation(ctx context.Context, a *Annotation) (*Annotation, error) {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Data = jsonOrEmptyObject(a.Data)
	var out Annotation
	err := s.db.GetContext(ctx, &out, `
		INSERT INTO annotations (id, user_id, team_id, type, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO UPDATE
		SET data = EXCLUDED.data,
		    type = EXCLUDED.type,
		    user_id = EXCLUDED.user_id,
		    updated_at = EXCLUDED.updated_at
		RETURNING *`,
		a.ID, a.UserID, a.TeamID, a.Type, a.Data, now)
	if err != nil {
		return nil, translate("upsert annotation", err)
	}
	return &out, nil
}

// GetAnnotation fetches an annotation by id.
func (s *Store) GetAnnotation(ctx context.Context, id string) (*Annotation, error) {
	var a Annotation
	err := s.db.GetContext(ctx, &a, `SELECT * FROM annotations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "annotation not found")
	}
	if err != nil {
		return nil, translate("get annotation", err)
	}
	return &a, nil
}

// ListAnnotations returns a team's annotations, most recently updated first.
func (s *Store) ListAnnotations(ctx context.Context, teamID string) ([]Annotation, error) {
	var anns []Annotation
	err := s.db.SelectContext(ctx, &anns,
		`SELECT * FROM annotations WHERE team_id = $1 ORDER BY updated_at DESC`, teamID)
	if err != nil {
		return nil, translate("list annotations", err)
	}
	return anns, nil
}

// InsertMessage appends a chat message.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	m.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO messages (id, user_id, team_id, type, content, created_at)
		VALUES (:id, :user_id, :team_id, :type, :content, :created_at)`, m)
	return translate("insert message", err)
}

// RecentMessages returns the latest team messages, newest first.
func (s *Store) RecentMessages(ctx context.Context, teamID string, limit int) ([]Message, error) {
	var msgs []Message
	err := s.db.SelectContext(ctx, &msgs, `
		SELECT * FROM messages WHERE team_id = $1
		ORDER BY created_at DESC LIMIT $2`, teamID, limit)
	if err != nil {
		return nil, translate("recent messages", err)
	}
	return msgs, nil
}

// CountRecentMessages counts messages across all teams within the window.
// Feeds the admin stats payload.
func (s *Store) CountRecentMessages(ctx context.Context, window time.Duration) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM messages WHERE created_at >= $1`, time.Now().UTC().Add(-window))
	if err != nil {
		return 0, translate("count recent messages", err)
	}
	return n, nil
}

// jsonOrEmptyObject guards against writing NULL into JSONB columns.
func jsonOrEmptyObject(j types.JSONText) types.JSONText {
	if len(j) == 0 {
		return types.JSONText("{}")
	}
	return j
}
