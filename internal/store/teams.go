package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tacmap/backend/internal/apperr"
)

// CreateTeam inserts a team.
func (s *Store) CreateTeam(ctx context.Context, name string) (*Team, error) {
	t := &Team{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO teams (id, name, created_at) VALUES (:id, :name, :created_at)`, t)
	if err != nil {
		return nil, translate("create team", err)
	}
	return t, nil
}

// GetTeam fetches a team by id.
func (s *Store) GetTeam(ctx context.Context, id string) (*Team, error) {
	var t Team
	err := s.db.GetContext(ctx, &t, `SELECT * FROM teams WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "team not found")
	}
	if err != nil {
		return nil, translate("get team", err)
	}
	return &t, nil
}

// ListTeams returns all teams.
func (s *Store) ListTeams(ctx context.Context) ([]Team, error) {
	var teams []Team
	if err := s.db.SelectContext(ctx, &teams, `SELECT * FROM teams ORDER BY created_at DESC`); err != nil {
		return nil, translate("list teams", err)
	}
	return teams, nil
}

// RenameTeam updates the team name and returns the fresh row.
func (s *Store) RenameTeam(ctx context.Context, id, name string) (*Team, error) {
	var t Team
	err := s.db.GetContext(ctx, &t,
		`UPDATE teams SET name = $2 WHERE id = $1 RETURNING *`, id, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "team not found")
	}
	if err != nil {
		return nil, translate("rename team", err)
	}
	return &t, nil
}

// DeleteTeam removes a team and cascades memberships and team-scoped rows.
func (s *Store) DeleteTeam(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM teams WHERE id = $1`, id)
	if err != nil {
		return translate("delete team", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "team not found")
	}
	return nil
}

// AddTeamMember creates a membership. Adding an existing member is a
// Conflict.
func (s *Store) AddTeamMember(ctx context.Context, userID, teamID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO team_members (user_id, team_id, created_at)
		VALUES ($1, $2, $3)`, userID, teamID, time.Now().UTC())
	return translate("add team member", err)
}

// RemoveTeamMember deletes a membership.
func (s *Store) RemoveTeamMember(ctx context.Context, userID, teamID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM team_members WHERE user_id = $1 AND team_id = $2`, userID, teamID)
	if err != nil {
		return translate("remove team member", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "membership not found")
	}
	return nil
}

// IsTeamMember reports whether (user, team) is in memberships. This is the
// predicate behind every team-scoped read and write.
func (s *Store) IsTeamMember(ctx context.Context, userID, teamID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM team_members WHERE user_id = $1 AND team_id = $2`, userID, teamID)
	if err != nil {
		return false, translate("check membership", err)
	}
	return n > 0, nil
}

// ListTeamMembers returns the users belonging to a team.
func (s *Store) ListTeamMembers(ctx context.Context, teamID string) ([]User, error) {
	var users []User
	err := s.db.SelectContext(ctx, &users, `
		SELECT u.* FROM users u
		JOIN team_members tm ON tm.user_id = u.id
		WHERE tm.team_id = $1
		ORDER BY u.name`, teamID)
	if err != nil {
		return nil, translate("list team members", err)
	}
	return users, nil
}
