package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tacmap/backend/internal/apperr"
)

// CreateUser inserts a user. Display names are unique per deployment; a
// duplicate surfaces as Conflict.
func (s *Store) CreateUser(ctx context.Context, name string, email *string, passwordHash string, isAdmin bool) (*User, error) {
	u := &User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		IsAdmin:      isAdmin,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, is_admin, created_at)
		VALUES (:id, :name, :email, :password_hash, :is_admin, :created_at)`, u)
	if err != nil {
		return nil, translate("create user", err)
	}
	return u, nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "user not found")
	}
	if err != nil {
		return nil, translate("get user", err)
	}
	return &u, nil
}

// GetUserByLogin resolves a login identifier, which may be an email or a
// display name.
func (s *Store) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u,
		`SELECT * FROM users WHERE email = $1 OR name = $1 LIMIT 1`, login)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "user not found")
	}
	if err != nil {
		return nil, translate("get user by login", err)
	}
	return &u, nil
}

// ListUsers returns all users, newest first.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.SelectContext(ctx, &users, `SELECT * FROM users ORDER BY created_at DESC`); err != nil {
		return nil, translate("list users", err)
	}
	return users, nil
}

// UpdateUser rewrites the profile fields. The password verifier moves
// through UpdateUserPassword separately.
func (s *Store) UpdateUser(ctx context.Context, u *User) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE users SET name = :name, email = :email, is_admin = :is_admin
		WHERE id = :id`, u)
	if err != nil {
		return translate("update user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "user not found")
	}
	return nil
}

// UpdateUserPassword replaces the stored verifier. Used both for explicit
// resets and for opportunistic rehashes after a legacy bcrypt verify.
func (s *Store) UpdateUserPassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2 WHERE id = $1`, id, passwordHash)
	if err != nil {
		return translate("update user password", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "user not found")
	}
	return nil
}

// DeleteUser removes a user and cascades memberships and owned rows.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return translate("delete user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "user not found")
	}
	return nil
}
