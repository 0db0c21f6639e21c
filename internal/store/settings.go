package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// GetSetting reads a persisted config entry. Returns (nil, nil) when the
// key has never been written; the settings cache treats that as absent.
func (s *Store) GetSetting(ctx context.Context, key string) (types.JSONText, error) {
	var row Setting
	err := s.db.GetContext(ctx, &row, `SELECT * FROM settings WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("get setting", err)
	}
	return row.Value, nil
}

// PutSetting writes a config entry, replacing any previous value.
func (s *Store) PutSetting(ctx context.Context, key string, value types.JSONText) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now().UTC())
	return translate("put setting", err)
}
