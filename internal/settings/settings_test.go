package settings

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacmap/backend/internal/store"
)

func testCache(t *testing.T) (*Cache, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"), slog.Default())
	return New(st, slog.Default()), mock
}

func settingRow(key, value string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"key", "value", "updated_at"}).
		AddRow(key, []byte(value), time.Now())
}

func TestGetCachesWithinTTL(t *testing.T) {
	c, mock := testCache(t)
	ctx := context.Background()

	// One database read serves both Gets.
	mock.ExpectQuery(`SELECT \* FROM settings`).
		WillReturnRows(settingRow(KeyOrgName, `"Tactical Ops"`))

	got, err := c.GetString(ctx, KeyOrgName)
	require.NoError(t, err)
	assert.Equal(t, "Tactical Ops", got)

	got, err = c.GetString(ctx, KeyOrgName)
	require.NoError(t, err)
	assert.Equal(t, "Tactical Ops", got)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUnsetKeyReturnsZeroValues(t *testing.T) {
	c, mock := testCache(t)
	ctx := context.Background()

	// Absent keys are not cached, so each read goes to the store.
	mock.ExpectQuery(`SELECT \* FROM settings`).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value", "updated_at"}))

	s, err := c.GetString(ctx, KeySearchModel)
	require.NoError(t, err)
	assert.Equal(t, "", s)
}

func TestPutInvalidatesCachedEntry(t *testing.T) {
	c, mock := testCache(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM settings`).
		WillReturnRows(settingRow(KeyRetentionDays, `7`))
	n, err := c.GetInt(ctx, KeyRetentionDays)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	mock.ExpectExec(`INSERT INTO settings`).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, c.Put(ctx, KeyRetentionDays, 30))

	// The write invalidated the entry; the next read hits the store again.
	mock.ExpectQuery(`SELECT \* FROM settings`).
		WillReturnRows(settingRow(KeyRetentionDays, `30`))
	n, err = c.GetInt(ctx, KeyRetentionDays)
	require.NoError(t, err)
	assert.Equal(t, 30, n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnknownKeyRejected(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "no_such_key")
	assert.Error(t, err)
	assert.Error(t, c.Put(ctx, "no_such_key", "v"))
}

func TestGetBoolAndSetupCompleted(t *testing.T) {
	c, mock := testCache(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM settings`).
		WillReturnRows(settingRow(KeySetupCompleted, `true`))
	assert.True(t, c.SetupCompleted(ctx))
}

func TestGetStringTypeMismatch(t *testing.T) {
	c, mock := testCache(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM settings`).
		WillReturnRows(settingRow(KeyOrgName, `12345`))
	_, err := c.GetString(ctx, KeyOrgName)
	assert.Error(t, err)
}
