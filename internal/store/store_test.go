package store

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacmap/backend/internal/apperr"
)

func testStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlmock"), slog.Default()), mock
}

func TestIsTeamMember(t *testing.T) {
	s, mock := testStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM team_members`).
		WithArgs("u-1", "t-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	ok, err := s.IsTeamMember(ctx, "u-1", "t-1")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM team_members`).
		WithArgs("u-1", "t-2").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	ok, err = s.IsTeamMember(ctx, "u-1", "t-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateUserDuplicateIsConflict(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectExec(`INSERT INTO users`).
		WillReturnError(&pq.Error{Code: "23505"})
	_, err := s.CreateUser(context.Background(), "alice", nil, "$argon2id$hash", false)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestAddMemberUnknownTeamIsValidation(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectExec(`INSERT INTO team_members`).
		WillReturnError(&pq.Error{Code: "23503"})
	err := s.AddTeamMember(context.Background(), "u-1", "no-such-team")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestGetSettingAbsentReturnsNil(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`SELECT \* FROM settings`).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value", "updated_at"}))
	v, err := s.GetSetting(context.Background(), "org_name")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestGetThreatNotFound(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`SELECT \* FROM threats`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err := s.GetThreat(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSetThreatStatusNotFound(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectExec(`UPDATE threats SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.SetThreatStatus(context.Background(), "nope", ThreatStatusReviewed)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestInsertThreatDefaultsJSONColumns(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectExec(`INSERT INTO threats`).WillReturnResult(sqlmock.NewResult(0, 1))
	th := &Threat{Level: "LOW", Type: "CYBER", Summary: "s", Area: "Berlin"}
	require.NoError(t, s.InsertThreat(context.Background(), th))

	assert.NotEmpty(t, th.ID)
	assert.Equal(t, ThreatStatusPending, th.Status)
	assert.JSONEq(t, `[]`, string(th.Locations))
	assert.JSONEq(t, `[]`, string(th.Citations))
	assert.JSONEq(t, `[]`, string(th.UpdateHistory))
}

func TestTrimRunLogsIssuesAgeAndCountDeletes(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectExec(`DELETE FROM run_logs WHERE monitor_id = \$1 AND created_at <`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`DELETE FROM run_logs\s+WHERE monitor_id = \$1\s+AND id NOT IN`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, s.TrimRunLogs(context.Background(), "m-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteLocationsRespectsDisabledRetention(t *testing.T) {
	s, mock := testStore(t)

	// retention_days = 0 disables trimming entirely: no SQL issued.
	n, err := s.DeleteLocationsOlderThan(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectExec(`DELETE FROM locations`).WillReturnResult(sqlmock.NewResult(0, 5))
	n, err = s.DeleteLocationsOlderThan(context.Background(), 7)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}

func TestUsageTotals(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(total_tokens\), 0\)`).
		WillReturnRows(sqlmock.NewRows([]string{"tokens", "cost"}).AddRow(1500, 0.42))
	tokens, cost, err := s.UsageTotals(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1500, tokens)
	assert.InDelta(t, 0.42, cost, 1e-9)
}
