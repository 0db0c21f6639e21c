package teamsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacmap/backend/internal/apperr"
	"github.com/tacmap/backend/internal/store"
)

const (
	testUser = "5f7d9a10-0000-4000-8000-000000000001"
	testTeam = "5f7d9a10-0000-4000-8000-000000000002"
)

type fanoutRecorder struct {
	teamEvents  []string
	adminEvents []string
}

func (r *fanoutRecorder) BroadcastToTeam(teamID, event string, payload any) {
	r.teamEvents = append(r.teamEvents, event)
}

func (r *fanoutRecorder) BroadcastToAdmins(event string, payload any) {
	r.adminEvents = append(r.adminEvents, event)
}

func testService(t *testing.T) (*Service, sqlmock.Sqlmock, *fanoutRecorder) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"), slog.Default())
	svc := New(st, slog.Default())
	rec := &fanoutRecorder{}
	svc.SetBroadcaster(rec)
	return svc, mock, rec
}

func expectMember(mock sqlmock.Sqlmock, isMember bool) {
	n := 0
	if isMember {
		n = 1
	}
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM team_members`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(n))
}

func locationFixture() LocationPayload {
	return LocationPayload{
		TeamID:    testTeam,
		Latitude:  52.5200066,
		Longitude: 13.4049540,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ============================================================================
// LOCATIONS
// ============================================================================

func TestSubmitLocationHappyPath(t *testing.T) {
	svc, mock, rec := testService(t)

	expectMember(mock, true)
	mock.ExpectExec(`INSERT INTO locations`).WillReturnResult(sqlmock.NewResult(0, 1))

	row, err := svc.SubmitLocation(context.Background(), testUser, locationFixture())
	require.NoError(t, err)
	assert.Equal(t, testUser, row.UserID)
	assert.Equal(t, []string{"location:update"}, rec.teamEvents)
	assert.Equal(t, []string{"admin:sync_activity"}, rec.adminEvents)
}

func TestSubmitLocationRejectsOutOfRangeCoordinates(t *testing.T) {
	svc, _, rec := testService(t)

	p := locationFixture()
	p.Latitude = 91
	_, err := svc.SubmitLocation(context.Background(), testUser, p)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Empty(t, rec.teamEvents, "failed writes never broadcast")
}

func TestSubmitLocationRejectsStaleTimestamp(t *testing.T) {
	svc, _, _ := testService(t)

	p := locationFixture()
	p.Timestamp = time.Now().Add(-8 * 24 * time.Hour).UnixMilli()
	_, err := svc.SubmitLocation(context.Background(), testUser, p)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	p.Timestamp = time.Now().Add(10 * time.Minute).UnixMilli()
	_, err = svc.SubmitLocation(context.Background(), testUser, p)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSubmitLocationRejectsAltitudeAndAccuracyBounds(t *testing.T) {
	svc, _, _ := testService(t)

	p := locationFixture()
	alt := 20000.0
	p.Altitude = &alt
	_, err := svc.SubmitLocation(context.Background(), testUser, p)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	p = locationFixture()
	acc := -1.0
	p.Accuracy = &acc
	_, err = svc.SubmitLocation(context.Background(), testUser, p)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSubmitLocationForbiddenForNonMember(t *testing.T) {
	svc, mock, rec := testService(t)

	expectMember(mock, false)
	_, err := svc.SubmitLocation(context.Background(), testUser, locationFixture())
	require.Error(t, err)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	assert.Empty(t, rec.teamEvents)
}

func TestSubmitLocationRoundsCoordinates(t *testing.T) {
	svc, mock, _ := testService(t)

	expectMember(mock, true)
	mock.ExpectExec(`INSERT INTO locations`).WillReturnResult(sqlmock.NewResult(0, 1))

	p := locationFixture()
	p.Latitude = 52.123456789
	row, err := svc.SubmitLocation(context.Background(), testUser, p)
	require.NoError(t, err)
	assert.Equal(t, 52.1234568, row.Latitude)
}

// ============================================================================
// ANNOTATIONS
// ============================================================================

func TestSubmitAnnotationRejectsOversizedData(t *testing.T) {
	svc, _, _ := testService(t)

	p := AnnotationPayload{
		TeamID: testTeam,
		Type:   "marker",
		Data:   map[string]any{"blob": strings.Repeat("x", maxAnnotationBytes)},
	}
	_, err := svc.SubmitAnnotation(context.Background(), testUser, p)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSubmitAnnotationUpserts(t *testing.T) {
	svc, mock, rec := testService(t)

	expectMember(mock, true)
	cols := []string{"id", "user_id", "team_id", "type", "data", "created_at", "updated_at"}
	mock.ExpectQuery(`INSERT INTO annotations`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("a-1", testUser, testTeam, "marker", []byte(`{"x":1}`), time.Now(), time.Now()))

	row, err := svc.SubmitAnnotation(context.Background(), testUser, AnnotationPayload{
		TeamID: testTeam,
		Type:   "marker",
		Data:   map[string]any{"x": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "a-1", row.ID)
	assert.Equal(t, []string{"annotation:update"}, rec.teamEvents)
}

// ============================================================================
// MESSAGES
// ============================================================================

func TestSubmitMessageHappyPath(t *testing.T) {
	svc, mock, rec := testService(t)

	expectMember(mock, true)
	mock.ExpectExec(`INSERT INTO messages`).WillReturnResult(sqlmock.NewResult(0, 1))

	msg, err := svc.SubmitMessage(context.Background(), testUser, MessagePayload{
		TeamID:      testTeam,
		MessageType: "text",
		Content:     "rally point bravo",
	})
	require.NoError(t, err)
	assert.Equal(t, "rally point bravo", msg.Content)
	assert.Equal(t, []string{"message:received"}, rec.teamEvents)
}

func TestSubmitMessageValidation(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	cases := []MessagePayload{
		{TeamID: testTeam, MessageType: "image", Content: "x"},
		{TeamID: testTeam, MessageType: "text", Content: ""},
		{TeamID: testTeam, MessageType: "text", Content: strings.Repeat("y", maxMessageChars+1)},
		{TeamID: "not-a-uuid", MessageType: "text", Content: "x"},
	}
	for _, p := range cases {
		_, err := svc.SubmitMessage(ctx, testUser, p)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "payload %+v", p)
	}
}

// overlapRecorder flags any concurrent entry into the team broadcast path.
type overlapRecorder struct {
	busy       atomic.Bool
	overlapped atomic.Bool
	mu         sync.Mutex
	team       []string
}

func (r *overlapRecorder) BroadcastToTeam(teamID, event string, payload any) {
	if !r.busy.CompareAndSwap(false, true) {
		r.overlapped.Store(true)
	}
	time.Sleep(time.Millisecond)
	r.mu.Lock()
	r.team = append(r.team, event)
	r.mu.Unlock()
	r.busy.Store(false)
}

func (r *overlapRecorder) BroadcastToAdmins(event string, payload any) {}

func (r *overlapRecorder) teamCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.team)
}

func TestConcurrentSendersSerializePerTeam(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"), slog.Default())
	svc := New(st, slog.Default())
	rec := &overlapRecorder{}
	svc.SetBroadcaster(rec)

	const senders = 8
	for i := 0; i < senders; i++ {
		expectMember(mock, true)
		mock.ExpectExec(`INSERT INTO messages`).WillReturnResult(sqlmock.NewResult(0, 1))
	}

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.SubmitMessage(context.Background(), testUser, MessagePayload{
				TeamID:      testTeam,
				MessageType: "text",
				Content:     fmt.Sprintf("message %d", n),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.False(t, rec.overlapped.Load(), "commit and broadcast must be atomic per team")
	assert.Equal(t, senders, rec.teamCount())
}


// ============================================================================
// READS
// ============================================================================

const testAnnotation = "5f7d9a10-0000-4000-8000-000000000003"

func TestTeamLocationsHappyPath(t *testing.T) {
	svc, mock, _ := testService(t)

	expectMember(mock, true)
	cols := []string{"id", "user_id", "team_id", "latitude", "longitude", "altitude", "accuracy", "client_timestamp", "created_at"}
	mock.ExpectQuery(`SELECT \* FROM locations`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("l-1", testUser, testTeam, 52.52, 13.4, nil, nil, time.Now().UnixMilli(), time.Now()))

	rows, err := svc.TeamLocations(context.Background(), testUser, testTeam, time.Hour)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, testUser, rows[0].UserID)
}

func TestTeamMessagesForbiddenForNonMember(t *testing.T) {
	svc, mock, _ := testService(t)

	expectMember(mock, false)
	_, err := svc.TeamMessages(context.Background(), testUser, testTeam, 50)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestReadsRejectMalformedTeamID(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	_, err := svc.TeamLocations(ctx, testUser, "not-a-uuid", time.Hour)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = svc.TeamAnnotations(ctx, testUser, "not-a-uuid")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = svc.TeamMessages(ctx, testUser, "not-a-uuid", 50)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestAnnotationReadChecksOwningTeam(t *testing.T) {
	svc, mock, _ := testService(t)

	cols := []string{"id", "user_id", "team_id", "type", "data", "created_at", "updated_at"}
	mock.ExpectQuery(`SELECT \* FROM annotations WHERE id`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(testAnnotation, testUser, testTeam, "marker", []byte(`{}`), time.Now(), time.Now()))
	expectMember(mock, false)

	_, err := svc.Annotation(context.Background(), testUser, testAnnotation)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}
