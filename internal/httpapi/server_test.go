package httpapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacmap/backend/internal/gateway"
	"github.com/tacmap/backend/internal/settings"
	"github.com/tacmap/backend/internal/store"
	"github.com/tacmap/backend/internal/teamsync"
	"github.com/tacmap/backend/internal/vault"
)

func testVault() *vault.Vault {
	key := hex.EncodeToString([]byte("an-exactly-32-byte-long-aes-key!"))
	return vault.New("0123456789abcdef0123456789abcdef", key, nil, slog.Default())
}

func testServer(t *testing.T) (*Server, sqlmock.Sqlmock, http.Handler) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"), slog.Default())
	sc := settings.New(st, slog.Default())
	v := testVault()
	sync := teamsync.New(st, slog.Default())
	gw := gateway.New(v, sync, slog.Default())
	sync.SetBroadcaster(gw)

	srv := New(st, sc, v, sync, gw, nil, nil, "", slog.Default())
	return srv, mock, srv.Handler()
}

// expectSetting queues one settings read. Every routed request reads the
// CORS origin and the setup flag, in that order, before handlers run.
func expectSetting(mock sqlmock.Sqlmock, key, value string) {
	mock.ExpectQuery(`SELECT \* FROM settings`).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value", "updated_at"}).
			AddRow(key, []byte(value), time.Now()))
}

func expectNoSetting(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT \* FROM settings`).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value", "updated_at"}))
}

// expectRouted queues the per-request middleware reads for a server where
// setup has completed. The flag is cached after the first request.
func expectRouted(mock sqlmock.Sqlmock, setupCached bool) {
	expectNoSetting(mock) // cors_origin
	if !setupCached {
		expectSetting(mock, settings.KeySetupCompleted, `true`)
	}
}

func do(h http.Handler, method, path, token string, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func userColumns() []string {
	return []string{"id", "name", "email", "password_hash", "is_admin", "created_at"}
}

// ============================================================================
// SETUP GATE
// ============================================================================

func TestSetupGateBlocksUntilComplete(t *testing.T) {
	_, mock, h := testServer(t)

	expectNoSetting(mock) // cors_origin
	expectNoSetting(mock) // setup_completed

	w := do(h, http.MethodGet, "/api/auth/whoami", "", "")
	assert.Equal(t, http.StatusPreconditionRequired, w.Code)

	var body struct {
		Error     string `json:"error"`
		SetupPath string `json:"setupPath"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Setup required", body.Error)
	assert.Equal(t, "/setup", body.SetupPath)
}

func TestHealthIsPublicBeforeSetup(t *testing.T) {
	_, mock, h := testServer(t)

	expectNoSetting(mock)
	expectNoSetting(mock)

	w := do(h, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
}

func TestSetupCompleteSeedsAdmin(t *testing.T) {
	_, mock, h := testServer(t)

	expectNoSetting(mock) // cors_origin
	expectNoSetting(mock) // gate: setup_completed
	expectNoSetting(mock) // handler re-check
	mock.ExpectExec(`INSERT INTO users`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO settings`).WillReturnResult(sqlmock.NewResult(0, 1)) // org_name
	mock.ExpectExec(`INSERT INTO settings`).WillReturnResult(sqlmock.NewResult(0, 1)) // setup_completed

	w := do(h, http.MethodPost, "/api/setup/complete", "",
		`{"adminName":"alice","adminPassword":"correct horse","orgName":"Tactical Ops"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Token string `json:"token"`
		User  struct {
			Name    string `json:"name"`
			IsAdmin bool   `json:"isAdmin"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "alice", body.User.Name)
	assert.True(t, body.User.IsAdmin)

	claims, err := testVault().Verify(context.Background(), body.Token)
	require.NoError(t, err)
	assert.True(t, claims.Admin)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetupCompleteRejectsSecondRun(t *testing.T) {
	_, mock, h := testServer(t)

	expectRouted(mock, false)

	w := do(h, http.MethodPost, "/api/setup/complete", "",
		`{"adminName":"bob","adminPassword":"password123"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSetupCompleteRejectsShortPassword(t *testing.T) {
	_, mock, h := testServer(t)

	expectNoSetting(mock)
	expectNoSetting(mock)
	expectNoSetting(mock)

	w := do(h, http.MethodPost, "/api/setup/complete", "",
		`{"adminName":"bob","adminPassword":"short"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ============================================================================
// AUTH
// ============================================================================

func TestLoginIssuesVerifiableToken(t *testing.T) {
	_, mock, h := testServer(t)

	hash, err := vault.HashPassword("correct horse")
	require.NoError(t, err)

	expectRouted(mock, false)
	mock.ExpectQuery(`SELECT \* FROM users WHERE email`).
		WillReturnRows(sqlmock.NewRows(userColumns()).
			AddRow("u-1", "alice", nil, hash, true, time.Now()))

	w := do(h, http.MethodPost, "/api/auth/login", "",
		`{"username":"alice","password":"correct horse"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	claims, err := testVault().Verify(context.Background(), body.Token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
	assert.True(t, claims.Admin)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	_, mock, h := testServer(t)

	hash, err := vault.HashPassword("correct horse")
	require.NoError(t, err)

	// Unknown user.
	expectRouted(mock, false)
	mock.ExpectQuery(`SELECT \* FROM users WHERE email`).
		WillReturnRows(sqlmock.NewRows(userColumns()))
	unknown := do(h, http.MethodPost, "/api/auth/login", "",
		`{"username":"ghost","password":"whatever"}`)
	require.Equal(t, http.StatusUnauthorized, unknown.Code)

	// Known user, wrong password. Setup flag is cached by now.
	expectRouted(mock, true)
	mock.ExpectQuery(`SELECT \* FROM users WHERE email`).
		WillReturnRows(sqlmock.NewRows(userColumns()).
			AddRow("u-1", "alice", nil, hash, false, time.Now()))
	wrong := do(h, http.MethodPost, "/api/auth/login", "",
		`{"username":"alice","password":"nope"}`)
	require.Equal(t, http.StatusUnauthorized, wrong.Code)

	assert.Equal(t, unknown.Body.String(), wrong.Body.String())
}

func TestAuthRequiresBearerToken(t *testing.T) {
	_, mock, h := testServer(t)

	expectRouted(mock, false)
	w := do(h, http.MethodGet, "/api/auth/whoami", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expectRouted(mock, true)
	w = do(h, http.MethodGet, "/api/auth/whoami", "garbage-token", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesRejectNonAdmins(t *testing.T) {
	_, mock, h := testServer(t)

	token, err := testVault().Sign(context.Background(), "u-1", false)
	require.NoError(t, err)

	expectRouted(mock, false)
	w := do(h, http.MethodGet, "/api/admin/config", token, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// ============================================================================
// SYNC READS
// ============================================================================

func TestSyncMessagesReadEndpoint(t *testing.T) {
	_, mock, h := testServer(t)

	teamID := "5f7d9a10-0000-4000-8000-000000000002"
	token, err := testVault().Sign(context.Background(), "u-1", false)
	require.NoError(t, err)

	expectRouted(mock, false)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM team_members`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT \* FROM messages`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "team_id", "type", "content", "created_at"}).
			AddRow("m-1", "u-1", teamID, "text", "rally point bravo", time.Now()))

	w := do(h, http.MethodGet, "/api/sync/messages?teamId="+teamID, token, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var msgs []struct {
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "rally point bravo", msgs[0].Content)
}

func TestSyncLocationsRejectsMalformedTeamID(t *testing.T) {
	_, mock, h := testServer(t)

	token, err := testVault().Sign(context.Background(), "u-1", false)
	require.NoError(t, err)

	expectRouted(mock, false)
	w := do(h, http.MethodGet, "/api/sync/locations?teamId=nope", token, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ============================================================================
// RATE LIMITING
// ============================================================================

func TestRateLimiterEnforcesWindowMax(t *testing.T) {
	rl := newRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow("1.2.3.4"))
	}
	assert.False(t, rl.allow("1.2.3.4"))
	assert.True(t, rl.allow("5.6.7.8"), "limits are per key")
}

func TestRateLimiterExpiresOldHits(t *testing.T) {
	rl := newRateLimiter(1, 20*time.Millisecond)

	assert.True(t, rl.allow("k"))
	assert.False(t, rl.allow("k"))
	time.Sleep(30 * time.Millisecond)
	assert.True(t, rl.allow("k"))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:54321"
	assert.Equal(t, "10.0.0.1", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(r))
}

// ============================================================================
// HELPERS
// ============================================================================

func TestSetupAllowedPaths(t *testing.T) {
	allowed := []string{"/health", "/metrics", "/setup", "/setup/step2", "/api/setup/complete"}
	for _, p := range allowed {
		assert.True(t, setupAllowed(p), p)
	}
	blocked := []string{"/", "/ws", "/api/auth/login", "/api/admin/stats"}
	for _, p := range blocked {
		assert.False(t, setupAllowed(p), p)
	}
}

func TestNormalizeDomains(t *testing.T) {
	got := normalizeDomains([]string{
		"  HTTPS://WWW.Example.COM/news/latest ",
		"http://t.me/channel",
		"bsky.app",
		"",
	})
	assert.Equal(t, []string{"example.com", "t.me", "bsky.app"}, got)
}

func TestNormalizeDomainsDeduplicates(t *testing.T) {
	got := normalizeDomains([]string{
		"Example.com",
		"https://www.example.com/news",
		"EXAMPLE.COM",
		"t.me",
		"example.com/other/path",
	})
	assert.Equal(t, []string{"example.com", "t.me"}, got)
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=50&bad=x&big=9999", nil)
	assert.Equal(t, 50, queryInt(r, "limit", 20, 200))
	assert.Equal(t, 20, queryInt(r, "missing", 20, 200))
	assert.Equal(t, 20, queryInt(r, "bad", 20, 200))
	assert.Equal(t, 200, queryInt(r, "big", 20, 200))
}
