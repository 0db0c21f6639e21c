package gateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacmap/backend/internal/store"
	"github.com/tacmap/backend/internal/teamsync"
	"github.com/tacmap/backend/internal/vault"
)

const (
	testUser = "5f7d9a10-0000-4000-8000-0000000000aa"
	testTeam = "5f7d9a10-0000-4000-8000-0000000000bb"
)

func testVault() *vault.Vault {
	key := hex.EncodeToString([]byte("an-exactly-32-byte-long-aes-key!"))
	return vault.New("0123456789abcdef0123456789abcdef", key, nil, slog.Default())
}

func testGateway(t *testing.T) (*Gateway, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"), slog.Default())
	sc := teamsync.New(st, slog.Default())
	gw := New(testVault(), sc, slog.Default())
	sc.SetBroadcaster(gw)
	return gw, mock
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

// ============================================================================
// HANDSHAKE
// ============================================================================

func TestHandshakeRejectsMissingToken(t *testing.T) {
	gw, _ := testGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWebSocket))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	gw, _ := testGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWebSocket))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?token=not-a-token")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeSendsHello(t *testing.T) {
	gw, _ := testGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWebSocket))
	defer srv.Close()

	token, err := testVault().Sign(context.Background(), testUser, false)
	require.NoError(t, err)

	conn := dial(t, srv, token)
	hello := readEvent(t, conn)
	assert.Equal(t, "hello", hello.Type)

	var payload struct {
		UserID  string `json:"userId"`
		IsAdmin bool   `json:"isAdmin"`
	}
	require.NoError(t, json.Unmarshal(hello.Payload, &payload))
	assert.Equal(t, testUser, payload.UserID)
	assert.False(t, payload.IsAdmin)
}

// ============================================================================
// ROOMS AND FAN-OUT
// ============================================================================

func TestJoinRoomRequiresMembership(t *testing.T) {
	gw, mock := testGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWebSocket))
	defer srv.Close()

	token, err := testVault().Sign(context.Background(), testUser, false)
	require.NoError(t, err)
	conn := dial(t, srv, token)
	readEvent(t, conn) // hello

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM team_members`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "team:join",
		"payload": map[string]string{"teamId": testTeam},
	}))

	ev := readEvent(t, conn)
	assert.Equal(t, "error", ev.Type)
}

func TestJoinAndBroadcastOrdering(t *testing.T) {
	gw, mock := testGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWebSocket))
	defer srv.Close()

	token, err := testVault().Sign(context.Background(), testUser, false)
	require.NoError(t, err)
	conn := dial(t, srv, token)
	readEvent(t, conn) // hello

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM team_members`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "team:join",
		"payload": map[string]string{"teamId": testTeam},
	}))
	joined := readEvent(t, conn)
	require.Equal(t, "team:joined", joined.Type)

	// Broadcast order to a room equals commit order.
	for i := 1; i <= 3; i++ {
		gw.BroadcastToTeam(testTeam, "message:received", map[string]int{"seq": i})
	}
	for i := 1; i <= 3; i++ {
		ev := readEvent(t, conn)
		require.Equal(t, "message:received", ev.Type)
		var payload struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		assert.Equal(t, i, payload.Seq)
	}
}

func TestAdminEventsNeverReachNonAdmins(t *testing.T) {
	gw, _ := testGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWebSocket))
	defer srv.Close()

	userToken, err := testVault().Sign(context.Background(), testUser, false)
	require.NoError(t, err)
	adminToken, err := testVault().Sign(context.Background(), "admin-1", true)
	require.NoError(t, err)

	userConn := dial(t, srv, userToken)
	readEvent(t, userConn) // hello
	adminConn := dial(t, srv, adminToken)
	readEvent(t, adminConn) // hello

	gw.BroadcastToAdmins("admin:stats_update", map[string]int{"n": 1})

	ev := readEvent(t, adminConn)
	assert.Equal(t, "admin:stats_update", ev.Type)

	userConn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = userConn.ReadMessage()
	assert.Error(t, err, "non-admin channel must not receive admin events")
}

func TestSnapshotCountsRooms(t *testing.T) {
	gw, _ := testGateway(t)

	c1 := newClient(gw, nil, "u1", false)
	c2 := newClient(gw, nil, "u2", true)
	gw.register(c1)
	gw.register(c2)
	gw.joinRoom("team:"+testTeam, c1)
	gw.joinRoom("team:"+testTeam, c2)

	stats := gw.Snapshot()
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 2, stats.AuthenticatedConnections)
	require.Len(t, stats.Rooms, 1)
	assert.Equal(t, "team:"+testTeam, stats.Rooms[0].Name)
	assert.Equal(t, 2, stats.Rooms[0].Members)
}

// ============================================================================
// BACKPRESSURE
// ============================================================================

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	gw, _ := testGateway(t)
	c := newClient(gw, nil, "slow-user", false)

	for i := 0; i < sendBuffer+1; i++ {
		c.enqueue([]byte(fmt.Sprintf("frame-%d", i)))
	}

	// frame-0 was dropped to admit frame-64; the queue starts at frame-1.
	assert.Equal(t, "frame-1", string(<-c.send))
	assert.Len(t, c.send, sendBuffer-1)
}
