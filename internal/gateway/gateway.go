// Package gateway owns the authenticated realtime channels: the WebSocket
// handshake, room membership, event routing into the sync core, and fan-out
// of broadcast events. It is the sole implementer of the sync core's
// Broadcaster interface.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tacmap/backend/internal/metrics"
	"github.com/tacmap/backend/internal/teamsync"
	"github.com/tacmap/backend/internal/vault"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the HTTP layer's CORS configuration;
	// the socket handshake is gated by token verification instead.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Stats is the gateway snapshot exposed on the admin dashboard.
type Stats struct {
	TotalConnections         int        `json:"totalConnections"`
	AuthenticatedConnections int        `json:"authenticatedConnections"`
	Rooms                    []RoomInfo `json:"rooms"`
}

// RoomInfo describes one team room.
type RoomInfo struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// Gateway tracks connected channels and their room membership. The mutex
// guards only the registry maps; it is never held during fan-out or any
// network write.
type Gateway struct {
	vault *vault.Vault
	sync  *teamsync.Service
	log   *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	admins  map[*Client]struct{}
}

// New builds the gateway.
func New(v *vault.Vault, sc *teamsync.Service, log *slog.Logger) *Gateway {
	return &Gateway{
		vault:   v,
		sync:    sc,
		log:     log.With("component", "gateway"),
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		admins:  make(map[*Client]struct{}),
	}
}

// HandleWebSocket upgrades the connection and runs the handshake. The token
// is taken from the Authorization header or, for browser clients that
// cannot set headers on upgrade, the token query parameter. Tokenless or
// invalid handshakes terminate immediately.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
		return
	}

	claims, err := g.vault.Verify(r.Context(), token)
	if err != nil {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(g, conn, claims.UserID, claims.Admin)
	g.register(c)

	g.log.Info("channel connected", "user", c.userID, "admin", c.isAdmin)

	// writePump owns all writes, readPump owns all reads.
	go c.writePump()
	go c.readPump()

	c.enqueueEvent("hello", map[string]any{
		"userId":  c.userID,
		"isAdmin": c.isAdmin,
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// ============================================================================
// REGISTRY
// ============================================================================

func (g *Gateway) register(c *Client) {
	g.mu.Lock()
	g.clients[c] = struct{}{}
	if c.isAdmin {
		g.admins[c] = struct{}{}
	}
	g.mu.Unlock()
	metrics.Connections.Inc()
}

func (g *Gateway) unregister(c *Client) {
	g.mu.Lock()
	if _, ok := g.clients[c]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.clients, c)
	delete(g.admins, c)
	for room := range c.rooms {
		g.dropFromRoom(room, c)
	}
	g.mu.Unlock()
	metrics.Connections.Dec()
	g.log.Info("channel disconnected", "user", c.userID)
}

// joinRoom adds the channel to a team room. Caller has already verified
// membership.
func (g *Gateway) joinRoom(room string, c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	members, ok := g.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		g.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

// leaveRoom removes the channel from a team room.
func (g *Gateway) leaveRoom(room string, c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropFromRoom(room, c)
	delete(c.rooms, room)
}

// dropFromRoom must be called with the registry lock held.
func (g *Gateway) dropFromRoom(room string, c *Client) {
	if members, ok := g.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(g.rooms, room)
		}
	}
}

// ============================================================================
// BROADCAST — teamsync.Broadcaster implementation
// ============================================================================

// BroadcastToTeam fans an event out to every channel joined to the team
// room, including the sender. The member set is snapshotted under the read
// lock; enqueueing happens outside it so a slow subscriber cannot stall the
// registry.
func (g *Gateway) BroadcastToTeam(teamID, event string, payload any) {
	room := "team:" + teamID

	g.mu.RLock()
	members := make([]*Client, 0, len(g.rooms[room]))
	for c := range g.rooms[room] {
		members = append(members, c)
	}
	g.mu.RUnlock()

	if len(members) == 0 {
		return
	}
	frame, err := marshalEvent(event, payload)
	if err != nil {
		g.log.Error("broadcast encode failed", "event", event, "error", err)
		return
	}
	for _, c := range members {
		c.enqueue(frame)
	}
	metrics.Broadcasts.WithLabelValues(event).Inc()
}

// BroadcastToAdmins delivers an event to every admin channel. Non-admin
// channels never receive admin events.
func (g *Gateway) BroadcastToAdmins(event string, payload any) {
	g.mu.RLock()
	admins := make([]*Client, 0, len(g.admins))
	for c := range g.admins {
		admins = append(admins, c)
	}
	g.mu.RUnlock()

	if len(admins) == 0 {
		return
	}
	frame, err := marshalEvent(event, payload)
	if err != nil {
		g.log.Error("admin broadcast encode failed", "event", event, "error", err)
		return
	}
	for _, c := range admins {
		c.enqueue(frame)
	}
	metrics.Broadcasts.WithLabelValues(event).Inc()
}

// ============================================================================
// STATS
// ============================================================================

// Snapshot returns the current connection and room census.
func (g *Gateway) Snapshot() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rooms := make([]RoomInfo, 0, len(g.rooms))
	for name, members := range g.rooms {
		rooms = append(rooms, RoomInfo{Name: name, Members: len(members)})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })

	// Handshake-gated: every registered channel is authenticated.
	n := len(g.clients)
	return Stats{TotalConnections: n, AuthenticatedConnections: n, Rooms: rooms}
}

// RunStatsLoop pushes admin:stats_update to admin channels until the
// context is cancelled.
func (g *Gateway) RunStatsLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.BroadcastToAdmins("admin:stats_update", g.Snapshot())
		}
	}
}

func marshalEvent(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Type: event, Payload: raw})
}
