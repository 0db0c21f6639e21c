package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tacmap/backend/internal/apperr"
	"github.com/tacmap/backend/internal/metrics"
	"github.com/tacmap/backend/internal/teamsync"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 256 * 1024
	sendBuffer = 64
)

// Event is the wire frame in both directions.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client is one authenticated channel. All conn writes go through the send
// queue into writePump; readPump is the only reader.
type Client struct {
	gw      *Gateway
	conn    *websocket.Conn
	userID  string
	isAdmin bool

	send chan []byte
	done chan struct{}
	once sync.Once

	// rooms is owned by the gateway registry and mutated only under its
	// lock.
	rooms map[string]struct{}
}

func newClient(gw *Gateway, conn *websocket.Conn, userID string, isAdmin bool) *Client {
	return &Client{
		gw:      gw,
		conn:    conn,
		userID:  userID,
		isAdmin: isAdmin,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		rooms:   make(map[string]struct{}),
	}
}

// close shuts the channel down exactly once. In-flight writes complete; no
// further events are delivered.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.gw.unregister(c)
		c.conn.Close()
	})
}

// enqueue queues a frame without blocking the caller. When the queue is
// full the oldest pending frame is dropped first; events are at-least-once
// for healthy channels, lossy for stalled ones.
func (c *Client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
		return
	default:
	}

	// Queue full: drop the oldest frame and retry once.
	select {
	case <-c.send:
		metrics.DroppedEvents.Inc()
		c.gw.log.Warn("send queue full, dropped oldest event", "user", c.userID)
	default:
	}
	select {
	case c.send <- frame:
	default:
		metrics.DroppedEvents.Inc()
		c.gw.log.Warn("send queue full, dropped event", "user", c.userID)
	}
}

// enqueueEvent marshals and queues a typed event.
func (c *Client) enqueueEvent(event string, payload any) {
	frame, err := marshalEvent(event, payload)
	if err != nil {
		c.gw.log.Error("event encode failed", "event", event, "error", err)
		return
	}
	c.enqueue(frame)
}

// sendError reports a failed client event to the sender only.
func (c *Client) sendError(err error) {
	c.enqueueEvent("error", map[string]string{"message": apperr.Message(err)})
}

// writePump serializes all writes to the connection: queued frames, pings,
// and the close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			// Drain what is already queued in the same wake-up.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump reads frames and dispatches events. Events are handled in
// arrival order on this goroutine: each channel has its own readPump, so
// channels never serialize each other, while a single channel's writes
// commit (and broadcast) in the order it sent them.
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.gw.log.Warn("read failed", "user", c.userID, "error", err)
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.sendError(apperr.New(apperr.KindValidation, "malformed event frame"))
			continue
		}
		c.dispatch(ev)
	}
}

// dispatch routes one client event. Action events delegate to the sync
// core; failures are reported to the sender and never broadcast.
func (c *Client) dispatch(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch ev.Type {
	case "team:join":
		c.handleJoin(ctx, ev.Payload)
	case "team:leave":
		c.handleLeave(ev.Payload)
	case "location:update":
		var p teamsync.LocationPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			c.sendError(apperr.New(apperr.KindValidation, "malformed location payload"))
			return
		}
		if _, err := c.gw.sync.SubmitLocation(ctx, c.userID, p); err != nil {
			c.sendError(err)
		}
	case "annotation:update":
		var p teamsync.AnnotationPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			c.sendError(apperr.New(apperr.KindValidation, "malformed annotation payload"))
			return
		}
		if _, err := c.gw.sync.SubmitAnnotation(ctx, c.userID, p); err != nil {
			c.sendError(err)
		}
	case "message:send":
		var p teamsync.MessagePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			c.sendError(apperr.New(apperr.KindValidation, "malformed message payload"))
			return
		}
		if _, err := c.gw.sync.SubmitMessage(ctx, c.userID, p); err != nil {
			c.sendError(err)
		}
	default:
		c.sendError(apperr.Newf(apperr.KindValidation, "unknown event %q", ev.Type))
	}
}

type roomPayload struct {
	TeamID string `json:"teamId"`
}

func (c *Client) handleJoin(ctx context.Context, raw json.RawMessage) {
	var p roomPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.TeamID == "" {
		c.sendError(apperr.New(apperr.KindValidation, "teamId is required"))
		return
	}
	if err := c.gw.sync.AssertMembership(ctx, c.userID, p.TeamID); err != nil {
		c.sendError(err)
		return
	}
	c.gw.joinRoom("team:"+p.TeamID, c)
	c.enqueueEvent("team:joined", map[string]string{"teamId": p.TeamID})
}

func (c *Client) handleLeave(raw json.RawMessage) {
	var p roomPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.TeamID == "" {
		c.sendError(apperr.New(apperr.KindValidation, "teamId is required"))
		return
	}
	c.gw.leaveRoom("team:"+p.TeamID, c)
	c.enqueueEvent("team:left", map[string]string{"teamId": p.TeamID})
}
