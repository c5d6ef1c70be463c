package ws

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/louisbranch/coplay.space/internal/game"
	perrors "github.com/louisbranch/coplay.space/internal/platform/errors"
	"github.com/louisbranch/coplay.space/internal/runtime"
)

const (
	writeWait = 10 * time.Second
	// pingPeriod keeps intermediaries from reaping idle connections.
	pingPeriod = 30 * time.Second
)

// clientFrame is a message from the browser. SUBMIT carries an action;
// anything else is rejected without closing the stream.
type clientFrame struct {
	Type   string      `json:"type"`
	Action game.Action `json:"action"`
}

// serverFrame is a message to the browser: the live broadcast stream,
// per-submit results, and error reports share the connection.
type serverFrame struct {
	Type      string            `json:"type"`
	Broadcast *game.Broadcast   `json:"broadcast,omitempty"`
	Result    *runtime.Envelope `json:"result,omitempty"`
	Error     *errorBody        `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The game document is served from this origin, but operators may
	// front it with another host; origin policy belongs to the proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// socketConn serializes writes; gorilla allows one concurrent writer.
type socketConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *socketConn) writeFrame(frame serverFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}

func (c *socketConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// socket upgrades the request and bridges the room's broadcast stream to
// the connection. The first frame is always the state snapshot, so a
// client renders before any action resolves.
func (h *Handler) socket(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")

	playerID, err := h.auth.PlayerID(r)
	if err != nil {
		h.writeStatusError(w, http.StatusUnauthorized, err)
		return
	}

	sub, err := h.runtime.Subscribe(r.Context(), roomID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		log.Printf("websocket upgrade failed room_id=%s error=%v", roomID, err)
		return
	}
	conn := &socketConn{conn: raw}
	raw.SetReadLimit(h.maxActionBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer sub.Close()
	defer raw.Close()

	go h.pumpBroadcasts(ctx, conn, sub, roomID)

	for {
		var frame clientFrame
		if err := raw.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("websocket read failed room_id=%s error=%v", roomID, err)
			}
			return
		}
		if frame.Type != "SUBMIT" {
			_ = conn.writeFrame(serverFrame{
				Type:  "ERROR",
				Error: ptr(errorBodyOf(perrors.New(perrors.CodeInvalidActionShape, "unknown frame type"))),
			})
			continue
		}

		action := frame.Action
		if playerID != "" {
			action.PlayerID = playerID
		}
		envelope, err := h.runtime.Submit(ctx, roomID, action)
		if err != nil {
			if writeErr := conn.writeFrame(serverFrame{Type: "ERROR", Error: ptr(errorBodyOf(err))}); writeErr != nil {
				return
			}
			if perrors.IsCode(err, perrors.CodeRoomTerminated) {
				return
			}
			continue
		}
		if writeErr := conn.writeFrame(serverFrame{Type: "RESULT", Result: &envelope}); writeErr != nil {
			return
		}
	}
}

// pumpBroadcasts streams the subscription to the connection until either
// side goes away. A closed channel means the subscriber was dropped or
// the room was swept; the client is told to resubscribe.
func (h *Handler) pumpBroadcasts(ctx context.Context, conn *socketConn, sub *runtime.Subscription, roomID string) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		case broadcast, ok := <-sub.C:
			if !ok {
				_ = conn.writeFrame(serverFrame{
					Type:  "ERROR",
					Error: ptr(errorBodyOf(perrors.New(perrors.CodeTimeoutRetry, "broadcast stream closed; resubscribe"))),
				})
				conn.mu.Lock()
				_ = conn.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resubscribe"),
					time.Now().Add(writeWait))
				conn.mu.Unlock()
				_ = conn.conn.Close()
				return
			}
			if err := conn.writeFrame(serverFrame{Type: "BROADCAST", Broadcast: &broadcast}); err != nil {
				return
			}
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}
