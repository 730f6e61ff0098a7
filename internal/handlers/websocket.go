package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/meshcall/internal/middleware"
	"github.com/mossy-p/meshcall/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub fans mailbox wake-ups out to subscribed websocket clients. Each user
// holds at most one subscription per room; a newer one replaces the older.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	log   logrus.FieldLogger
}

// Room holds the subscribers of one room
type Room struct {
	ID    string
	Peers map[string]*Client
}

// Client represents a WebSocket subscription
type Client struct {
	UserID string
	RoomID string
	Conn   *websocket.Conn
	Send   chan []byte
	once   sync.Once
}

// NewHub creates an empty hub.
func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{rooms: make(map[string]*Room), log: log}
}

// NotifyUser wakes a single subscriber.
func (h *Hub) NotifyUser(roomID, userID string, ev models.PushEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	if client, ok := room.Peers[userID]; ok {
		h.deliver(client, ev)
	}
}

// NotifyRoom wakes every subscriber of a room.
func (h *Hub) NotifyRoom(roomID string, ev models.PushEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	for _, client := range room.Peers {
		h.deliver(client, ev)
	}
}

// Subscribers returns how many clients are subscribed to roomID.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if room, ok := h.rooms[roomID]; ok {
		return len(room.Peers)
	}
	return 0
}

func (h *Hub) deliver(client *Client, ev models.PushEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal push event")
		return
	}
	select {
	case client.Send <- data:
	default:
		// Wake-ups are idempotent; a full buffer already holds one.
		h.log.WithField("user", client.UserID).Debug("push buffer full, dropping wake-up")
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[client.RoomID]
	if !ok {
		room = &Room{ID: client.RoomID, Peers: make(map[string]*Client)}
		h.rooms[client.RoomID] = room
	}
	if old, ok := room.Peers[client.UserID]; ok {
		old.close()
	}
	room.Peers[client.UserID] = client
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[client.RoomID]
	if !ok {
		return
	}
	if room.Peers[client.UserID] == client {
		delete(room.Peers, client.UserID)
	}
	if len(room.Peers) == 0 {
		delete(h.rooms, client.RoomID)
	}
}

// Subscribe upgrades to a websocket that receives push events for the
// caller in the room. Only current participants may subscribe.
func (h *Handler) Subscribe(c *gin.Context) {
	userID := middleware.UserID(c)
	room, err := h.svc.ResolveRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		writeError(c, err)
		return
	}
	members, err := h.svc.Participants(c.Request.Context(), room.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	member := false
	for _, m := range members {
		if m.UserID == userID {
			member = true
			break
		}
	}
	if !member {
		writeError(c, models.NewError(models.CodeNotInRoom, "Subscriber is not a participant in the room"))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("failed to upgrade connection")
		return
	}

	client := &Client{
		UserID: userID,
		RoomID: room.ID,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
	}
	// Prompt an initial poll so nothing queued before subscribing waits.
	h.hub.deliver(client, models.PushEvent{Type: models.PushTypeSignals, RoomID: room.ID})
	h.hub.add(client)
	h.log.WithFields(logrus.Fields{"user": userID, "room": room.ID}).Debug("push subscriber connected")

	go client.writePump()
	go client.readPump(h.hub, h.log)
}

func (c *Client) close() {
	c.once.Do(func() { close(c.Send) })
}

// readPump only services control frames; subscribers never send data.
func (c *Client) readPump(hub *Hub, log logrus.FieldLogger) {
	defer func() {
		hub.remove(c)
		c.close()
		c.Conn.Close()
		log.WithFields(logrus.Fields{"user": c.UserID, "room": c.RoomID}).Debug("push subscriber disconnected")
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).Debug("websocket read error")
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
