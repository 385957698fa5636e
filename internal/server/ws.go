package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/joshmu/aid-online/internal/protocol"
	"github.com/joshmu/aid-online/internal/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventRecorder counts outbound event broadcasts.
type EventRecorder interface {
	RecordEventBroadcast(event string)
}

type nopEventRecorder struct{}

func (nopEventRecorder) RecordEventBroadcast(string) {}

// Client is one websocket connection. A client belongs to at most one
// room at a time; outbound frames queue on a buffered channel and slow
// consumers lose frames rather than stall the room.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool

	roomID string // guarded by hub.mu
}

// Hub tracks websocket clients and their room membership, and fans
// session events out to them. It is the transport behind the room
// package's Broadcaster.
type Hub struct {
	registry *room.Registry
	recorder EventRecorder
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
}

// NewHub creates a hub. The registry is attached separately because the
// registry itself broadcasts through the hub.
func NewHub(recorder EventRecorder, logger *slog.Logger) *Hub {
	if recorder == nil {
		recorder = nopEventRecorder{}
	}

	return &Hub{
		recorder: recorder,
		logger:   logger,
		clients:  make(map[string]*Client),
		rooms:    make(map[string]map[string]*Client),
	}
}

// SetRegistry wires the room registry. Must be called before serving.
func (h *Hub) SetRegistry(registry *room.Registry) {
	h.registry = registry
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ToRoom returns an emitter delivering to every client in a room.
func (h *Hub) ToRoom(roomID string) room.Emitter {
	return roomEmitter{hub: h, roomID: roomID}
}

// ToParticipant returns an emitter delivering to a single client.
func (h *Hub) ToParticipant(participantID string) room.Emitter {
	return participantEmitter{hub: h, clientID: participantID}
}

type roomEmitter struct {
	hub    *Hub
	roomID string
}

func (e roomEmitter) Emit(event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		e.hub.logger.Error("Failed to encode broadcast",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		return
	}

	e.hub.mu.RLock()
	members := make([]*Client, 0, len(e.hub.rooms[e.roomID]))
	for _, c := range e.hub.rooms[e.roomID] {
		members = append(members, c)
	}
	e.hub.mu.RUnlock()

	for _, c := range members {
		c.trySend(frame)
	}
	e.hub.recorder.RecordEventBroadcast(event)
}

type participantEmitter struct {
	hub      *Hub
	clientID string
}

func (e participantEmitter) Emit(event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		e.hub.logger.Error("Failed to encode targeted event",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		return
	}

	e.hub.mu.RLock()
	c, ok := e.hub.clients[e.clientID]
	e.hub.mu.RUnlock()

	if !ok {
		return
	}
	c.trySend(frame)
	e.hub.recorder.RecordEventBroadcast(event)
}

// HandleWS upgrades an HTTP request to a websocket connection and starts
// the client's read and write pumps.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Websocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	client := &Client{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	h.mu.Lock()
	h.clients[client.id] = client
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("Client connected",
		slog.String("client_id", client.id),
		slog.String("remote", r.RemoteAddr),
		slog.Int("clients", total),
	)

	go client.writePump()
	go client.readPump()
}

// disconnect removes a client from the hub and its room.
func (h *Hub) disconnect(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	roomID := c.roomID
	c.roomID = ""
	if roomID != "" {
		delete(h.rooms[roomID], c.id)
		if len(h.rooms[roomID]) == 0 {
			delete(h.rooms, roomID)
		}
	}
	total := len(h.clients)
	h.mu.Unlock()

	if roomID != "" && h.registry != nil {
		h.registry.Leave(roomID, c.id)
	}
	c.closeSend()

	h.logger.Info("Client disconnected",
		slog.String("client_id", c.id),
		slog.Int("clients", total),
	)
}

// dispatch routes one inbound frame to the client's session.
func (h *Hub) dispatch(c *Client, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		c.sendError("bad_frame", err.Error())
		return
	}

	if env.Event == protocol.EventJoinRoom {
		payload, err := protocol.ParseJoinRoom(env.Data)
		if err != nil {
			c.sendError("bad_join", err.Error())
			return
		}
		h.joinRoom(c, payload)
		return
	}

	session, ok := h.sessionFor(c)
	if !ok {
		c.sendError("no_room", "join a room first")
		return
	}

	switch env.Event {
	case protocol.EventStart:
		payload, err := protocol.ParseStart(env.Data)
		if err != nil {
			c.sendError("bad_start", err.Error())
			return
		}
		if err := session.Start(payload.FormData); err != nil {
			c.sendError("invalid_config", err.Error())
		}
	case protocol.EventPause:
		paused, err := protocol.ParsePause(env.Data)
		if err != nil {
			c.sendError("bad_pause", err.Error())
			return
		}
		session.Pause(paused)
	case protocol.EventEnd:
		session.RequestEnd()
	case protocol.EventRestart:
		session.RequestRestart()
	case protocol.EventUpdateAid:
		payload, err := protocol.ParseUpdateAid(env.Data)
		if err != nil {
			c.sendError("bad_update", err.Error())
			return
		}
		if payload.Name != "formData" {
			h.logger.Debug("Ignoring update for unknown target",
				slog.String("client_id", c.id),
				slog.String("name", payload.Name),
			)
			return
		}
		if err := session.UpdateFormData(payload.Data); err != nil {
			c.sendError("invalid_config", err.Error())
		}
	default:
		h.logger.Debug("Unknown event",
			slog.String("client_id", c.id),
			slog.String("event", env.Event),
		)
	}
}

// joinRoom moves a client into a room, leaving its previous one.
func (h *Hub) joinRoom(c *Client, payload *protocol.JoinRoomPayload) {
	if payload.RoomID == "" {
		c.sendError("bad_join", "missing room id")
		return
	}

	params := parseJoinParams(payload.SearchParams)

	h.mu.Lock()
	previous := c.roomID
	if previous != "" {
		delete(h.rooms[previous], c.id)
		if len(h.rooms[previous]) == 0 {
			delete(h.rooms, previous)
		}
	}
	c.roomID = payload.RoomID
	if h.rooms[payload.RoomID] == nil {
		h.rooms[payload.RoomID] = make(map[string]*Client)
	}
	h.rooms[payload.RoomID][c.id] = c
	h.mu.Unlock()

	if previous != "" {
		h.registry.Leave(previous, c.id)
	}
	h.registry.Join(payload.RoomID, c.id, params)
}

// sessionFor returns the session of the client's current room.
func (h *Hub) sessionFor(c *Client) (*room.Session, bool) {
	h.mu.RLock()
	roomID := c.roomID
	h.mu.RUnlock()

	if roomID == "" {
		return nil, false
	}
	return h.registry.Get(roomID)
}

// parseJoinParams reads the out-of-band join options from the join
// search params: an admin request flag and an optional JSON-encoded
// configuration update applied on entry.
func parseJoinParams(searchParams string) room.JoinParams {
	q, err := url.ParseQuery(strings.TrimPrefix(searchParams, "?"))
	if err != nil {
		return room.JoinParams{}
	}

	params := room.JoinParams{Admin: q.Get("admin") == "true"}
	if raw := q.Get("update"); raw != "" {
		var update map[string]any
		if err := json.Unmarshal([]byte(raw), &update); err == nil {
			params.Update = update
		}
	}
	return params
}

// trySend queues a frame without blocking. Full queues drop the frame.
func (c *Client) trySend(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.hub.logger.Warn("Dropping frame for slow client",
			slog.String("client_id", c.id),
		)
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendError(code, message string) {
	frame, err := protocol.Encode(protocol.EventError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	c.trySend(frame)
}

// readPump reads inbound frames until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("Websocket read error",
					slog.String("client_id", c.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		c.hub.dispatch(c, data)
	}
}

// writePump writes queued frames and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
