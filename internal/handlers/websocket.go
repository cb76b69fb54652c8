package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/meshcall/internal/middleware"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/rooms"
	"github.com/mossy-p/meshcall/internal/signaling"
	"github.com/mossy-p/meshcall/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 54 * time.Second
	sendBufferSize  = 256
	teardownTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	ID     string
	RoomID string
	Conn   *websocket.Conn
	Send   chan []byte

	log       *logrus.Entry
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(userID, roomID string, conn *websocket.Conn, log *logrus.Entry) *Client {
	return &Client{
		ID:     userID,
		RoomID: roomID,
		Conn:   conn,
		Send:   make(chan []byte, sendBufferSize),
		log:    log,
		done:   make(chan struct{}),
	}
}

// close stops the write pump, which sends a close frame and closes the socket.
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// HandleSignaling bridges a websocket participant into a room: its
// offers, answers and candidates go into the room's mailbox, and signals
// addressed to it plus participant changes come back over the socket.
func (g *Gateway) HandleSignaling(c *gin.Context) {
	roomID := c.Param("roomId")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	displayName := c.GetString(middleware.DisplayNameKey)
	if name := c.Query("displayName"); name != "" {
		displayName = name
	}

	initiator := c.Query("initiator") == "true"
	existing, err := g.rooms.GetRoom(c.Request.Context(), roomID)
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		if !initiator {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
	case err != nil:
		g.log.WithError(err).WithField("room_id", roomID).Error("Failed to load room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	case initiator && existing.InitiatorID != userID:
		c.JSON(http.StatusForbidden, gin.H{"error": "Room was started by another user"})
		return
	}

	var room *models.Room
	kind := models.CallVideo
	if existing != nil {
		kind = existing.Kind
	}
	if initiator {
		kind = models.CallKind(c.DefaultQuery("callType", string(models.CallVideo)))
		if !kind.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "callType must be audio or video"})
			return
		}
		room = &models.Room{
			ID:          roomID,
			Kind:        kind,
			CreatedAt:   time.Now().UnixMilli(),
			Active:      true,
			InitiatorID: userID,
			Invitees:    c.QueryArray("invitee"),
		}
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.WithError(err).Warn("Failed to upgrade connection")
		return
	}

	log := g.log.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID})
	b := &bridge{
		gw:        g,
		client:    newClient(userID, roomID, conn, log),
		signals:   signaling.NewChannel(g.store, roomID),
		name:      displayName,
		room:      room,
		initiator: initiator,
		cameraOff: kind == models.CallAudio,
		log:       log,
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	go b.client.writePump()
	if err := b.start(); err != nil {
		log.WithError(err).Warn("Failed to join room")
		b.client.sendMessage(models.SignalMessage{Type: models.SignalTypeError, Error: "failed to join room"})
		b.teardown()
		return
	}
	go b.client.readPump(b.handle, b.teardown)
}

// bridge is one websocket participant's presence in a room.
type bridge struct {
	gw        *Gateway
	client    *Client
	signals   *signaling.Channel
	name      string
	room      *models.Room
	initiator bool
	cameraOff bool
	log       *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	subs      []store.CancelFunc
	joined    bool
	dissolved bool
	once      sync.Once
}

func (b *bridge) start() error {
	ctx, cancel := context.WithTimeout(b.ctx, writeWait)
	defer cancel()
	userID, roomID := b.client.ID, b.client.RoomID

	if b.initiator {
		if err := b.gw.rooms.CreateRoom(ctx, *b.room); err != nil {
			return err
		}
	}

	if err := b.subscribe(func() (store.CancelFunc, error) {
		return b.signals.Subscribe(b.ctx, userID, func(sig models.Signal) {
			msg, err := sig.Encode()
			if err != nil {
				b.log.WithError(err).Warn("Dropping unencodable signal")
				return
			}
			b.client.sendMessage(msg)
		})
	}); err != nil {
		return err
	}

	self := models.Participant{
		UserID:    userID,
		Name:      b.name,
		JoinedAt:  time.Now().UnixMilli(),
		Initiator: b.initiator,
		CameraOff: b.cameraOff,
	}
	if err := b.gw.rooms.AddParticipant(ctx, roomID, self); err != nil {
		return err
	}
	b.mu.Lock()
	b.joined = true
	b.mu.Unlock()

	// Send join confirmation
	b.client.sendMessage(models.SignalMessage{Type: models.SignalTypeJoin, From: userID, SenderName: b.name})

	if err := b.subscribe(func() (store.CancelFunc, error) {
		return b.gw.rooms.WatchRoom(b.ctx, roomID, func(room *models.Room) {
			if room != nil {
				return
			}
			b.mu.Lock()
			b.dissolved = true
			b.mu.Unlock()
			b.client.sendMessage(models.SignalMessage{Type: models.SignalTypeError, Error: "room dissolved"})
			b.client.close()
		})
	}); err != nil {
		return err
	}

	return b.subscribe(func() (store.CancelFunc, error) {
		return b.gw.rooms.WatchParticipants(b.ctx, roomID, func(ch models.ParticipantChange) {
			if ch.Participant.UserID == userID {
				return
			}
			data, err := json.Marshal(ch.Participant)
			if err != nil {
				return
			}
			b.client.sendMessage(models.SignalMessage{
				// participant change names match the gateway message types
				Type:       models.SignalType(ch.Type),
				From:       ch.Participant.UserID,
				SenderName: ch.Participant.Name,
				Data:       data,
			})
		})
	})
}

func (b *bridge) subscribe(open func() (store.CancelFunc, error)) error {
	cancel, err := open()
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, cancel)
	b.mu.Unlock()
	return nil
}

// cameraUpdate is the payload of an "update" message from the socket.
type cameraUpdate struct {
	CameraOff bool `json:"cameraOff"`
}

func (b *bridge) handle(raw []byte) {
	var msg models.SignalMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		b.log.WithError(err).Debug("Failed to parse message")
		b.client.sendMessage(models.SignalMessage{Type: models.SignalTypeError, Error: "invalid message"})
		return
	}

	// Set the sender
	msg.From = b.client.ID
	if msg.Type == models.SignalTypeOffer && msg.SenderName == "" {
		msg.SenderName = b.name
	}

	ctx, cancel := context.WithTimeout(b.ctx, writeWait)
	defer cancel()

	switch msg.Type {
	case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
		if msg.To == "" || msg.To == b.client.ID {
			b.client.sendMessage(models.SignalMessage{Type: models.SignalTypeError, Error: "signal needs a recipient"})
			return
		}
		sig, err := msg.Decode()
		if err != nil {
			b.client.sendMessage(models.SignalMessage{Type: models.SignalTypeError, Error: err.Error()})
			return
		}
		if err := b.signals.Send(ctx, sig); err != nil {
			b.log.WithError(err).Warn("Failed to relay signal")
		}
	case models.SignalTypeUpdate:
		var upd cameraUpdate
		if err := json.Unmarshal(msg.Data, &upd); err != nil {
			b.client.sendMessage(models.SignalMessage{Type: models.SignalTypeError, Error: "invalid update"})
			return
		}
		if err := b.gw.rooms.SetCameraOff(ctx, b.client.RoomID, b.client.ID, upd.CameraOff); err != nil {
			b.log.WithError(err).Warn("Failed to update participant")
		}
	default:
		b.log.WithField("type", msg.Type).Debug("Unknown message type")
		b.client.sendMessage(models.SignalMessage{Type: models.SignalTypeError, Error: "unknown message type"})
	}
}

// teardown removes the participant and, for the initiator, the room.
func (b *bridge) teardown() {
	b.once.Do(func() {
		b.mu.Lock()
		subs, joined, dissolved := b.subs, b.joined, b.dissolved
		b.subs = nil
		b.mu.Unlock()

		for _, cancel := range subs {
			cancel()
		}
		b.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if joined {
			if err := b.gw.rooms.RemoveParticipant(ctx, b.client.RoomID, b.client.ID); err != nil {
				b.log.WithError(err).Warn("Failed to remove participant")
			}
		}
		if b.initiator && !dissolved {
			if err := b.gw.rooms.DeleteRoom(ctx, b.client.RoomID); err != nil {
				b.log.WithError(err).Warn("Failed to delete room")
			}
		}
		b.client.close()
		b.log.Info("Participant left room")
	})
}

// HandleCalls streams "call in progress" notices for every room that lists
// the authenticated user as an invitee.
func (g *Gateway) HandleCalls(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.WithError(err).Warn("Failed to upgrade connection")
		return
	}

	log := g.log.WithField("user_id", userID)
	client := newClient(userID, "", conn, log)
	ctx, cancel := context.WithCancel(context.Background())

	go client.writePump()
	stop, err := g.rooms.WatchCalls(ctx, userID, func(n models.CallNotice) {
		data, err := json.Marshal(n)
		if err != nil {
			return
		}
		client.enqueue(data)
	})
	if err != nil {
		log.WithError(err).Error("Failed to watch calls")
		cancel()
		client.close()
		return
	}

	go client.readPump(func([]byte) {}, func() {
		stop()
		cancel()
		client.close()
	})
}

// readPump feeds every inbound message to handle until the socket fails,
// then calls cleanup.
func (c *Client) readPump(handle func([]byte), cleanup func()) {
	defer func() {
		cleanup()
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("WebSocket error")
			}
			return
		}
		handle(message)
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
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.WithError(err).Debug("Failed to write message")
				return
			}

		case <-c.done:
			// flush what is already queued, e.g. the dissolution notice
			if err := c.flush(); err != nil {
				return
			}
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) flush() error {
	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Client) sendMessage(msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.WithError(err).Warn("Failed to marshal message")
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.Send <- data:
	default:
		c.log.Warn("Failed to send message, buffer full")
	}
}
