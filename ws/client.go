package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"
	"github.com/roomcast/roomcast/globals"
	"github.com/roomcast/roomcast/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 2 * time.Minute
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client is one live websocket connection of an authenticated user. A user
// may hold any number of clients at once; the registry tracks them.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	user   *types.User
	connId string

	// Send carries serialized events to the write pump. It is closed by the
	// hub's cleanup path, never by the client itself.
	Send chan []byte

	doneChan chan struct{}
}

func NewClient(hub *Hub, conn *websocket.Conn, user *types.User) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		user:     user,
		Send:     make(chan []byte, sendChannelSize),
		doneChan: make(chan struct{}),
	}
}

func (c *Client) User() *types.User { return c.user }

// Done is closed when the read pump has returned.
func (c *Client) Done() <-chan struct{} { return c.doneChan }

// Inbound payload shapes. Decoded weakly so numeric room ids survive a
// JSON round trip through float64.
type inboundMessage struct {
	RoomId      int64  `mapstructure:"room_id"`
	Content     string `mapstructure:"content"`
	ContentType string `mapstructure:"content_type"`
}

type inboundJoinRoom struct {
	Name string `mapstructure:"name"`
}

type inboundTyping struct {
	RoomId int64 `mapstructure:"room_id"`
}

type inboundHistory struct {
	RoomId int64 `mapstructure:"room_id"`
	Limit  int   `mapstructure:"limit"`
}

type historyReply struct {
	RoomId   int64             `json:"room_id"`
	Messages []*historyMessage `json:"messages"`
}

type historyMessage struct {
	Id          int64     `json:"id"`
	SenderId    int64     `json:"sender_id"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type"`
	FileRef     string    `json:"file_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Edited      bool      `json:"edited,omitempty"`
}

type roomsReply struct {
	Rooms []*types.Room `json:"rooms"`
}

// ReadPump reads inbound frames until the connection drops, dispatching each
// to the hub. It runs in its own goroutine, one per connection.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Detach(c)
		c.conn.Close()
		close(c.doneChan)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				globals.AppLogger.Debug("read error", "user", c.user.Username, "error", err)
			}
			return
		}
		envelope := types.WebsocketMessage{}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			c.sendError("malformed message")
			continue
		}
		c.dispatch(&envelope)
	}
}

func (c *Client) dispatch(envelope *types.WebsocketMessage) {
	switch envelope.Event {
	case "message":
		in := inboundMessage{}
		if err := decodePayload(envelope.Data, &in); err != nil {
			c.sendError("malformed message payload")
			return
		}
		if in.Content == "" {
			c.sendError("empty message")
			return
		}
		if _, err := c.hub.SendMessage(c.user, in.RoomId, in.Content, in.ContentType); err != nil {
			globals.AppLogger.Info("message rejected", "user", c.user.Username, "room", in.RoomId, "error", err)
			c.sendError("could not send message")
		}

	case "join_room":
		in := inboundJoinRoom{}
		if err := decodePayload(envelope.Data, &in); err != nil || in.Name == "" {
			c.sendError("malformed join_room payload")
			return
		}
		room, err := c.hub.JoinRoom(c.user, in.Name)
		if err != nil {
			globals.AppLogger.Error("join failed", "user", c.user.Username, "room", in.Name, "error", err)
			c.sendError("could not join room")
			return
		}
		c.sendEvent(&types.Event{Name: types.EventNameRoom, Created: time.Now(), Payload: room})

	case "typing":
		in := inboundTyping{}
		if err := decodePayload(envelope.Data, &in); err != nil {
			return
		}
		c.hub.Typing(c.user, in.RoomId)

	case "history":
		in := inboundHistory{}
		if err := decodePayload(envelope.Data, &in); err != nil {
			c.sendError("malformed history payload")
			return
		}
		messages, err := c.hub.History(in.RoomId, in.Limit)
		if err != nil {
			c.sendError("could not load history")
			return
		}
		reply := historyReply{RoomId: in.RoomId, Messages: make([]*historyMessage, 0, len(messages))}
		for _, msg := range messages {
			reply.Messages = append(reply.Messages, &historyMessage{
				Id:          msg.Id,
				SenderId:    msg.SenderId,
				Content:     msg.Content,
				ContentType: msg.Type,
				FileRef:     msg.FileRef,
				CreatedAt:   msg.CreatedAt,
				Edited:      msg.Edited,
			})
		}
		c.sendEvent(&types.Event{Name: types.EventNameHistory, Created: time.Now(), Payload: reply})

	case "rooms":
		rooms, err := c.hub.Persister.RoomsOfUser(c.user.Id)
		if err != nil {
			c.sendError("could not load rooms")
			return
		}
		c.sendEvent(&types.Event{Name: types.EventNameRooms, Created: time.Now(), Payload: roomsReply{Rooms: rooms}})

	default:
		c.sendError("unknown event " + envelope.Event)
	}
}

func decodePayload(data json.RawMessage, out interface{}) error {
	payload := make(map[string]interface{})
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return err
		}
	}
	return mapstructure.WeakDecode(payload, out)
}

// sendEvent serializes a direct reply (room, history, rooms, error) onto this
// connection only, bypassing the fan-out.
func (c *Client) sendEvent(event *types.Event) {
	data, err := event.MarshalWire()
	if err != nil {
		globals.AppLogger.Error("could not marshal reply", "event", event.Name, "error", err)
		return
	}
	c.trySend(data)
}

func (c *Client) sendError(message string) {
	c.sendEvent(&types.Event{
		Name:    types.EventNameError,
		Created: time.Now(),
		Payload: types.ErrorPayload{Message: message},
	})
}

// trySend queues data on the Send channel without blocking. The hub may close
// Send concurrently with a direct reply, so the send is recover-guarded; a
// reply racing connection teardown is simply dropped.
func (c *Client) trySend(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			globals.AppLogger.Debug("reply raced connection teardown", "user", c.user.Username, "conn", c.connId)
		}
	}()
	select {
	case c.Send <- data:
	default:
		globals.AppLogger.Warn("send buffer full, dropping reply", "user", c.user.Username, "conn", c.connId)
	}
}

// WritePump drains the Send channel onto the websocket and keeps the
// connection alive with pings. It exits when the hub closes Send.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			writer, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = writer.Write(data)

			// flush whatever else is already queued
			for i := 0; i < len(c.Send); i++ {
				queued, ok := <-c.Send
				if !ok {
					break
				}
				_, _ = writer.Write([]byte{'\n'})
				_, _ = writer.Write(queued)
			}
			if err := writer.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
