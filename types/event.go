package types

import (
	"strconv"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// Outbound event names as they appear on the wire.
const (
	EventNameNewMessage = "new_message"
	EventNameUserStatus = "user_status"
	EventNameTyping     = "typing"
	EventNameRoom       = "room"
	EventNameHistory    = "history"
	EventNameRooms      = "rooms"
	EventNameError      = "error"
)

// Event is one logical occurrence to be fanned out to live connections.
// RoomId is 0 for global events (presence). TargetFilter is an optional expr
// expression evaluated per target connection at fan-out time.
type Event struct {
	Id           string
	Name         string
	RoomId       int64
	Source       *User
	Created      time.Time
	TargetFilter string
	Payload      interface{}
}

type NewMessagePayload struct {
	Id          int64     `json:"id"`
	RoomId      int64     `json:"room_id"`
	SenderId    int64     `json:"sender_id"`
	Sender      string    `json:"sender"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type"`
	FileRef     string    `json:"file_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type UserStatusPayload struct {
	UserId   int64     `json:"user_id"`
	Username string    `json:"username"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

type TypingPayload struct {
	UserId int64 `json:"user_id"`
	RoomId int64 `json:"room_id"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func NewMessageEvent(msg *Message, sender *User) *Event {
	e := &Event{
		Name:    EventNameNewMessage,
		RoomId:  msg.RoomId,
		Source:  sender,
		Created: msg.CreatedAt,
		Payload: NewMessagePayload{
			Id:          msg.Id,
			RoomId:      msg.RoomId,
			SenderId:    msg.SenderId,
			Sender:      sender.Username,
			Content:     msg.Content,
			ContentType: msg.Type,
			FileRef:     msg.FileRef,
			CreatedAt:   msg.CreatedAt,
		},
	}
	e.CreateId()
	return e
}

func NewUserStatusEvent(user *User, online bool, lastSeen time.Time) *Event {
	e := &Event{
		Name:    EventNameUserStatus,
		Source:  user,
		Created: lastSeen,
		Payload: UserStatusPayload{
			UserId:   user.Id,
			Username: user.Username,
			Online:   online,
			LastSeen: lastSeen,
		},
	}
	e.CreateId()
	return e
}

// NewTypingEvent is fire-and-forget and never persisted. The target filter
// keeps the typist from receiving their own indicator.
func NewTypingEvent(user *User, roomId int64) *Event {
	e := &Event{
		Name:         EventNameTyping,
		RoomId:       roomId,
		Source:       user,
		Created:      time.Now(),
		TargetFilter: `Target.Id != Source.Id`,
		Payload: TypingPayload{
			UserId: user.Id,
			RoomId: roomId,
		},
	}
	e.CreateId()
	return e
}

// CreateId derives a stable id from the event's identifying fields.
func (e *Event) CreateId() {
	var sourceId int64
	if e.Source != nil {
		sourceId = e.Source.Id
	}
	h, err := hashstructure.Hash(struct {
		Name    string
		Room    int64
		Source  int64
		Created int64
	}{e.Name, e.RoomId, sourceId, e.Created.UnixNano()}, hashstructure.FormatV2, nil)
	if err != nil {
		// hashing a fixed flat struct cannot fail at runtime
		return
	}
	e.Id = strconv.FormatUint(h, 16)
}
