package types

import "time"

const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
)

// Message is one entry in a room's append-only log. The edited columns are
// carried in the schema but never written by this core.
type Message struct {
	Id        int64      `json:"id" gorm:"primaryKey"`
	RoomId    int64      `json:"room_id" gorm:"index"`
	SenderId  int64      `json:"sender_id" gorm:"index"`
	Content   string     `json:"content"`
	Type      string     `json:"type"`
	FileRef   string     `json:"file_ref"`
	CreatedAt time.Time  `json:"created_at" gorm:"index"`
	Edited    bool       `json:"edited"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
}
