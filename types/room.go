package types

import (
	"strings"
	"time"
)

type Room struct {
	Id        int64         `json:"id" gorm:"primaryKey"`
	Name      string        `json:"name"`
	Slug      string        `json:"slug" gorm:"uniqueIndex;size:80"`
	CreatorId int64         `json:"creator_id"`
	IsPrivate bool          `json:"is_private"`
	CreatedAt time.Time     `json:"created_at"`
	Tags      JSONStringMap `json:"tags"`
}

// Membership records that a user belongs to a room. The composite unique
// index makes Join idempotent at the persistence layer.
type Membership struct {
	Id       int64     `json:"id" gorm:"primaryKey"`
	RoomId   int64     `json:"room_id" gorm:"uniqueIndex:idx_room_user"`
	UserId   int64     `json:"user_id" gorm:"uniqueIndex:idx_room_user"`
	IsAdmin  bool      `json:"is_admin"`
	JoinedAt time.Time `json:"joined_at"`
}

// Slugify derives a normalized, URL-safe room identifier from a display name:
// lowercase, runs of non-alphanumeric characters collapsed to single dashes.
func Slugify(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	pendingDash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		default:
			pendingDash = true
		}
	}
	return b.String()
}
