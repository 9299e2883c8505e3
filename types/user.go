package types

import "time"

type User struct {
	Id           int64         `json:"id" gorm:"primaryKey"`
	Username     string        `json:"username" gorm:"uniqueIndex;size:64"`
	Email        string        `json:"email" gorm:"uniqueIndex;size:255"`
	PasswordHash string        `json:"-"` // opaque, verified by the auth package
	DisplayName  string        `json:"display_name"`
	AvatarRef    string        `json:"avatar_ref"` // opaque reference, resolved by an external asset service
	Online       bool          `json:"online"`
	LastSeen     time.Time     `json:"last_seen"`
	CreatedAt    time.Time     `json:"created_at"`
	Tags         JSONStringMap `json:"tags"` // free-form tags, visible to event filters
}
