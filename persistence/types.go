package persistence

import (
	"errors"
	"fmt"
	"time"

	"github.com/roomcast/roomcast/config"
	"github.com/roomcast/roomcast/types"
)

// Error taxonomy of the persistence gateway. Callers match with errors.Is;
// anything that is neither not-found nor a constraint violation is wrapped in
// a StorageError and treated as retryable-or-fatal per deployment policy.
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
)

type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s", e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Persister is the durable store for users, rooms, memberships and messages.
// All write operations are atomic.
type Persister interface {
	CreateUser(user *types.User) error
	GetUser(id int64) (*types.User, error)
	GetUserByName(username string) (*types.User, error)
	GetUserByEmail(email string) (*types.User, error)
	StoreUser(user *types.User) error
	SetUserPresence(userId int64, online bool, lastSeen time.Time) error

	// CreateOrGetRoom derives the slug from name and either returns the
	// existing room with that slug or creates it atomically. Concurrent calls
	// with equivalent names resolve to a single room.
	CreateOrGetRoom(name string, creatorId int64) (*types.Room, error)
	GetRoom(id int64) (*types.Room, error)
	GetRoomBySlug(slug string) (*types.Room, error)
	GetRooms() ([]*types.Room, error)

	// Join is idempotent: joining an already-joined pair succeeds without a
	// second membership row.
	Join(roomId, userId int64) error
	MembersOfRoom(roomId int64) ([]int64, error)
	RoomsOfUser(userId int64) ([]*types.Room, error)

	// AppendMessage assigns the message id and creation timestamp; the
	// gateway's ordering is the room's message order.
	AppendMessage(msg *types.Message) error
	// RecentMessages returns up to limit messages, newest first.
	RecentMessages(roomId int64, limit int) ([]*types.Message, error)
	PruneMessagesBefore(cutoff time.Time) (int64, error)

	Close() error
}

// NewPersister builds the configured persistence backend.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.PersistenceConfig.Type {
	case "sqlite", "postgres":
		return NewGormPersister(cfg)
	case "buntdb":
		return NewBuntPersister(cfg)
	default:
		return nil, fmt.Errorf("unknown persistence type %q", cfg.PersistenceConfig.Type)
	}
}
