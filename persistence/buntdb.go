package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/roomcast/roomcast/config"
	"github.com/roomcast/roomcast/types"
	"github.com/tidwall/buntdb"
)

// BuntDBPersist is a single-file storage backend. BuntDB serializes writers,
// so every Update transaction below is atomic as required by the gateway
// contract; slug and username uniqueness are enforced by lookup keys written
// in the same transaction as the row.
type BuntDBPersist struct {
	db *buntdb.DB
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, fmt.Errorf("missing persistence dsn")
	}
	db, err := buntdb.Open(cfg.PersistenceConfig.DSN)
	if err != nil {
		return nil, err
	}
	return &BuntDBPersist{db: db}, nil
}

func userKey(id int64) string            { return "user:" + strconv.FormatInt(id, 10) }
func roomKey(id int64) string            { return "room:" + strconv.FormatInt(id, 10) }
func memberKey(roomId, userId int64) string {
	return fmt.Sprintf("member:%d:%d", roomId, userId)
}
func messageKey(roomId, msgId int64) string {
	// zero-padded so key order is message order within a room
	return fmt.Sprintf("message:%d:%012d", roomId, msgId)
}

func translateBunt(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, buntdb.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDuplicateKey):
		return err
	default:
		return &StorageError{Err: err}
	}
}

func nextSeq(tx *buntdb.Tx, name string) (int64, error) {
	key := "seq:" + name
	cur, err := tx.Get(key)
	if err != nil && !errors.Is(err, buntdb.ErrNotFound) {
		return 0, err
	}
	n := int64(0)
	if cur != "" {
		n, err = strconv.ParseInt(cur, 10, 64)
		if err != nil {
			return 0, err
		}
	}
	n++
	_, _, err = tx.Set(key, strconv.FormatInt(n, 10), nil)
	return n, err
}

func setJSON(tx *buntdb.Tx, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(key, string(raw), nil)
	return err
}

func getJSON(tx *buntdb.Tx, key string, v interface{}) error {
	raw, err := tx.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

func (p *BuntDBPersist) CreateUser(user *types.User) error {
	err := p.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get("username:" + user.Username); err == nil {
			return ErrDuplicateKey
		}
		if _, err := tx.Get("email:" + user.Email); err == nil {
			return ErrDuplicateKey
		}
		id, err := nextSeq(tx, "users")
		if err != nil {
			return err
		}
		user.Id = id
		if user.CreatedAt.IsZero() {
			user.CreatedAt = time.Now()
		}
		if user.LastSeen.IsZero() {
			user.LastSeen = user.CreatedAt
		}
		if _, _, err := tx.Set("username:"+user.Username, strconv.FormatInt(id, 10), nil); err != nil {
			return err
		}
		if _, _, err := tx.Set("email:"+user.Email, strconv.FormatInt(id, 10), nil); err != nil {
			return err
		}
		return setJSON(tx, userKey(id), user)
	})
	return translateBunt(err)
}

func (p *BuntDBPersist) GetUser(id int64) (*types.User, error) {
	user := types.User{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, userKey(id), &user)
	})
	if err != nil {
		return nil, translateBunt(err)
	}
	return &user, nil
}

func (p *BuntDBPersist) getUserByLookup(lookupKey string) (*types.User, error) {
	user := types.User{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		idStr, err := tx.Get(lookupKey)
		if err != nil {
			return err
		}
		return getJSON(tx, "user:"+idStr, &user)
	})
	if err != nil {
		return nil, translateBunt(err)
	}
	return &user, nil
}

func (p *BuntDBPersist) GetUserByName(username string) (*types.User, error) {
	return p.getUserByLookup("username:" + username)
}

func (p *BuntDBPersist) GetUserByEmail(email string) (*types.User, error) {
	return p.getUserByLookup("email:" + email)
}

func (p *BuntDBPersist) StoreUser(user *types.User) error {
	if user.Id == 0 {
		return ErrNotFound
	}
	err := p.db.Update(func(tx *buntdb.Tx) error {
		return setJSON(tx, userKey(user.Id), user)
	})
	return translateBunt(err)
}

func (p *BuntDBPersist) SetUserPresence(userId int64, online bool, lastSeen time.Time) error {
	err := p.db.Update(func(tx *buntdb.Tx) error {
		user := types.User{}
		if err := getJSON(tx, userKey(userId), &user); err != nil {
			return err
		}
		user.Online = online
		user.LastSeen = lastSeen
		return setJSON(tx, userKey(userId), &user)
	})
	return translateBunt(err)
}

func (p *BuntDBPersist) CreateOrGetRoom(name string, creatorId int64) (*types.Room, error) {
	slug := types.Slugify(name)
	if slug == "" {
		return nil, fmt.Errorf("room name %q yields an empty slug", name)
	}
	room := types.Room{}
	err := p.db.Update(func(tx *buntdb.Tx) error {
		if idStr, err := tx.Get("roomslug:" + slug); err == nil {
			return getJSON(tx, "room:"+idStr, &room)
		}
		id, err := nextSeq(tx, "rooms")
		if err != nil {
			return err
		}
		room = types.Room{
			Id:        id,
			Name:      name,
			Slug:      slug,
			CreatorId: creatorId,
			CreatedAt: time.Now(),
		}
		if _, _, err := tx.Set("roomslug:"+slug, strconv.FormatInt(id, 10), nil); err != nil {
			return err
		}
		return setJSON(tx, roomKey(id), &room)
	})
	if err != nil {
		return nil, translateBunt(err)
	}
	return &room, nil
}

func (p *BuntDBPersist) GetRoom(id int64) (*types.Room, error) {
	room := types.Room{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, roomKey(id), &room)
	})
	if err != nil {
		return nil, translateBunt(err)
	}
	return &room, nil
}

func (p *BuntDBPersist) GetRoomBySlug(slug string) (*types.Room, error) {
	room := types.Room{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		idStr, err := tx.Get("roomslug:" + slug)
		if err != nil {
			return err
		}
		return getJSON(tx, "room:"+idStr, &room)
	})
	if err != nil {
		return nil, translateBunt(err)
	}
	return &room, nil
}

func (p *BuntDBPersist) GetRooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		var innerErr error
		tx.AscendKeys("room:*", func(key, val string) bool {
			room := types.Room{}
			if innerErr = json.Unmarshal([]byte(val), &room); innerErr != nil {
				return false
			}
			rooms = append(rooms, &room)
			return true
		})
		return innerErr
	})
	if err != nil {
		return nil, translateBunt(err)
	}
	return rooms, nil
}

func (p *BuntDBPersist) Join(roomId, userId int64) error {
	err := p.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(roomKey(roomId)); err != nil {
			return err
		}
		if _, err := tx.Get(memberKey(roomId, userId)); err == nil {
			// already a member
			return nil
		}
		id, err := nextSeq(tx, "memberships")
		if err != nil {
			return err
		}
		membership := types.Membership{
			Id:       id,
			RoomId:   roomId,
			UserId:   userId,
			JoinedAt: time.Now(),
		}
		return setJSON(tx, memberKey(roomId, userId), &membership)
	})
	return translateBunt(err)
}

func (p *BuntDBPersist) MembersOfRoom(roomId int64) ([]int64, error) {
	userIds := make([]int64, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(roomKey(roomId)); err != nil {
			return err
		}
		var innerErr error
		tx.AscendKeys(fmt.Sprintf("member:%d:*", roomId), func(key, val string) bool {
			membership := types.Membership{}
			if innerErr = json.Unmarshal([]byte(val), &membership); innerErr != nil {
				return false
			}
			userIds = append(userIds, membership.UserId)
			return true
		})
		return innerErr
	})
	if err != nil {
		return nil, translateBunt(err)
	}
	return userIds, nil
}

func (p *BuntDBPersist) RoomsOfUser(userId int64) ([]*types.Room, error) {
	roomIds := make([]int64, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		var innerErr error
		tx.AscendKeys("member:*", func(key, val string) bool {
			membership := types.Membership{}
			if innerErr = json.Unmarshal([]byte(val), &membership); innerErr != nil {
				return false
			}
			if membership.UserId == userId {
				roomIds = append(roomIds, membership.RoomId)
			}
			return true
		})
		return innerErr
	})
	if err != nil {
		return nil, translateBunt(err)
	}
	rooms := make([]*types.Room, 0, len(roomIds))
	for _, id := range roomIds {
		room, err := p.GetRoom(id)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func (p *BuntDBPersist) AppendMessage(msg *types.Message) error {
	err := p.db.Update(func(tx *buntdb.Tx) error {
		id, err := nextSeq(tx, "messages")
		if err != nil {
			return err
		}
		msg.Id = id
		if msg.Type == "" {
			msg.Type = types.MessageTypeText
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		return setJSON(tx, messageKey(msg.RoomId, id), msg)
	})
	return translateBunt(err)
}

func (p *BuntDBPersist) RecentMessages(roomId int64, limit int) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		var innerErr error
		count := 0
		tx.DescendKeys(fmt.Sprintf("message:%d:*", roomId), func(key, val string) bool {
			msg := types.Message{}
			if innerErr = json.Unmarshal([]byte(val), &msg); innerErr != nil {
				return false
			}
			messages = append(messages, &msg)
			count++
			return limit <= 0 || count < limit
		})
		return innerErr
	})
	if err != nil {
		return nil, translateBunt(err)
	}
	return messages, nil
}

func (p *BuntDBPersist) PruneMessagesBefore(cutoff time.Time) (int64, error) {
	var pruned int64
	err := p.db.Update(func(tx *buntdb.Tx) error {
		stale := make([]string, 0)
		var innerErr error
		tx.AscendKeys("message:*", func(key, val string) bool {
			msg := types.Message{}
			if innerErr = json.Unmarshal([]byte(val), &msg); innerErr != nil {
				return false
			}
			if msg.CreatedAt.Before(cutoff) {
				stale = append(stale, key)
			}
			return true
		})
		if innerErr != nil {
			return innerErr
		}
		for _, key := range stale {
			if _, err := tx.Delete(key); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return 0, translateBunt(err)
	}
	return pruned, nil
}

func (p *BuntDBPersist) Close() error {
	return p.db.Close()
}
