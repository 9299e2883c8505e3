package persistence

import (
	"errors"
	"fmt"
	"time"

	"github.com/roomcast/roomcast/config"
	"github.com/roomcast/roomcast/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	return &GormPersist{db: db}, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, fmt.Errorf("missing persistence dsn")
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	err = db.AutoMigrate(&types.User{}, &types.Room{}, &types.Membership{}, &types.Message{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// translate maps gorm errors onto the gateway taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicateKey
	default:
		return &StorageError{Err: err}
	}
}

func (p *GormPersist) CreateUser(user *types.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	if user.LastSeen.IsZero() {
		user.LastSeen = user.CreatedAt
	}
	return translate(p.db.Create(user).Error)
}

func (p *GormPersist) GetUser(id int64) (*types.User, error) {
	user := types.User{}
	if err := p.db.First(&user, id).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (p *GormPersist) GetUserByName(username string) (*types.User, error) {
	user := types.User{}
	if err := p.db.Where("username = ?", username).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (p *GormPersist) GetUserByEmail(email string) (*types.User, error) {
	user := types.User{}
	if err := p.db.Where("email = ?", email).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (p *GormPersist) StoreUser(user *types.User) error {
	return translate(p.db.Save(user).Error)
}

func (p *GormPersist) SetUserPresence(userId int64, online bool, lastSeen time.Time) error {
	res := p.db.Model(&types.User{}).Where("id = ?", userId).
		Updates(map[string]interface{}{"online": online, "last_seen": lastSeen})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *GormPersist) CreateOrGetRoom(name string, creatorId int64) (*types.Room, error) {
	slug := types.Slugify(name)
	if slug == "" {
		return nil, fmt.Errorf("room name %q yields an empty slug", name)
	}
	// The unique constraint on slug resolves concurrent create-or-get races:
	// the loser of the insert race retries the lookup.
	for attempt := 0; attempt < 2; attempt++ {
		room, err := p.GetRoomBySlug(slug)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		room = &types.Room{
			Name:      name,
			Slug:      slug,
			CreatorId: creatorId,
			CreatedAt: time.Now(),
		}
		err = translate(p.db.Create(room).Error)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, ErrDuplicateKey) {
			return nil, err
		}
	}
	return p.GetRoomBySlug(slug)
}

func (p *GormPersist) GetRoom(id int64) (*types.Room, error) {
	room := types.Room{}
	if err := p.db.First(&room, id).Error; err != nil {
		return nil, translate(err)
	}
	return &room, nil
}

func (p *GormPersist) GetRoomBySlug(slug string) (*types.Room, error) {
	room := types.Room{}
	if err := p.db.Where("slug = ?", slug).First(&room).Error; err != nil {
		return nil, translate(err)
	}
	return &room, nil
}

func (p *GormPersist) GetRooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	if err := p.db.Order("name").Find(&rooms).Error; err != nil {
		return nil, translate(err)
	}
	return rooms, nil
}

func (p *GormPersist) Join(roomId, userId int64) error {
	if _, err := p.GetRoom(roomId); err != nil {
		return err
	}
	membership := types.Membership{
		RoomId:   roomId,
		UserId:   userId,
		JoinedAt: time.Now(),
	}
	err := translate(p.db.Create(&membership).Error)
	if errors.Is(err, ErrDuplicateKey) {
		// already a member, idempotent success
		return nil
	}
	return err
}

func (p *GormPersist) MembersOfRoom(roomId int64) ([]int64, error) {
	if _, err := p.GetRoom(roomId); err != nil {
		return nil, err
	}
	userIds := make([]int64, 0)
	err := p.db.Model(&types.Membership{}).Where("room_id = ?", roomId).
		Order("user_id").Pluck("user_id", &userIds).Error
	if err != nil {
		return nil, translate(err)
	}
	return userIds, nil
}

func (p *GormPersist) RoomsOfUser(userId int64) ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.Joins("JOIN memberships ON memberships.room_id = rooms.id").
		Where("memberships.user_id = ?", userId).
		Order("rooms.name").Find(&rooms).Error
	if err != nil {
		return nil, translate(err)
	}
	return rooms, nil
}

func (p *GormPersist) AppendMessage(msg *types.Message) error {
	if msg.Type == "" {
		msg.Type = types.MessageTypeText
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return translate(p.db.Create(msg).Error)
}

func (p *GormPersist) RecentMessages(roomId int64, limit int) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	q := p.db.Where("room_id = ?", roomId).Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&messages).Error; err != nil {
		return nil, translate(err)
	}
	return messages, nil
}

func (p *GormPersist) PruneMessagesBefore(cutoff time.Time) (int64, error) {
	res := p.db.Where("created_at < ?", cutoff).Delete(&types.Message{})
	if res.Error != nil {
		return 0, translate(res.Error)
	}
	return res.RowsAffected, nil
}

func (p *GormPersist) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
