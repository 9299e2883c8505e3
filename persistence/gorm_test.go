package persistence

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roomcast/roomcast/config"
	"github.com/roomcast/roomcast/types"
	"github.com/stretchr/testify/require"
)

func newTestPersister(t *testing.T) Persister {
	t.Helper()
	cfg := &config.Config{
		PersistenceConfig: config.PersistenceConfig{
			Type: "sqlite",
			DSN:  filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000",
		},
	}
	p, err := NewGormPersister(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func newTestUser(t *testing.T, p Persister, username string) *types.User {
	t.Helper()
	user := &types.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "x",
		DisplayName:  username,
	}
	require.NoError(t, p.CreateUser(user))
	require.NotZero(t, user.Id)
	return user
}

func TestCreateUserDuplicate(t *testing.T) {
	p := newTestPersister(t)
	newTestUser(t, p, "alice")

	dup := &types.User{Username: "alice", Email: "other@example.com"}
	err := p.CreateUser(dup)
	require.ErrorIs(t, err, ErrDuplicateKey)

	dup = &types.User{Username: "other", Email: "alice@example.com"}
	err = p.CreateUser(dup)
	require.ErrorIs(t, err, ErrDuplicateKey)
}

func TestGetUserByName(t *testing.T) {
	p := newTestPersister(t)
	alice := newTestUser(t, p, "alice")

	got, err := p.GetUserByName("alice")
	require.NoError(t, err)
	require.Equal(t, alice.Id, got.Id)

	_, err = p.GetUserByName("nobody")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateOrGetRoomSameSlug(t *testing.T) {
	p := newTestPersister(t)
	alice := newTestUser(t, p, "alice")

	r1, err := p.CreateOrGetRoom("Team Chat", alice.Id)
	require.NoError(t, err)
	require.Equal(t, "team-chat", r1.Slug)

	// a differently spelled name with the same normalized slug must not
	// create a second room
	r2, err := p.CreateOrGetRoom("team  CHAT!", alice.Id)
	require.NoError(t, err)
	require.Equal(t, r1.Id, r2.Id)
}

// Concurrent create-or-get calls with names normalizing to the same slug race
// on the unique constraint; losers of the insert must retry the lookup and
// land on the winner's row.
func TestCreateOrGetRoomConcurrent(t *testing.T) {
	p := newTestPersister(t)
	alice := newTestUser(t, p, "alice")

	names := []string{"Team Chat", "team chat", "TEAM  CHAT!", "team-chat"}
	ids := make([]int64, len(names)*2)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, err := p.CreateOrGetRoom(names[i%len(names)], alice.Id)
			require.NoError(t, err)
			ids[i] = room.Id
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}

	rooms, err := p.GetRooms()
	require.NoError(t, err)
	require.Len(t, rooms, 1)
}

func TestJoinIdempotent(t *testing.T) {
	p := newTestPersister(t)
	alice := newTestUser(t, p, "alice")
	bob := newTestUser(t, p, "bob")

	room, err := p.CreateOrGetRoom("general", alice.Id)
	require.NoError(t, err)

	require.NoError(t, p.Join(room.Id, alice.Id))
	require.NoError(t, p.Join(room.Id, bob.Id))
	require.NoError(t, p.Join(room.Id, bob.Id))

	members, err := p.MembersOfRoom(room.Id)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{alice.Id, bob.Id}, members)
}

func TestJoinUnknownRoom(t *testing.T) {
	p := newTestPersister(t)
	alice := newTestUser(t, p, "alice")

	err := p.Join(9999, alice.Id)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = p.MembersOfRoom(9999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMessageOrdering(t *testing.T) {
	p := newTestPersister(t)
	alice := newTestUser(t, p, "alice")
	room, err := p.CreateOrGetRoom("general", alice.Id)
	require.NoError(t, err)

	m1 := &types.Message{RoomId: room.Id, SenderId: alice.Id, Content: "m1"}
	m2 := &types.Message{RoomId: room.Id, SenderId: alice.Id, Content: "m2"}
	require.NoError(t, p.AppendMessage(m1))
	require.NoError(t, p.AppendMessage(m2))
	require.Greater(t, m2.Id, m1.Id)

	// newest first from the gateway
	messages, err := p.RecentMessages(room.Id, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "m2", messages[0].Content)
	require.Equal(t, "m1", messages[1].Content)
}

func TestRecentMessagesLimit(t *testing.T) {
	p := newTestPersister(t)
	alice := newTestUser(t, p, "alice")
	room, err := p.CreateOrGetRoom("general", alice.Id)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.AppendMessage(&types.Message{RoomId: room.Id, SenderId: alice.Id, Content: "m"}))
	}
	messages, err := p.RecentMessages(room.Id, 3)
	require.NoError(t, err)
	require.Len(t, messages, 3)
}

func TestRoomsOfUser(t *testing.T) {
	p := newTestPersister(t)
	alice := newTestUser(t, p, "alice")
	bob := newTestUser(t, p, "bob")

	r1, err := p.CreateOrGetRoom("Alpha", alice.Id)
	require.NoError(t, err)
	r2, err := p.CreateOrGetRoom("Beta", alice.Id)
	require.NoError(t, err)
	require.NoError(t, p.Join(r1.Id, alice.Id))
	require.NoError(t, p.Join(r2.Id, alice.Id))
	require.NoError(t, p.Join(r1.Id, bob.Id))

	rooms, err := p.RoomsOfUser(alice.Id)
	require.NoError(t, err)
	require.Len(t, rooms, 2)

	rooms, err = p.RoomsOfUser(bob.Id)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	require.Equal(t, r1.Id, rooms[0].Id)
}

func TestSetUserPresence(t *testing.T) {
	p := newTestPersister(t)
	alice := newTestUser(t, p, "alice")

	seen := time.Now().Add(time.Minute).Truncate(time.Second)
	require.NoError(t, p.SetUserPresence(alice.Id, true, seen))

	got, err := p.GetUser(alice.Id)
	require.NoError(t, err)
	require.True(t, got.Online)
	require.WithinDuration(t, seen, got.LastSeen, time.Second)

	err = p.SetUserPresence(9999, true, seen)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPruneMessagesBefore(t *testing.T) {
	p := newTestPersister(t)
	alice := newTestUser(t, p, "alice")
	room, err := p.CreateOrGetRoom("general", alice.Id)
	require.NoError(t, err)

	old := &types.Message{RoomId: room.Id, SenderId: alice.Id, Content: "old",
		CreatedAt: time.Now().Add(-48 * time.Hour)}
	recent := &types.Message{RoomId: room.Id, SenderId: alice.Id, Content: "recent"}
	require.NoError(t, p.AppendMessage(old))
	require.NoError(t, p.AppendMessage(recent))

	pruned, err := p.PruneMessagesBefore(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	messages, err := p.RecentMessages(room.Id, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "recent", messages[0].Content)
}
