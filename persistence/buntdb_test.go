package persistence

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/roomcast/roomcast/config"
	"github.com/roomcast/roomcast/types"
	"github.com/stretchr/testify/require"
)

func newBuntTestPersister(t *testing.T) Persister {
	t.Helper()
	cfg := &config.Config{
		PersistenceConfig: config.PersistenceConfig{
			Type: "buntdb",
			DSN:  filepath.Join(t.TempDir(), "test.buntdb"),
		},
	}
	p, err := NewBuntPersister(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestBuntCreateUserDuplicate(t *testing.T) {
	p := newBuntTestPersister(t)
	alice := &types.User{Username: "alice", Email: "alice@example.com"}
	require.NoError(t, p.CreateUser(alice))
	require.NotZero(t, alice.Id)

	err := p.CreateUser(&types.User{Username: "alice", Email: "second@example.com"})
	require.ErrorIs(t, err, ErrDuplicateKey)
}

func TestBuntJoinAndMembers(t *testing.T) {
	p := newBuntTestPersister(t)
	alice := &types.User{Username: "alice", Email: "alice@example.com"}
	require.NoError(t, p.CreateUser(alice))

	room, err := p.CreateOrGetRoom("general", alice.Id)
	require.NoError(t, err)
	require.NoError(t, p.Join(room.Id, alice.Id))
	require.NoError(t, p.Join(room.Id, alice.Id))

	members, err := p.MembersOfRoom(room.Id)
	require.NoError(t, err)
	require.Equal(t, []int64{alice.Id}, members)
}

func TestBuntRecentMessageOrder(t *testing.T) {
	p := newBuntTestPersister(t)
	alice := &types.User{Username: "alice", Email: "alice@example.com"}
	require.NoError(t, p.CreateUser(alice))
	room, err := p.CreateOrGetRoom("general", alice.Id)
	require.NoError(t, err)

	for _, content := range []string{"m1", "m2", "m3"} {
		require.NoError(t, p.AppendMessage(&types.Message{RoomId: room.Id, SenderId: alice.Id, Content: content}))
	}
	messages, err := p.RecentMessages(room.Id, 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "m3", messages[0].Content)
	require.Equal(t, "m2", messages[1].Content)
}

// Concurrent create-or-get calls with names normalizing to the same slug must
// resolve to one room.
func TestBuntCreateOrGetRoomConcurrent(t *testing.T) {
	p := newBuntTestPersister(t)
	alice := &types.User{Username: "alice", Email: "alice@example.com"}
	require.NoError(t, p.CreateUser(alice))

	names := []string{"Team Chat", "team chat", "TEAM  CHAT!", "team-chat"}
	ids := make([]int64, len(names)*4)
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
}
