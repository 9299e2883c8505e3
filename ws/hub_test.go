package ws

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/roomcast/roomcast/config"
	"github.com/roomcast/roomcast/persistence"
	"github.com/roomcast/roomcast/types"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	cfg := &config.Config{
		PersistenceConfig: config.PersistenceConfig{Type: "buntdb", DSN: ":memory:"},
		HistoryConfig:     config.HistoryConfig{HistorySize: 50},
	}
	p, err := persistence.NewPersister(cfg)
	require.NoError(t, err)
	h := NewHub(cfg, p)
	go h.Run()
	t.Cleanup(func() {
		h.Stop()
		p.Close()
	})
	return h
}

func makeUser(t *testing.T, h *Hub, username string) *types.User {
	t.Helper()
	user := &types.User{Username: username, Email: username + "@example.com"}
	require.NoError(t, h.Persister.CreateUser(user))
	return user
}

func attach(t *testing.T, h *Hub, user *types.User) *Client {
	t.Helper()
	c := NewClient(h, nil, user)
	h.Attach(c)
	return c
}

// recvNamed drains the client's Send channel until an envelope with the given
// event name arrives.
func recvNamed(t *testing.T, c *Client, name string) types.WebsocketMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data, ok := <-c.Send:
			require.True(t, ok, "Send closed while waiting for %s", name)
			envelope := types.WebsocketMessage{}
			require.NoError(t, json.Unmarshal(data, &envelope))
			if envelope.Event == name {
				return envelope
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

// expectNone asserts that no envelope with the given event name arrives
// within the grace period.
func expectNone(t *testing.T, c *Client, name string) {
	t.Helper()
	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case data, ok := <-c.Send:
			if !ok {
				return
			}
			envelope := types.WebsocketMessage{}
			require.NoError(t, json.Unmarshal(data, &envelope))
			require.NotEqual(t, name, envelope.Event)
		case <-deadline:
			return
		}
	}
}

func recvStatus(t *testing.T, c *Client, userId int64) types.UserStatusPayload {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data, ok := <-c.Send:
			require.True(t, ok, "Send closed while waiting for user_status")
			envelope := types.WebsocketMessage{}
			require.NoError(t, json.Unmarshal(data, &envelope))
			if envelope.Event != types.EventNameUserStatus {
				continue
			}
			payload := types.UserStatusPayload{}
			require.NoError(t, json.Unmarshal(envelope.Data, &payload))
			if payload.UserId == userId {
				return payload
			}
		case <-deadline:
			t.Fatalf("timed out waiting for user_status of %d", userId)
		}
	}
}

func TestBroadcastReachesOnlyMembers(t *testing.T) {
	h := newTestHub(t)
	alice := makeUser(t, h, "alice")
	bob := makeUser(t, h, "bob")
	eve := makeUser(t, h, "eve")

	room, err := h.JoinRoom(alice, "Team Chat")
	require.NoError(t, err)
	_, err = h.JoinRoom(bob, "Team Chat")
	require.NoError(t, err)

	aliceConn := attach(t, h, alice)
	bobConn := attach(t, h, bob)
	eveConn := attach(t, h, eve)

	_, err = h.SendMessage(alice, room.Id, "hello", "")
	require.NoError(t, err)

	for _, c := range []*Client{aliceConn, bobConn} {
		envelope := recvNamed(t, c, types.EventNameNewMessage)
		payload := types.NewMessagePayload{}
		require.NoError(t, json.Unmarshal(envelope.Data, &payload))
		require.Equal(t, "hello", payload.Content)
		require.Equal(t, "alice", payload.Sender)
		require.Equal(t, types.MessageTypeText, payload.ContentType)
		require.NotZero(t, payload.Id)
	}
	expectNone(t, eveConn, types.EventNameNewMessage)
}

func TestJoinTwiceSingleDelivery(t *testing.T) {
	h := newTestHub(t)
	alice := makeUser(t, h, "alice")
	bob := makeUser(t, h, "bob")

	room, err := h.JoinRoom(alice, "general")
	require.NoError(t, err)
	_, err = h.JoinRoom(bob, "general")
	require.NoError(t, err)
	again, err := h.JoinRoom(bob, "General")
	require.NoError(t, err)
	require.Equal(t, room.Id, again.Id, "equivalent names must resolve to one room")

	bobConn := attach(t, h, bob)
	_, err = h.SendMessage(alice, room.Id, "once", "")
	require.NoError(t, err)

	recvNamed(t, bobConn, types.EventNameNewMessage)
	expectNone(t, bobConn, types.EventNameNewMessage)
}

func TestPresenceEdgesBroadcastOnce(t *testing.T) {
	h := newTestHub(t)
	alice := makeUser(t, h, "alice")
	bob := makeUser(t, h, "bob")

	bobConn := attach(t, h, bob)
	recvStatus(t, bobConn, bob.Id) // bob's own online event

	conn1 := attach(t, h, alice)
	status := recvStatus(t, bobConn, alice.Id)
	require.True(t, status.Online)

	// a second connection of the same user is not a presence edge
	conn2 := attach(t, h, alice)
	expectNone(t, bobConn, types.EventNameUserStatus)

	// dropping one of two connections is not an edge either
	h.Detach(conn1)
	expectNone(t, bobConn, types.EventNameUserStatus)

	h.Detach(conn2)
	status = recvStatus(t, bobConn, alice.Id)
	require.False(t, status.Online)

	stored, err := h.Persister.GetUser(alice.Id)
	require.NoError(t, err)
	require.False(t, stored.Online)
	require.False(t, stored.LastSeen.IsZero())
}

func TestTypingExcludesTypist(t *testing.T) {
	h := newTestHub(t)
	alice := makeUser(t, h, "alice")
	bob := makeUser(t, h, "bob")
	room, err := h.JoinRoom(alice, "pair")
	require.NoError(t, err)
	_, err = h.JoinRoom(bob, "pair")
	require.NoError(t, err)

	aliceConn := attach(t, h, alice)
	bobConn := attach(t, h, bob)

	h.Typing(alice, room.Id)

	envelope := recvNamed(t, bobConn, types.EventNameTyping)
	payload := types.TypingPayload{}
	require.NoError(t, json.Unmarshal(envelope.Data, &payload))
	require.Equal(t, alice.Id, payload.UserId)
	expectNone(t, aliceConn, types.EventNameTyping)
}

func TestSendMessageRequiresMembership(t *testing.T) {
	h := newTestHub(t)
	alice := makeUser(t, h, "alice")
	eve := makeUser(t, h, "eve")
	room, err := h.JoinRoom(alice, "private-ish")
	require.NoError(t, err)

	_, err = h.SendMessage(eve, room.Id, "let me in", "")
	require.Error(t, err)

	_, err = h.SendMessage(alice, 9999, "void", "")
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestHistoryChronologicalAndLimited(t *testing.T) {
	h := newTestHub(t)
	alice := makeUser(t, h, "alice")
	room, err := h.JoinRoom(alice, "log")
	require.NoError(t, err)

	for _, content := range []string{"one", "two", "three"} {
		msg := &types.Message{RoomId: room.Id, SenderId: alice.Id, Content: content, Type: types.MessageTypeText}
		require.NoError(t, h.Persister.AppendMessage(msg))
	}

	messages, err := h.History(room.Id, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	require.Equal(t, "one", messages[0].Content)
	require.Equal(t, "three", messages[2].Content)

	messages, err = h.History(room.Id, 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "two", messages[0].Content)
	require.Equal(t, "three", messages[1].Content)
}

// A connection that stops draining its Send buffer is pruned instead of
// blocking the fan-out, and its user goes offline.
func TestSlowConnectionPruned(t *testing.T) {
	h := newTestHub(t)
	alice := makeUser(t, h, "alice")
	room, err := h.JoinRoom(alice, "firehose")
	require.NoError(t, err)

	c := attach(t, h, alice)
	// nobody reads c.Send
	for i := 0; i <= sendChannelSize+1; i++ {
		_, err := h.SendMessage(alice, room.Id, "flood", "")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return h.Registry.NumConnections() == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		stored, err := h.Persister.GetUser(alice.Id)
		return err == nil && !stored.Online
	}, 5*time.Second, 10*time.Millisecond)

	// Send must have been closed by the cleanup path
	drainDeadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Send:
			if !ok {
				return
			}
		case <-drainDeadline:
			t.Fatal("Send was not closed after pruning")
		}
	}
}

// During shutdown a pump's Detach may close a connection's Send inline while
// the run loop still holds a member snapshot taken before the close. Delivery
// to such a connection must be dropped, never panic.
func TestStopDuringFanoutDelivery(t *testing.T) {
	h := newTestHub(t)
	alice := makeUser(t, h, "alice")
	c := NewClient(h, nil, alice)
	h.Registry.Register(c)
	snapshot := h.Registry.ConnectionsOf(alice.Id)
	require.Len(t, snapshot, 1)

	h.Stop()
	h.Detach(c) // loop is stopping, cleanup runs inline

	require.NotPanics(t, func() {
		h.deliver(snapshot[0], []byte(`{"event":"typing","data":{}}`))
	})
	require.Equal(t, 0, h.Registry.NumConnections())
}

func TestSendMessageAfterStopDoesNotBlock(t *testing.T) {
	cfg := &config.Config{
		PersistenceConfig: config.PersistenceConfig{Type: "buntdb", DSN: ":memory:"},
		HistoryConfig:     config.HistoryConfig{HistorySize: 50},
	}
	p, err := persistence.NewPersister(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	h := NewHub(cfg, p) // run loop never started, nothing drains the backlog

	alice := &types.User{Username: "alice", Email: "alice@example.com"}
	require.NoError(t, p.CreateUser(alice))
	room, err := h.JoinRoom(alice, "general")
	require.NoError(t, err)

	for i := 0; i < broadcastChannelSize; i++ {
		h.BroadcastRoom <- &types.Event{Name: types.EventNameTyping}
	}
	h.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := h.SendMessage(alice, room.Id, "hi", "")
		require.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SendMessage blocked on a full broadcast backlog after Stop")
	}
}

func TestHistoryBoundedWithoutConfiguredSize(t *testing.T) {
	cfg := &config.Config{
		PersistenceConfig: config.PersistenceConfig{Type: "buntdb", DSN: ":memory:"},
	}
	p, err := persistence.NewPersister(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	h := NewHub(cfg, p)

	alice := &types.User{Username: "alice", Email: "alice@example.com"}
	require.NoError(t, p.CreateUser(alice))
	room, err := h.JoinRoom(alice, "log")
	require.NoError(t, err)

	for i := 1; i <= defaultHistoryLimit+10; i++ {
		msg := &types.Message{RoomId: room.Id, SenderId: alice.Id, Content: fmt.Sprintf("m%d", i)}
		require.NoError(t, p.AppendMessage(msg))
	}

	messages, err := h.History(room.Id, 0)
	require.NoError(t, err)
	require.Len(t, messages, defaultHistoryLimit)
	// the newest window, oldest first
	require.Equal(t, "m11", messages[0].Content)
	require.Equal(t, fmt.Sprintf("m%d", defaultHistoryLimit+10), messages[len(messages)-1].Content)
}

func TestStopTearsDownConnections(t *testing.T) {
	h := newTestHub(t)
	alice := makeUser(t, h, "alice")
	c := attach(t, h, alice)
	recvStatus(t, c, alice.Id)

	h.Stop()

	require.Eventually(t, func() bool {
		return h.Registry.NumConnections() == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		stored, err := h.Persister.GetUser(alice.Id)
		return err == nil && !stored.Online
	}, 5*time.Second, 10*time.Millisecond)
}
