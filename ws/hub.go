package ws

import (
	"fmt"
	"sync"
	"time"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	lru "github.com/hashicorp/golang-lru"
	"github.com/robfig/cron/v3"
	"github.com/roomcast/roomcast/config"
	"github.com/roomcast/roomcast/filter"
	"github.com/roomcast/roomcast/globals"
	"github.com/roomcast/roomcast/persistence"
	"github.com/roomcast/roomcast/types"
)

const (
	broadcastChannelSize = 1000
	sendChannelSize      = 256
	membershipCacheSize  = 512
	roomCacheSize        = 512

	lastSeenFlushSpec = "@every 1m"
	retentionSpec     = "@daily"

	defaultHistoryLimit = 50
)

// Hub owns the fan-out loop. Registration, unregistration and broadcasts are
// serialized through its channels into the single Run goroutine, which is the
// only place Send channels are closed, so delivery order per connection
// matches publish order and a connection is never written after close from
// the fan-out path.
type Hub struct {
	cfg       *config.Config
	Persister persistence.Persister
	Registry  *Registry
	Presence  *Presence

	register      chan *Client
	unregister    chan *Client
	BroadcastRoom chan *types.Event
	BroadcastAll  chan *types.Event

	members *lru.Cache
	rooms   *lru.Cache

	done     chan struct{}
	stopOnce sync.Once
}

func NewHub(cfg *config.Config, persister persistence.Persister) *Hub {
	members, _ := lru.New(membershipCacheSize)
	rooms, _ := lru.New(roomCacheSize)
	h := &Hub{
		cfg:           cfg,
		Persister:     persister,
		Registry:      NewRegistry(),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		BroadcastRoom: make(chan *types.Event, broadcastChannelSize),
		BroadcastAll:  make(chan *types.Event, broadcastChannelSize),
		members:       members,
		rooms:         rooms,
		done:          make(chan struct{}),
	}
	h.Presence = NewPresence(persister, h.enqueueAll)
	return h
}

// Run is the hub main loop. It must run in exactly one goroutine.
func (h *Hub) Run() {
	cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := cronRunner.AddFunc(lastSeenFlushSpec, h.flushLastSeen); err != nil {
		globals.AppLogger.Error("could not schedule last-seen flush", "error", err)
	}
	if h.cfg.HistoryConfig.RetentionDays > 0 {
		if _, err := cronRunner.AddFunc(retentionSpec, h.pruneHistory); err != nil {
			globals.AppLogger.Error("could not schedule retention pruning", "error", err)
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	for {
		select {
		case <-h.done:
			h.shutdown()
			return

		case c := <-h.register:
			first := h.Registry.Register(c)
			globals.AppLogger.Debug("connection registered", "user", c.user.Username, "conn", c.connId, "first", first)
			if first {
				h.Presence.SetOnline(c.user, true)
			}

		case c := <-h.unregister:
			h.removeClient(c)

		case event := <-h.BroadcastRoom:
			h.fanOutRoom(event)

		case event := <-h.BroadcastAll:
			h.fanOutAll(event)
		}
	}
}

// Stop ends the run loop. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Attach hands a new connection to the run loop.
func (h *Hub) Attach(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Detach removes a connection. If the run loop has already stopped the
// cleanup happens inline, so connection teardown completes even mid-shutdown.
func (h *Hub) Detach(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		h.removeClient(c)
	}
}

// removeClient is the single cleanup path shared by explicit detach, slow
// consumer pruning and shutdown. The registry's existed flag makes the close
// and the offline edge happen exactly once per connection, no matter how many
// paths race.
func (h *Hub) removeClient(c *Client) {
	existed, last := h.Registry.Unregister(c)
	if !existed {
		return
	}
	close(c.Send)
	globals.AppLogger.Debug("connection removed", "user", c.user.Username, "conn", c.connId, "last", last)
	if last {
		h.Presence.SetOnline(c.user, false)
	}
}

// enqueueAll queues a global event without ever blocking. It is called from
// inside the run loop (presence edges), where blocking on the hub's own
// channel would deadlock.
func (h *Hub) enqueueAll(event *types.Event) {
	select {
	case h.BroadcastAll <- event:
	default:
		globals.AppLogger.Warn("broadcast backlog full, dropping event", "event", event.Name, "id", event.Id)
	}
}

func (h *Hub) fanOutRoom(event *types.Event) {
	members, err := h.MembersOf(event.RoomId)
	if err != nil {
		globals.AppLogger.Error("could not resolve room members, dropping event", "room", event.RoomId, "event", event.Name, "error", err)
		return
	}
	data, err := event.MarshalWire()
	if err != nil {
		globals.AppLogger.Error("could not marshal event", "event", event.Name, "error", err)
		return
	}
	program := h.compileFilter(event)
	room := h.roomInfo(event.RoomId)
	for _, userId := range members {
		for _, c := range h.Registry.ConnectionsOf(userId) {
			if !c.matchesFilter(event, room, program) {
				continue
			}
			h.deliver(c, data)
		}
	}
}

func (h *Hub) fanOutAll(event *types.Event) {
	data, err := event.MarshalWire()
	if err != nil {
		globals.AppLogger.Error("could not marshal event", "event", event.Name, "error", err)
		return
	}
	program := h.compileFilter(event)
	for _, userId := range h.Registry.Users() {
		for _, c := range h.Registry.ConnectionsOf(userId) {
			if !c.matchesFilter(event, nil, program) {
				continue
			}
			h.deliver(c, data)
		}
	}
}

func (h *Hub) compileFilter(event *types.Event) *vm.Program {
	if event.TargetFilter == "" {
		return nil
	}
	program, err := expr.Compile(event.TargetFilter, expr.Env(filter.Env{}))
	if err != nil {
		globals.AppLogger.Error("could not compile target filter, delivering unfiltered", "filter", event.TargetFilter, "error", err)
		return nil
	}
	return program
}

// deliver hands the serialized event to one connection. A full Send buffer
// means the consumer stopped draining; the connection is pruned instead of
// stalling the fan-out for everyone else. During shutdown a pump's Detach can
// close Send inline between the member snapshot and this send, so the send is
// recover-guarded like the client's direct replies.
func (h *Hub) deliver(c *Client, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			globals.AppLogger.Debug("delivery raced connection teardown", "user", c.user.Username, "conn", c.connId)
		}
	}()
	select {
	case c.Send <- data:
	default:
		globals.AppLogger.Warn("send buffer full, pruning connection", "user", c.user.Username, "conn", c.connId)
		if c.conn != nil {
			c.conn.Close()
		}
		h.removeClient(c)
	}
}

// shutdown tears down every remaining connection so offline presence is
// persisted before the process exits.
func (h *Hub) shutdown() {
	for _, c := range h.Registry.Clients() {
		if c.conn != nil {
			c.conn.Close()
		}
		h.removeClient(c)
	}
}

// MembersOf returns the user ids of a room's members, via the LRU cache.
func (h *Hub) MembersOf(roomId int64) ([]int64, error) {
	if cached, ok := h.members.Get(roomId); ok {
		return cached.([]int64), nil
	}
	members, err := h.Persister.MembersOfRoom(roomId)
	if err != nil {
		return nil, err
	}
	h.members.Add(roomId, members)
	return members, nil
}

func (h *Hub) roomInfo(roomId int64) *types.Room {
	if roomId == 0 {
		return nil
	}
	if cached, ok := h.rooms.Get(roomId); ok {
		return cached.(*types.Room)
	}
	room, err := h.Persister.GetRoom(roomId)
	if err != nil {
		globals.AppLogger.Debug("could not load room for filter env", "room", roomId, "error", err)
		return nil
	}
	h.rooms.Add(roomId, room)
	return room
}

// JoinRoom creates the room if needed (concurrent equivalent names resolve to
// one room) and adds the user as a member. Joining twice is a no-op.
func (h *Hub) JoinRoom(user *types.User, name string) (*types.Room, error) {
	room, err := h.Persister.CreateOrGetRoom(name, user.Id)
	if err != nil {
		return nil, err
	}
	if err := h.Persister.Join(room.Id, user.Id); err != nil {
		return nil, err
	}
	h.members.Remove(room.Id)
	return room, nil
}

// SendMessage persists a message and queues its fan-out. The persister
// assigns id and timestamp, so the durable order and the broadcast order
// agree. Posting to a room the sender has not joined is rejected.
func (h *Hub) SendMessage(user *types.User, roomId int64, content, contentType string) (*types.Message, error) {
	members, err := h.MembersOf(roomId)
	if err != nil {
		return nil, err
	}
	isMember := false
	for _, userId := range members {
		if userId == user.Id {
			isMember = true
			break
		}
	}
	if !isMember {
		return nil, fmt.Errorf("not a member of room %d", roomId)
	}
	if contentType == "" {
		contentType = types.MessageTypeText
	}
	msg := &types.Message{
		RoomId:   roomId,
		SenderId: user.Id,
		Content:  content,
		Type:     contentType,
	}
	if err := h.Persister.AppendMessage(msg); err != nil {
		return nil, err
	}
	select {
	case h.BroadcastRoom <- types.NewMessageEvent(msg, user):
	case <-h.done:
	}
	return msg, nil
}

// Typing queues a typing indicator for the room. Fire-and-forget, never
// persisted.
func (h *Hub) Typing(user *types.User, roomId int64) {
	select {
	case h.BroadcastRoom <- types.NewTypingEvent(user, roomId):
	case <-h.done:
	}
}

// History returns up to limit messages of a room in chronological order. A
// non-positive limit falls back to the configured history size, or to a hard
// default so the query is always bounded.
func (h *Hub) History(roomId int64, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = h.cfg.HistoryConfig.HistorySize
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	messages, err := h.Persister.RecentMessages(roomId, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (h *Hub) flushLastSeen() {
	for _, userId := range h.Registry.Users() {
		h.Presence.Touch(userId)
	}
}

func (h *Hub) pruneHistory() {
	cutoff := time.Now().AddDate(0, 0, -h.cfg.HistoryConfig.RetentionDays)
	pruned, err := h.Persister.PruneMessagesBefore(cutoff)
	if err != nil {
		globals.AppLogger.Error("retention pruning failed", "error", err)
		return
	}
	if pruned > 0 {
		globals.AppLogger.Info("pruned expired messages", "count", pruned, "cutoff", cutoff)
	}
}
