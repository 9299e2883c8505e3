package ws

import (
	"time"

	"github.com/roomcast/roomcast/globals"
	"github.com/roomcast/roomcast/persistence"
	"github.com/roomcast/roomcast/types"
)

// Presence tracks online/offline transitions. SetOnline is called exactly
// once per presence edge (first connection registered, last connection
// removed), never per individual connection; the registry decides the edges.
type Presence struct {
	persister persistence.Persister
	announce  func(*types.Event)
}

func NewPresence(persister persistence.Persister, announce func(*types.Event)) *Presence {
	return &Presence{persister: persister, announce: announce}
}

// SetOnline updates the durable online flag and last-seen timestamp, then
// broadcasts a user_status event to everyone. A storage failure is logged and
// the status event still goes out: presence must never block connection
// cleanup.
func (p *Presence) SetOnline(user *types.User, online bool) {
	now := time.Now()
	if err := p.persister.SetUserPresence(user.Id, online, now); err != nil {
		globals.AppLogger.Warn("could not persist presence", "user", user.Username, "online", online, "error", err)
	}
	user.Online = online
	user.LastSeen = now
	p.announce(types.NewUserStatusEvent(user, online, now))
}

// Touch refreshes the durable last-seen timestamp of a connected user without
// emitting an event.
func (p *Presence) Touch(userId int64) {
	if err := p.persister.SetUserPresence(userId, true, time.Now()); err != nil {
		globals.AppLogger.Warn("could not refresh last-seen", "user_id", userId, "error", err)
	}
}
