package ws

import (
	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/roomcast/roomcast/filter"
	"github.com/roomcast/roomcast/globals"
	"github.com/roomcast/roomcast/types"
)

// matchesFilter evaluates the event's compiled target filter against this
// connection's user. No filter means deliver. A filter that errors or does
// not yield a bool withholds delivery, so a broken filter fails closed.
func (c *Client) matchesFilter(event *types.Event, room *types.Room, program *vm.Program) bool {
	if program == nil {
		return true
	}
	env := filter.Helpers()
	env.Name = event.Name
	env.Created = event.Created.Unix()
	if room != nil {
		env.Room = filter.Room{
			Id:   room.Id,
			Name: room.Name,
			Slug: room.Slug,
			Tags: map[string]string(room.Tags),
		}
	}
	if event.Source != nil {
		env.Source = filter.User{
			Id:       event.Source.Id,
			Username: event.Source.Username,
			Tags:     map[string]string(event.Source.Tags),
			Online:   event.Source.Online,
			LastSeen: event.Source.LastSeen.Unix(),
		}
	}
	env.Target = filter.User{
		Id:       c.user.Id,
		Username: c.user.Username,
		Tags:     map[string]string(c.user.Tags),
		Online:   c.user.Online,
		LastSeen: c.user.LastSeen.Unix(),
	}
	res, err := expr.Run(program, env)
	if err != nil {
		globals.AppLogger.Error("target filter evaluation failed", "filter", event.TargetFilter, "error", err)
		return false
	}
	matches, ok := res.(bool)
	return ok && matches
}
