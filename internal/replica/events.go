package replica

import (
	"time"

	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/principal"
)

// EventKind names a replica event.
type EventKind string

const (
	EventMessage           EventKind = "message.completed"
	EventCanisterCreated   EventKind = "canister.created"
	EventCanisterInstalled EventKind = "canister.installed"
	EventCanisterDeleted   EventKind = "canister.deleted"
	EventCanisterEvicted   EventKind = "canister.evicted"
	EventClean             EventKind = "replica.cleaned"
)

// Event reports a state change. Message is a copy of a terminal message.
type Event struct {
	Kind     EventKind           `json:"kind"`
	Canister principal.Principal `json:"canister,omitzero"`
	Message  *models.Message     `json:"message,omitempty"`
	Time     time.Time           `json:"time"`
}

// Observer receives events synchronously while the replica lock is held. It
// must not call back into the replica.
type Observer func(Event)

// Subscribe registers o for every future event.
func (r *Replica) Subscribe(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

func (r *Replica) notify(ev Event) {
	ev.Time = r.cfg.Clock()
	if ev.Message != nil {
		cp := *ev.Message
		ev.Message = &cp
		if ev.Canister.Len() == 0 {
			ev.Canister = cp.Target
		}
	}
	for _, o := range r.observers {
		o(ev)
	}
}
