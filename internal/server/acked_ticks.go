package server

import (
	"github.com/zeusync/deltasync/internal/core/protocol"
	"github.com/zeusync/deltasync/internal/core/tick"
)

type ackState struct {
	tick  tick.Tick
	acked bool
}

// AckedTicks tracks the last tick each connected client acknowledged and the
// oldest of them. It is owned by the tick loop and not safe for concurrent use.
type AckedTicks struct {
	clients  map[protocol.ClientID]ackState
	unacked  int
	oldest   tick.Tick
	dirty    bool
	hasValue bool
}

func NewAckedTicks() *AckedTicks {
	return &AckedTicks{clients: make(map[protocol.ClientID]ackState)}
}

// Connect starts tracking client. Until its first ack it is bounded by
// tick.Oldest, so it receives everything.
func (a *AckedTicks) Connect(client protocol.ClientID) {
	if _, ok := a.clients[client]; ok {
		return
	}
	a.clients[client] = ackState{}
	a.unacked++
	a.dirty = true
}

// Disconnect drops the client's contribution to the oldest tick.
func (a *AckedTicks) Disconnect(client protocol.ClientID) {
	s, ok := a.clients[client]
	if !ok {
		return
	}
	if !s.acked {
		a.unacked--
	}
	delete(a.clients, client)
	a.dirty = true
}

// Ack records that client has everything up to t. Acks that do not move the
// client forward are ignored and reported as false.
func (a *AckedTicks) Ack(client protocol.ClientID, t tick.Tick) bool {
	s, ok := a.clients[client]
	if !ok {
		return false
	}
	if s.acked && !t.IsNewerThan(s.tick) {
		return false
	}
	if !s.acked {
		a.unacked--
	}
	a.clients[client] = ackState{tick: t, acked: true}
	a.dirty = true
	return true
}

// Get returns the last tick client acknowledged. ok is false for unknown
// clients and for clients that have not acknowledged anything yet.
func (a *AckedTicks) Get(client protocol.ClientID) (tick.Tick, bool) {
	s, found := a.clients[client]
	if !found || !s.acked {
		return 0, false
	}
	return s.tick, true
}

// Bound returns the tick the client's messages are filtered against.
func (a *AckedTicks) Bound(client protocol.ClientID, current tick.Tick) tick.Tick {
	if t, ok := a.Get(client); ok {
		return t
	}
	return tick.Oldest(current)
}

func (a *AckedTicks) Len() int {
	return len(a.clients)
}

// OldestTick returns the bound of the most lagging client, or current when no
// client is connected.
func (a *AckedTicks) OldestTick(current tick.Tick) tick.Tick {
	if len(a.clients) == 0 {
		return current
	}
	if a.unacked > 0 {
		return tick.Oldest(current)
	}
	if a.dirty {
		a.recompute()
	}
	return a.oldest
}

func (a *AckedTicks) recompute() {
	a.hasValue = false
	for _, s := range a.clients {
		if !a.hasValue || a.oldest.IsNewerThan(s.tick) {
			a.oldest = s.tick
			a.hasValue = true
		}
	}
	a.dirty = false
}
