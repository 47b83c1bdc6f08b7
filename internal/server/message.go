package server

import (
	"errors"
	"fmt"

	"github.com/zeusync/deltasync/internal/core/protocol"
	"github.com/zeusync/deltasync/internal/core/tick"
	"github.com/zeusync/deltasync/internal/core/world"
)

// TickContext is the read-only state of one replication pass, shared by the
// collection and every client's message.
type TickContext struct {
	ThisRun    tick.Tick
	Oldest     tick.Tick
	Candidates []EntityCandidate
	Despawns   []world.Despawned
}

// BuildMessage cuts the candidates down to what a client acknowledged at
// clientTick has not seen yet and serializes the payloads. Components that
// fail to serialize are left out and reported in the joined error; the
// message is still usable.
func BuildMessage(ctx *TickContext, clientTick tick.Tick) (*protocol.ReplicationMessage, error) {
	m := &protocol.ReplicationMessage{Tick: ctx.ThisRun}
	var errs []error

	for i := range ctx.Candidates {
		c := &ctx.Candidates[i]
		update := protocol.EntityUpdate{Entity: c.Entity}

		for _, change := range c.Changed {
			if !change.Ticks.IsChanged(clientTick, ctx.ThisRun) {
				continue
			}
			data, err := change.Info.Serialize(change.Ptr)
			if err != nil {
				errs = append(errs, fmt.Errorf("serialize %s on %s: %w", change.Info.TypeName, c.Entity, err))
				continue
			}
			update.Changes = append(update.Changes, protocol.Change{ID: change.ReplicationID, Data: data})
		}

		for _, removal := range c.Removed {
			if removal.Tick.ChangedSince(clientTick, ctx.ThisRun) {
				update.Removals = append(update.Removals, protocol.Removal{ID: removal.ReplicationID, Tick: removal.Tick})
			}
		}

		if len(update.Changes) > 0 || len(update.Removals) > 0 {
			m.Entities = append(m.Entities, update)
		}
	}

	for _, d := range ctx.Despawns {
		if d.Tick.ChangedSince(clientTick, ctx.ThisRun) {
			m.Despawns = append(m.Despawns, d.Entity)
		}
	}

	return m, errors.Join(errs...)
}
