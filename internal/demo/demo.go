// Package demo holds the counter world shared by cmd/server and cmd/client.
// Both sides must build the same rules and channels for the handshake to
// succeed.
package demo

import (
	"math/rand/v2"

	"github.com/zeusync/deltasync/internal/core/netevent"
	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/protocol"
	"github.com/zeusync/deltasync/internal/core/replication"
	"github.com/zeusync/deltasync/internal/core/world"
)

type Counter struct {
	Value int `json:"value"`
}

// Label names a counter. Only some counters carry one.
type Label struct {
	Name string `json:"name"`
}

// Chat is sent by a client and relayed by the server to everyone else.
type Chat struct {
	Text string `json:"text"`
}

func NewRules(w *world.World) *replication.Rules {
	rules := replication.NewRules(w)
	replication.Replicate[Counter](rules, w)
	replication.Replicate[Label](rules, w, replication.WithStorage[Label](world.StorageSparseSet))
	return rules
}

type Protocol struct {
	Channels *protocol.NetworkChannels
	// ChatUp carries chat from clients, ChatDown carries it back out.
	ChatUp   *netevent.ClientEvent[Chat]
	ChatDown *netevent.ServerEvent[Chat]
}

func NewProtocol(logger log.Log) *Protocol {
	channels := protocol.NewNetworkChannels()
	return &Protocol{
		Channels: channels,
		ChatUp:   netevent.NewClientEvent[Chat](channels, protocol.ReliableOrdered, netevent.WithLogger[Chat](logger)),
		ChatDown: netevent.NewServerEvent[Chat](channels, protocol.ReliableOrdered, netevent.WithLogger[Chat](logger)),
	}
}

// Simulation mutates a fixed population of counters. Each step bumps a
// share of them and, every churnEvery steps, replaces one entity.
type Simulation struct {
	world      *world.World
	rng        *rand.Rand
	entities   []world.Entity
	steps      int
	churnEvery int
}

func NewSimulation(w *world.World, count int, seed uint64) *Simulation {
	s := &Simulation{
		world:      w,
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		entities:   make([]world.Entity, 0, count),
		churnEvery: 20,
	}
	for i := 0; i < count; i++ {
		s.entities = append(s.entities, s.spawn(i))
	}
	return s
}

func (s *Simulation) spawn(i int) world.Entity {
	e := s.world.Spawn()
	mustInsert(s.world, e, Counter{})
	if i%4 == 0 {
		mustInsert(s.world, e, Label{Name: "counter"})
	}
	mustInsert(s.world, e, replication.Replication{})
	return e
}

func mustInsert[T any](w *world.World, e world.Entity, v T) {
	if err := world.Insert(w, e, v); err != nil {
		panic(err)
	}
}

func (s *Simulation) Step() {
	s.steps++
	for i := 0; i < max(1, len(s.entities)/10); i++ {
		e := s.entities[s.rng.IntN(len(s.entities))]
		if c, ok := world.GetMut[Counter](s.world, e); ok {
			c.Value++
		}
	}
	if s.steps%s.churnEvery == 0 {
		i := s.rng.IntN(len(s.entities))
		s.world.Despawn(s.entities[i])
		s.entities[i] = s.spawn(i)
	}
}

func (s *Simulation) Entities() []world.Entity {
	return s.entities
}

// Total sums every counter in w.
func Total(w *world.World) int {
	total := 0
	world.Each(w, func(_ world.Entity, c *Counter) {
		total += c.Value
	})
	return total
}
