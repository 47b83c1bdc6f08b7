// Package client mirrors a server's replicated entities into a local world.
package client

import (
	"errors"
	"fmt"

	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/observability/metrics"
	"github.com/zeusync/deltasync/internal/core/protocol"
	"github.com/zeusync/deltasync/internal/core/replication"
	"github.com/zeusync/deltasync/internal/core/tick"
	"github.com/zeusync/deltasync/internal/core/world"
	"github.com/zeusync/deltasync/pkg/sequence"
)

var (
	// ErrRulesMismatch means the server registered different replicated types.
	ErrRulesMismatch = errors.New("replication rules differ from the server's")
	ErrNotConnected  = errors.New("client is not connected")
)

type received struct {
	msg      *protocol.ReplicationMessage
	complete bool
}

// Client applies replication messages to its world. Update must be called from
// the loop that owns the world.
type Client struct {
	world     *world.World
	rules     *replication.Rules
	transport protocol.ClientTransport
	entities  *NetworkEntityMap

	ready      bool
	serverTick tick.Tick
	lastTick   tick.Tick
	hasTick    bool
	pending    *sequence.PriorityQueue[received]

	metrics *metrics.Replication
	logger  log.Log
}

func New(w *world.World, rules *replication.Rules, transport protocol.ClientTransport, logger log.Log) *Client {
	if logger == nil {
		logger = log.Provide()
	}
	return &Client{
		world:     w,
		rules:     rules,
		transport: transport,
		entities:  NewNetworkEntityMap(),
		pending: sequence.NewPriorityQueue(func(a, b received) bool {
			return b.msg.Tick.IsNewerThan(a.msg.Tick)
		}),
		metrics: metrics.New(),
		logger:  logger.With(log.String("component", "replication_client")),
	}
}

// Entities is the server to local entity map.
func (c *Client) Entities() *NetworkEntityMap {
	return c.entities
}

// Ready reports whether the handshake succeeded.
func (c *Client) Ready() bool {
	return c.ready
}

// ServerTick is the server tick reported in the handshake.
func (c *Client) ServerTick() tick.Tick {
	return c.serverTick
}

// LastTick returns the tick of the newest applied message.
func (c *Client) LastTick() (tick.Tick, bool) {
	return c.lastTick, c.hasTick
}

func (c *Client) Stats() metrics.Snapshot {
	return c.metrics.Snapshot()
}

// Update completes the handshake and applies every replication message that
// arrived since the last call, oldest first. It returns an error only when the
// connection is unusable.
func (c *Client) Update() error {
	if !c.ready {
		if err := c.handshake(); err != nil {
			return err
		}
		if !c.ready {
			if !c.transport.IsConnected() {
				return ErrNotConnected
			}
			return nil
		}
	}

	for {
		payload, ok := c.transport.Receive(protocol.ReplicationChannel)
		if !ok {
			break
		}
		msg, err := protocol.DecodeReplication(payload)
		if msg == nil {
			c.metrics.RecordDecodeError()
			c.logger.Warn("Dropping undecodable replication message", log.Error(err))
			continue
		}
		if err != nil {
			c.metrics.RecordDecodeError()
			c.logger.Warn("Applying partially decoded replication message",
				log.Stringer("tick", msg.Tick),
				log.Int("entities", len(msg.Entities)),
				log.Error(err))
		}
		c.pending.Enqueue(received{msg: msg, complete: err == nil})
	}

	for {
		r, ok := c.pending.Dequeue()
		if !ok {
			break
		}
		if c.hasTick && !r.msg.Tick.IsNewerThan(c.lastTick) {
			c.metrics.RecordDropped()
			continue
		}
		c.apply(r.msg)
		c.lastTick, c.hasTick = r.msg.Tick, true
		c.metrics.RecordApplied()

		if r.complete {
			if err := c.transport.Send(protocol.AckChannel, protocol.EncodeAck(protocol.Ack{Tick: r.msg.Tick})); err != nil {
				c.logger.Warn("Failed to send acknowledgement", log.Stringer("tick", r.msg.Tick), log.Error(err))
			}
		}
	}

	if !c.transport.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) handshake() error {
	payload, ok := c.transport.Receive(protocol.ControlChannel)
	if !ok {
		return nil
	}
	hello, err := protocol.DecodeHello(payload)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if hello.Fingerprint != c.rules.Fingerprint() {
		c.logger.Error("Replication rules mismatch",
			log.Uint64("server_fingerprint", hello.Fingerprint),
			log.Uint64("client_fingerprint", c.rules.Fingerprint()))
		_ = c.transport.Close()
		return protocol.NewProtocolError(protocol.ErrorCodeRulesMismatch, "handshake", ErrRulesMismatch)
	}

	c.ready = true
	c.serverTick = hello.Tick
	c.logger.Info("Handshake complete", log.Stringer("server_tick", hello.Tick))
	return nil
}

func (c *Client) apply(msg *protocol.ReplicationMessage) {
	// Despawns go first: an entity that stopped and started replicating again
	// between two acks arrives both despawned and whole, and must survive as
	// a fresh local entity.
	for _, e := range msg.Despawns {
		if local, ok := c.entities.Remove(e); ok {
			c.world.Despawn(local)
		}
	}

	// Map every entity first so references between entities of the same
	// message resolve.
	for _, u := range msg.Entities {
		if _, ok := c.entities.ToClient(u.Entity); ok {
			continue
		}
		local := c.world.Spawn()
		if err := world.Insert(c.world, local, replication.Replication{}); err != nil {
			panic(err)
		}
		c.entities.Insert(u.Entity, local)
	}

	mapper := c.entities.ServerMapper()
	for _, u := range msg.Entities {
		local, _ := c.entities.ToClient(u.Entity)
		for _, r := range u.Removals {
			info, ok := c.rules.Info(r.ID)
			if !ok {
				c.logger.Warn("Unknown replicated type in removal", log.Uint32("replication_id", uint32(r.ID)))
				continue
			}
			info.Remove(c.world, local)
		}
		for _, change := range u.Changes {
			info, ok := c.rules.Info(change.ID)
			if !ok {
				c.logger.Warn("Unknown replicated type in change", log.Uint32("replication_id", uint32(change.ID)))
				continue
			}
			if err := info.Deserialize(c.world, local, change.Data, mapper); err != nil {
				c.logger.Warn("Skipping component that failed to deserialize",
					log.String("type", info.TypeName),
					log.Stringer("entity", u.Entity),
					log.Error(err))
			}
		}
	}
}
