// Package server runs the authoritative side of replication: it tracks client
// acknowledgements, collects what changed since the most lagging client, and
// sends every client its own delta once per tick.
package server

import (
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/deltasync/internal/core/events/bus"
	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/observability/metrics"
	"github.com/zeusync/deltasync/internal/core/protocol"
	"github.com/zeusync/deltasync/internal/core/replication"
	"github.com/zeusync/deltasync/internal/core/tick"
	"github.com/zeusync/deltasync/internal/core/world"
)

// TickMode decides on which frames Update replicates and advances the tick.
type TickMode uint8

const (
	// EveryFrame replicates on every Update.
	EveryFrame TickMode = iota
	// MaxTickRate replicates at most once per TickPolicy.Interval.
	MaxTickRate
	// Manual replicates only after RequestTick.
	Manual
)

func (m TickMode) String() string {
	switch m {
	case EveryFrame:
		return "every_frame"
	case MaxTickRate:
		return "max_tick_rate"
	case Manual:
		return "manual"
	default:
		return "unknown"
	}
}

// ParseTickMode maps a configuration string to a TickMode.
func ParseTickMode(s string) (TickMode, error) {
	switch s {
	case "every_frame", "":
		return EveryFrame, nil
	case "max_tick_rate":
		return MaxTickRate, nil
	case "manual":
		return Manual, nil
	default:
		return 0, fmt.Errorf("tick mode %q: %w", s, ErrInvalidConfig)
	}
}

type TickPolicy struct {
	Mode     TickMode
	Interval time.Duration
}

type Config struct {
	// MaxClients rejects connections beyond this count. Zero means no limit.
	MaxClients int
	TickPolicy TickPolicy
	// Workers bounds how many client messages are built concurrently.
	Workers int
}

func DefaultConfig() Config {
	return Config{
		MaxClients: 64,
		TickPolicy: TickPolicy{Mode: EveryFrame},
		Workers:    4,
	}
}

func (c Config) Validate() error {
	if c.MaxClients < 0 {
		return fmt.Errorf("max clients %d: %w", c.MaxClients, ErrInvalidConfig)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers %d: %w", c.Workers, ErrInvalidConfig)
	}
	if c.TickPolicy.Mode == MaxTickRate && c.TickPolicy.Interval <= 0 {
		return fmt.Errorf("max tick rate needs a positive interval: %w", ErrInvalidConfig)
	}
	return nil
}

type Option func(*Server)

// WithBus publishes session lifecycle events on b.
func WithBus(b bus.EventBus) Option {
	return func(s *Server) {
		s.bus = b
	}
}

// WithClock overrides the wall clock used by MaxTickRate.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// Server owns the replication state of one world. Update must be called from
// the simulation loop, once per frame, after all mutation.
type Server struct {
	world     *world.World
	rules     *replication.Rules
	transport protocol.ServerTransport

	config   Config
	acked    *AckedTicks
	sessions map[protocol.ClientID]*ClientSession
	despawns []world.Despawned

	clock         *tick.Clock
	lastRun       tick.Tick
	hasRun        bool
	lastTickAt    time.Time
	tickRequested bool
	now           func() time.Time

	bus         bus.EventBus
	metrics     *metrics.Replication
	clientStats atomic.Pointer[[]ClientStats]
	logger      log.Log
}

// New prepares w for replication: removals and despawns start being tracked.
func New(w *world.World, rules *replication.Rules, transport protocol.ServerTransport, cfg Config, logger log.Log, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Provide()
	}

	s := &Server{
		world:     w,
		rules:     rules,
		transport: transport,
		config:    cfg,
		acked:     NewAckedTicks(),
		sessions:  make(map[protocol.ClientID]*ClientSession),
		clock:     tick.NewClock(w.ChangeTick()),
		now:       time.Now,
		metrics:   metrics.New(),
		logger:    logger.With(log.String("component", "replication_server")),
	}
	for _, opt := range opts {
		opt(s)
	}

	rules.TrackRemovals(w)
	w.TrackDespawns(true)

	s.logger.Info("Replication server created",
		log.Int("replicated_types", rules.Len()),
		log.Uint64("fingerprint", rules.Fingerprint()),
		log.Stringer("tick_mode", cfg.TickPolicy.Mode))
	return s, nil
}

// Tick returns the tick the next replication pass will carry. Safe to call
// from any goroutine.
func (s *Server) Tick() tick.Tick {
	return s.clock.Current()
}

// RequestTick makes the next Update replicate under the Manual policy.
func (s *Server) RequestTick() {
	s.tickRequested = true
}

func (s *Server) Stats() metrics.Snapshot {
	return s.metrics.Snapshot()
}

// ClientStats returns the sessions as of the end of the last Update. Safe to
// call from any goroutine.
func (s *Server) ClientStats() []ClientStats {
	if p := s.clientStats.Load(); p != nil {
		return *p
	}
	return nil
}

// Clients returns the connected clients in ascending order.
func (s *Server) Clients() []protocol.ClientID {
	ids := make([]protocol.ClientID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Server) Session(id protocol.ClientID) (*ClientSession, bool) {
	session, ok := s.sessions[id]
	return session, ok
}

// AckedTick returns the last tick client acknowledged.
func (s *Server) AckedTick(id protocol.ClientID) (tick.Tick, bool) {
	return s.acked.Get(id)
}

// Disconnect closes the client's connection. Its session is dropped when the
// transport reports the disconnect.
func (s *Server) Disconnect(id protocol.ClientID) error {
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("disconnect %s: %w", id, ErrClientNotFound)
	}
	return s.transport.Disconnect(id)
}

// Update polls the transport and, when the tick policy allows, runs one
// replication pass and advances the world's change tick.
func (s *Server) Update() {
	s.pollConnections()
	s.receiveAcks()

	if s.shouldReplicate() {
		s.replicate()
	}
	s.publishClientStats()
}

func (s *Server) publishClientStats() {
	out := make([]ClientStats, 0, len(s.sessions))
	for _, id := range s.Clients() {
		session := s.sessions[id]
		acked, ok := s.acked.Get(id)
		out = append(out, ClientStats{
			ID:           id,
			ConnectedAt:  session.ConnectedAt,
			Acked:        ok,
			AckedTick:    acked,
			LastSent:     session.LastSent(),
			MessagesSent: session.MessagesSent(),
			BytesSent:    session.BytesSent(),
		})
	}
	s.clientStats.Store(&out)
}

func (s *Server) shouldReplicate() bool {
	switch s.config.TickPolicy.Mode {
	case MaxTickRate:
		return s.lastTickAt.IsZero() || s.now().Sub(s.lastTickAt) >= s.config.TickPolicy.Interval
	case Manual:
		return s.tickRequested
	default:
		return true
	}
}

func (s *Server) pollConnections() {
	for _, ev := range s.transport.PollEvents() {
		switch ev.Type {
		case protocol.ClientConnected:
			s.connect(ev.Client)
		case protocol.ClientDisconnected:
			s.disconnect(ev.Client, ev.Reason)
		}
	}
	s.metrics.SetClients(len(s.sessions))
}

func (s *Server) connect(id protocol.ClientID) {
	if s.config.MaxClients > 0 && len(s.sessions) >= s.config.MaxClients {
		s.logger.Warn("Rejecting client, server full",
			log.Uint64("client_id", uint64(id)),
			log.Int("max_clients", s.config.MaxClients))
		if err := s.transport.Disconnect(id); err != nil {
			s.logger.Warn("Failed to disconnect rejected client", log.Uint64("client_id", uint64(id)), log.Error(err))
		}
		s.publish(EventClientRejected, SessionEvent{Client: id, Reason: ErrMaxClientsReached})
		return
	}

	session := newClientSession(id, s.now(), s.logger)
	s.sessions[id] = session
	s.acked.Connect(id)

	hello := protocol.EncodeHello(protocol.Hello{Fingerprint: s.rules.Fingerprint(), Tick: s.world.ChangeTick()})
	if err := s.transport.Send(id, protocol.ControlChannel, hello); err != nil {
		session.logger.Error("Failed to send hello", log.Error(err))
	}

	session.logger.Info("Client connected")
	s.publish(EventClientConnected, SessionEvent{Client: id})
}

func (s *Server) disconnect(id protocol.ClientID, reason error) {
	session, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	s.acked.Disconnect(id)

	fields := []log.Field{log.Duration("session", s.now().Sub(session.ConnectedAt))}
	if reason != nil {
		fields = append(fields, log.Error(reason))
	}
	session.logger.Info("Client disconnected", fields...)
	s.publish(EventClientDisconnected, SessionEvent{Client: id, Reason: reason})
}

func (s *Server) publish(eventType string, data SessionEvent) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(bus.NewEvent(eventType, busSource, data)); err != nil {
		s.logger.Warn("Session event handler failed", log.String("event", eventType), log.Error(err))
	}
}

func (s *Server) receiveAcks() {
	current := s.world.ChangeTick()
	for id, session := range s.sessions {
		for {
			payload, ok := s.transport.Receive(id, protocol.AckChannel)
			if !ok {
				break
			}
			if err := s.ack(id, payload, current); err != nil {
				s.metrics.RecordAck(false)
				session.logger.Debug("Ignoring acknowledgement", log.Error(err))
				continue
			}
			s.metrics.RecordAck(true)
		}
	}
}

func (s *Server) ack(id protocol.ClientID, payload []byte, current tick.Tick) error {
	ack, err := protocol.DecodeAck(payload)
	if err != nil {
		return err
	}
	if !current.IsNewerThan(ack.Tick) {
		return fmt.Errorf("ack %s at %s: %w", ack.Tick, current, ErrFutureAck)
	}
	if !s.acked.Ack(id, ack.Tick) {
		return fmt.Errorf("ack %s: %w", ack.Tick, ErrStaleAck)
	}
	return nil
}

func (s *Server) replicate() {
	start := s.now()
	w := s.world
	thisRun := w.ChangeTick()

	replication.InsertTrackers(w, s.rules)
	replication.DetectRemovals(w, s.rules)
	s.collectDespawns(thisRun)
	since := tick.Oldest(thisRun)
	if s.hasRun {
		since = s.lastRun
	}
	if n := replication.MarkStarted(w, s.rules, since); n > 0 {
		s.logger.Debug("Entities started replicating", log.Int("count", n))
	}

	oldest := s.acked.OldestTick(thisRun)
	ctx := &TickContext{
		ThisRun:  thisRun,
		Oldest:   oldest,
		Despawns: s.despawns,
	}
	if len(s.sessions) > 0 {
		ctx.Candidates = CollectCandidates(w.View(), s.rules, thisRun, oldest)
		s.metrics.RecordTick(len(ctx.Candidates), s.now().Sub(start))
		s.sendAll(ctx)
	}

	replication.PruneRemovals(w, oldest, thisRun)
	s.pruneDespawns(oldest, thisRun)
	if w.CheckChangeTicks(thisRun) {
		s.logger.Debug("Clamped change ticks", log.Stringer("tick", thisRun))
	}

	s.lastRun, s.hasRun = thisRun, true
	s.clock.Set(w.IncrementChangeTick())
	s.lastTickAt = start
	s.tickRequested = false
}

// collectDespawns records replicated entities that were despawned or lost
// their marker since the last pass.
func (s *Server) collectDespawns(thisRun tick.Tick) {
	markerID := s.rules.MarkerID()
	for _, d := range s.world.DrainDespawned() {
		if d.Has(markerID) {
			s.despawns = append(s.despawns, d)
		}
	}
	for _, e := range s.world.DrainRemoved(markerID) {
		if s.world.IsAlive(e) && !s.world.Has(e, markerID) {
			s.despawns = append(s.despawns, world.Despawned{Entity: e, Tick: thisRun})
		}
	}
}

func (s *Server) pruneDespawns(oldest, thisRun tick.Tick) {
	s.despawns = slices.DeleteFunc(s.despawns, func(d world.Despawned) bool {
		return !d.Tick.ChangedSince(oldest, thisRun)
	})
}

func (s *Server) sendAll(ctx *TickContext) {
	var g errgroup.Group
	g.SetLimit(s.config.Workers)

	for id, session := range s.sessions {
		bound := s.acked.Bound(id, ctx.ThisRun)
		g.Go(func() error {
			s.send(session, ctx, bound)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Server) send(session *ClientSession, ctx *TickContext, bound tick.Tick) {
	msg, err := BuildMessage(ctx, bound)
	if err != nil {
		s.metrics.RecordSerializeErrors(countJoined(err))
		session.logger.Error("Skipped components that failed to serialize", log.Error(err))
	}

	payload := protocol.EncodeReplication(msg)
	if err := s.transport.Send(session.ID, protocol.ReplicationChannel, payload); err != nil {
		s.metrics.RecordSendError()
		session.logger.Warn("Failed to send replication message",
			log.Stringer("tick", ctx.ThisRun),
			log.Error(err))
		return
	}
	session.recordSend(ctx.ThisRun, len(payload))
	s.metrics.RecordSend(len(payload))
}

func countJoined(err error) int {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}
