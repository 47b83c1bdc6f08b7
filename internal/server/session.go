package server

import (
	"sync/atomic"
	"time"

	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/protocol"
	"github.com/zeusync/deltasync/internal/core/tick"
)

// ClientSession is the server's record of one connected client. The acked tick
// itself lives in AckedTicks.
type ClientSession struct {
	ID          protocol.ClientID
	ConnectedAt time.Time

	lastSent     atomic.Uint32
	messagesSent atomic.Uint64
	bytesSent    atomic.Uint64
	logger       log.Log
}

func newClientSession(id protocol.ClientID, now time.Time, logger log.Log) *ClientSession {
	return &ClientSession{
		ID:          id,
		ConnectedAt: now,
		logger:      logger.With(log.Uint64("client_id", uint64(id))),
	}
}

// LastSent is the tick of the last replication message sent to the client.
func (s *ClientSession) LastSent() tick.Tick {
	return tick.Tick(s.lastSent.Load())
}

func (s *ClientSession) MessagesSent() uint64 {
	return s.messagesSent.Load()
}

func (s *ClientSession) BytesSent() uint64 {
	return s.bytesSent.Load()
}

func (s *ClientSession) recordSend(t tick.Tick, bytes int) {
	s.lastSent.Store(uint32(t))
	s.messagesSent.Add(1)
	s.bytesSent.Add(uint64(bytes))
}

// ClientStats is a point in time view of one session, safe to hand to other
// goroutines.
type ClientStats struct {
	ID           protocol.ClientID `json:"id"`
	ConnectedAt  time.Time         `json:"connected_at"`
	Acked        bool              `json:"acked"`
	AckedTick    tick.Tick         `json:"acked_tick"`
	LastSent     tick.Tick         `json:"last_sent"`
	MessagesSent uint64            `json:"messages_sent"`
	BytesSent    uint64            `json:"bytes_sent"`
}

// SessionEvent is the payload of the session lifecycle events published on
// the bus.
type SessionEvent struct {
	Client protocol.ClientID
	Reason error
}

const (
	EventClientConnected    = "session.connected"
	EventClientDisconnected = "session.disconnected"
	EventClientRejected     = "session.rejected"

	busSource = "replication_server"
)
