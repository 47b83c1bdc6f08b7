// Package metrics keeps the replication counters of a server or client. All
// updates are atomic; Snapshot may be called from any goroutine.
package metrics

import (
	"sync/atomic"
	"time"
)

type Replication struct {
	ticks            atomic.Uint64
	messagesSent     atomic.Uint64
	bytesSent        atomic.Uint64
	sendErrors       atomic.Uint64
	serializeErrors  atomic.Uint64
	messagesApplied  atomic.Uint64
	messagesDropped  atomic.Uint64
	decodeErrors     atomic.Uint64
	acksReceived     atomic.Uint64
	acksRejected     atomic.Uint64
	candidates       atomic.Int64
	clients          atomic.Int64
	lastCollectNanos atomic.Int64
}

func New() *Replication {
	return &Replication{}
}

// RecordTick notes one replication pass that collected n entity candidates.
func (r *Replication) RecordTick(candidates int, collect time.Duration) {
	r.ticks.Add(1)
	r.candidates.Store(int64(candidates))
	r.lastCollectNanos.Store(int64(collect))
}

func (r *Replication) RecordSend(bytes int) {
	r.messagesSent.Add(1)
	r.bytesSent.Add(uint64(bytes))
}

func (r *Replication) RecordSendError() {
	r.sendErrors.Add(1)
}

func (r *Replication) RecordSerializeErrors(n int) {
	r.serializeErrors.Add(uint64(n))
}

func (r *Replication) RecordApplied() {
	r.messagesApplied.Add(1)
}

// RecordDropped counts messages discarded as stale.
func (r *Replication) RecordDropped() {
	r.messagesDropped.Add(1)
}

func (r *Replication) RecordDecodeError() {
	r.decodeErrors.Add(1)
}

func (r *Replication) RecordAck(accepted bool) {
	if accepted {
		r.acksReceived.Add(1)
		return
	}
	r.acksRejected.Add(1)
}

func (r *Replication) SetClients(n int) {
	r.clients.Store(int64(n))
}

type Snapshot struct {
	Ticks               uint64        `json:"ticks"`
	MessagesSent        uint64        `json:"messages_sent"`
	BytesSent           uint64        `json:"bytes_sent"`
	SendErrors          uint64        `json:"send_errors"`
	SerializationErrors uint64        `json:"serialization_errors"`
	MessagesApplied     uint64        `json:"messages_applied"`
	MessagesDropped     uint64        `json:"messages_dropped"`
	DecodeErrors        uint64        `json:"decode_errors"`
	AcksReceived        uint64        `json:"acks_received"`
	AcksRejected        uint64        `json:"acks_rejected"`
	Candidates          int64         `json:"candidates"`
	Clients             int64         `json:"clients"`
	LastCollect         time.Duration `json:"last_collect"`
}

func (r *Replication) Snapshot() Snapshot {
	return Snapshot{
		Ticks:               r.ticks.Load(),
		MessagesSent:        r.messagesSent.Load(),
		BytesSent:           r.bytesSent.Load(),
		SendErrors:          r.sendErrors.Load(),
		SerializationErrors: r.serializeErrors.Load(),
		MessagesApplied:     r.messagesApplied.Load(),
		MessagesDropped:     r.messagesDropped.Load(),
		DecodeErrors:        r.decodeErrors.Load(),
		AcksReceived:        r.acksReceived.Load(),
		AcksRejected:        r.acksRejected.Load(),
		Candidates:          r.candidates.Load(),
		Clients:             r.clients.Load(),
		LastCollect:         time.Duration(r.lastCollectNanos.Load()),
	}
}
