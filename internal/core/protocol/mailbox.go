package protocol

import (
	"sync"

	"github.com/zeusync/deltasync/pkg/sequence"
)

// DefaultMailboxLimit bounds each channel queue of a Mailbox.
const DefaultMailboxLimit = 4096

// Mailbox buffers received payloads per channel until the tick loop polls
// them. Transport read goroutines push, the tick loop pops.
type Mailbox struct {
	mu     sync.Mutex
	queues map[ChannelID]*sequence.Queue[[]byte]
	limit  int
}

func NewMailbox(limit int) *Mailbox {
	if limit <= 0 {
		limit = DefaultMailboxLimit
	}
	return &Mailbox{
		queues: make(map[ChannelID]*sequence.Queue[[]byte]),
		limit:  limit,
	}
}

// Push queues payload on channel. A full queue rejects it with ErrChannelFull.
func (m *Mailbox) Push(channel ChannelID, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[channel]
	if !ok {
		q = sequence.NewQueue[[]byte](16)
		m.queues[channel] = q
	}
	if q.Len() >= m.limit {
		return ErrChannelFull
	}
	q.Enqueue(payload)
	return nil
}

func (m *Mailbox) Pop(channel ChannelID) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[channel]
	if !ok {
		return nil, false
	}
	return q.Dequeue()
}

// Len returns the number of payloads waiting on channel.
func (m *Mailbox) Len(channel ChannelID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[channel]; ok {
		return q.Len()
	}
	return 0
}
