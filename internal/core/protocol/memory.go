package protocol

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

var (
	_ ServerTransport = (*MemoryNetwork)(nil)
	_ ClientTransport = (*MemoryClient)(nil)
)

// DropFunc decides whether an unreliable message is lost in transit.
type DropFunc func(channel ChannelID, payload []byte) bool

type MemoryOption func(*MemoryNetwork)

// WithDropFunc makes the network lose unreliable messages for which fn
// returns true. Reliable channels are never affected.
func WithDropFunc(fn DropFunc) MemoryOption {
	return func(n *MemoryNetwork) {
		n.drop = fn
	}
}

// WithMailboxLimit bounds every channel queue.
func WithMailboxLimit(limit int) MemoryOption {
	return func(n *MemoryNetwork) {
		n.limit = limit
	}
}

// MemoryNetwork is an in-process transport. It is the server side itself and
// hands out client sides through Connect. Used for tests and for running the
// server and a client in the same process.
type MemoryNetwork struct {
	channels *NetworkChannels
	drop     DropFunc
	limit    int

	mu      sync.Mutex
	nextID  ClientID
	clients map[ClientID]*MemoryClient
	events  []ConnectionEvent
	closed  bool
}

func NewMemoryNetwork(channels *NetworkChannels, opts ...MemoryOption) *MemoryNetwork {
	n := &MemoryNetwork{
		channels: channels,
		nextID:   ServerID + 1,
		clients:  make(map[ClientID]*MemoryClient),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Connect attaches a new client and queues its connect event.
func (n *MemoryNetwork) Connect() (*MemoryClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, ErrTransportClosed
	}
	c := &MemoryClient{
		id:       n.nextID,
		network:  n,
		toServer: NewMailbox(n.limit),
		toClient: NewMailbox(n.limit),
	}
	c.connected.Store(true)
	n.nextID++
	n.clients[c.id] = c
	n.events = append(n.events, ConnectionEvent{Type: ClientConnected, Client: c.id})
	return c, nil
}

func (n *MemoryNetwork) client(id ClientID) (*MemoryClient, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.clients[id]
	return c, ok
}

func (n *MemoryNetwork) dropped(channel ChannelID, sendType SendType, payload []byte) bool {
	return !sendType.IsReliable() && n.drop != nil && n.drop(channel, payload)
}

func (n *MemoryNetwork) Send(client ClientID, channel ChannelID, payload []byte) error {
	sendType, ok := n.channels.ServerSendType(channel)
	if !ok {
		return fmt.Errorf("server channel %d: %w", channel, ErrUnknownChannel)
	}
	c, ok := n.client(client)
	if !ok {
		return fmt.Errorf("send to %s: %w", client, ErrClientNotFound)
	}
	if n.dropped(channel, sendType, payload) {
		return nil
	}
	return c.toClient.Push(channel, slices.Clone(payload))
}

func (n *MemoryNetwork) Receive(client ClientID, channel ChannelID) ([]byte, bool) {
	c, ok := n.client(client)
	if !ok {
		return nil, false
	}
	return c.toServer.Pop(channel)
}

func (n *MemoryNetwork) Clients() []ClientID {
	n.mu.Lock()
	defer n.mu.Unlock()

	ids := make([]ClientID, 0, len(n.clients))
	for id := range n.clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (n *MemoryNetwork) PollEvents() []ConnectionEvent {
	n.mu.Lock()
	defer n.mu.Unlock()

	events := n.events
	n.events = nil
	return events
}

func (n *MemoryNetwork) Disconnect(client ClientID) error {
	return n.disconnect(client, nil)
}

func (n *MemoryNetwork) disconnect(client ClientID, reason error) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	c, ok := n.clients[client]
	if !ok {
		return fmt.Errorf("disconnect %s: %w", client, ErrClientNotFound)
	}
	c.connected.Store(false)
	delete(n.clients, client)
	n.events = append(n.events, ConnectionEvent{Type: ClientDisconnected, Client: client, Reason: reason})
	return nil
}

func (n *MemoryNetwork) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	for id, c := range n.clients {
		c.connected.Store(false)
		n.events = append(n.events, ConnectionEvent{Type: ClientDisconnected, Client: id, Reason: ErrTransportClosed})
	}
	clear(n.clients)
	return nil
}

// MemoryClient is the client side of a MemoryNetwork connection.
type MemoryClient struct {
	id        ClientID
	network   *MemoryNetwork
	toServer  *Mailbox
	toClient  *Mailbox
	connected atomic.Bool
}

// ID is the id the server knows this client by.
func (c *MemoryClient) ID() ClientID {
	return c.id
}

func (c *MemoryClient) Send(channel ChannelID, payload []byte) error {
	if !c.connected.Load() {
		return ErrConnectionClosed
	}
	sendType, ok := c.network.channels.ClientSendType(channel)
	if !ok {
		return fmt.Errorf("client channel %d: %w", channel, ErrUnknownChannel)
	}
	if c.network.dropped(channel, sendType, payload) {
		return nil
	}
	return c.toServer.Push(channel, slices.Clone(payload))
}

// Receive keeps draining messages that arrived before a disconnect.
func (c *MemoryClient) Receive(channel ChannelID) ([]byte, bool) {
	return c.toClient.Pop(channel)
}

func (c *MemoryClient) IsConnected() bool {
	return c.connected.Load()
}

func (c *MemoryClient) Close() error {
	if !c.connected.Load() {
		return nil
	}
	return c.network.disconnect(c.id, ErrConnectionClosed)
}
