package protocol

import (
	"fmt"
	"strconv"
	"sync"
)

// ClientID identifies a connection on the server.
type ClientID uint64

// ServerID stands for the server itself wherever a ClientID is expected,
// for example as the sender of locally resent events.
const ServerID ClientID = 0

func (id ClientID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ChannelID identifies a channel in one direction. Server and client channels
// are numbered independently.
type ChannelID uint8

// SendType is the delivery guarantee of a channel.
type SendType uint8

const (
	Unreliable SendType = iota
	ReliableUnordered
	ReliableOrdered
)

func (s SendType) String() string {
	switch s {
	case Unreliable:
		return "unreliable"
	case ReliableUnordered:
		return "reliable_unordered"
	case ReliableOrdered:
		return "reliable_ordered"
	default:
		return "unknown"
	}
}

// IsReliable reports whether messages on the channel are retransmitted.
func (s SendType) IsReliable() bool {
	return s != Unreliable
}

type Channel struct {
	ID       ChannelID
	Name     string
	SendType SendType
}

// Built-in channels, registered by NewNetworkChannels in both directions.
const (
	// ReplicationChannel carries replication messages server to client.
	ReplicationChannel ChannelID = 0
	// AckChannel carries acknowledgements client to server. It shares the id
	// of ReplicationChannel in the other direction.
	AckChannel ChannelID = 0
	// ControlChannel carries the handshake.
	ControlChannel ChannelID = 1
)

// MaxChannels bounds the channel count per direction; ids fit in one byte on
// the wire.
const MaxChannels = 256

// NetworkChannels is the channel registry. Channels are registered once at
// startup and the returned ids are used for all later traffic. Both peers must
// register channels in the same order.
type NetworkChannels struct {
	mu     sync.RWMutex
	server []Channel
	client []Channel
}

func NewNetworkChannels() *NetworkChannels {
	return &NetworkChannels{
		server: []Channel{
			{ID: ReplicationChannel, Name: "replication", SendType: Unreliable},
			{ID: ControlChannel, Name: "control", SendType: ReliableOrdered},
		},
		client: []Channel{
			{ID: AckChannel, Name: "ack", SendType: Unreliable},
			{ID: ControlChannel, Name: "control", SendType: ReliableOrdered},
		},
	}
}

// RegisterServerChannel adds a server to client channel.
func (c *NetworkChannels) RegisterServerChannel(name string, sendType SendType) ChannelID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return register(&c.server, name, sendType)
}

// RegisterClientChannel adds a client to server channel.
func (c *NetworkChannels) RegisterClientChannel(name string, sendType SendType) ChannelID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return register(&c.client, name, sendType)
}

func register(channels *[]Channel, name string, sendType SendType) ChannelID {
	if len(*channels) >= MaxChannels {
		panic(fmt.Sprintf("channel %q: more than %d channels", name, MaxChannels))
	}
	id := ChannelID(len(*channels))
	*channels = append(*channels, Channel{ID: id, Name: name, SendType: sendType})
	return id
}

func (c *NetworkChannels) ServerChannels() []Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Channel(nil), c.server...)
}

func (c *NetworkChannels) ClientChannels() []Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Channel(nil), c.client...)
}

// ServerSendType returns the delivery guarantee of server channel id.
func (c *NetworkChannels) ServerSendType(id ChannelID) (SendType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if int(id) >= len(c.server) {
		return 0, false
	}
	return c.server[id].SendType, true
}

// ClientSendType returns the delivery guarantee of client channel id.
func (c *NetworkChannels) ClientSendType(id ChannelID) (SendType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if int(id) >= len(c.client) {
		return 0, false
	}
	return c.client[id].SendType, true
}
