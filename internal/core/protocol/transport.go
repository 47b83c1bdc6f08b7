package protocol

// ConnectionEventType tells a connect from a disconnect.
type ConnectionEventType uint8

const (
	ClientConnected ConnectionEventType = iota
	ClientDisconnected
)

func (t ConnectionEventType) String() string {
	switch t {
	case ClientConnected:
		return "connected"
	case ClientDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectionEvent reports a change in the set of connected clients.
type ConnectionEvent struct {
	Type   ConnectionEventType
	Client ClientID
	// Reason is set for disconnects caused by an error.
	Reason error
}

// ServerTransport is the server side of a transport. Every method is a
// non-blocking poll and safe to call from the tick loop while the transport's
// own goroutines move bytes.
type ServerTransport interface {
	// Send queues payload for client on channel.
	Send(client ClientID, channel ChannelID, payload []byte) error
	// Receive pops the next message client sent on channel.
	Receive(client ClientID, channel ChannelID) ([]byte, bool)
	// Clients lists the connected clients.
	Clients() []ClientID
	// PollEvents drains connect and disconnect events in arrival order.
	PollEvents() []ConnectionEvent
	Disconnect(client ClientID) error
	Close() error
}

// ClientTransport is the client side of a transport.
type ClientTransport interface {
	Send(channel ChannelID, payload []byte) error
	Receive(channel ChannelID) ([]byte, bool)
	IsConnected() bool
	Close() error
}
