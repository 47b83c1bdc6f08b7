package netevent

import (
	"errors"
	"fmt"

	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/protocol"
	"github.com/zeusync/deltasync/internal/core/replication"
)

// SendMode selects the recipients of a server event.
type SendMode uint8

const (
	// Broadcast sends to every client.
	Broadcast SendMode = iota
	// Direct sends to Client only.
	Direct
	// BroadcastExcept sends to every client but Client.
	BroadcastExcept
)

func (m SendMode) String() string {
	switch m {
	case Broadcast:
		return "broadcast"
	case Direct:
		return "direct"
	case BroadcastExcept:
		return "broadcast_except"
	default:
		return "unknown"
	}
}

// ToClients addresses a server event.
type ToClients[T any] struct {
	Mode   SendMode
	Client protocol.ClientID
	Event  T
}

// includes reports whether client is a recipient.
func (t ToClients[T]) includes(client protocol.ClientID) bool {
	switch t.Mode {
	case Direct:
		return client == t.Client
	case BroadcastExcept:
		return client != t.Client
	default:
		return true
	}
}

// ServerEvent relays events of type T from the server to clients.
type ServerEvent[T any] struct {
	channel protocol.ChannelID
	codec   replication.Codec[T]
	logger  log.Log
}

// NewServerEvent registers a server channel for T.
func NewServerEvent[T any](channels *protocol.NetworkChannels, sendType protocol.SendType, opts ...Option[T]) *ServerEvent[T] {
	o := buildOptions(opts)
	name := eventName[T]()
	id := channels.RegisterServerChannel("event:"+name, sendType)
	return &ServerEvent[T]{
		channel: id,
		codec:   o.codec,
		logger: o.logger.With(
			log.String("event", name),
			log.Int("channel", int(id))),
	}
}

func (e *ServerEvent[T]) Channel() protocol.ChannelID {
	return e.channel
}

// Send drains events and delivers each to its recipients among the connected
// clients. Each event is encoded once.
func (e *ServerEvent[T]) Send(transport protocol.ServerTransport, events *Events[ToClients[T]]) error {
	var errs []error
	clients := transport.Clients()
	for _, event := range events.Drain() {
		payload, err := e.codec.Marshal(&event.Event)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal %s event: %w", event.Mode, err))
			continue
		}
		for _, client := range clients {
			if !event.includes(client) {
				continue
			}
			if err := transport.Send(client, e.channel, payload); err != nil {
				errs = append(errs, fmt.Errorf("send to %s: %w", client, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Receive reads every pending event into out. Entity references are
// rewritten through mapper when T implements MapNetworkEntities; clients pass
// their ServerMapper.
func (e *ServerEvent[T]) Receive(transport protocol.ClientTransport, mapper replication.EntityMapper, out *Events[T]) {
	for {
		payload, ok := transport.Receive(e.channel)
		if !ok {
			return
		}
		var event T
		if err := e.codec.Unmarshal(payload, &event); err != nil {
			e.logger.Error("Unable to decode server event", log.Error(err))
			continue
		}
		out.Send(mapped(event, mapper))
	}
}

// ResendLocally hands the server's own player the events addressed to
// ServerID. Every event stays in events for Send.
func (e *ServerEvent[T]) ResendLocally(events *Events[ToClients[T]], out *Events[T]) {
	for _, event := range events.queue {
		if event.includes(protocol.ServerID) {
			out.Send(event.Event)
		}
	}
}
