package netevent

import (
	"errors"
	"fmt"

	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/protocol"
	"github.com/zeusync/deltasync/internal/core/replication"
)

// FromClient is a client event as the server sees it.
type FromClient[T any] struct {
	Client protocol.ClientID
	Event  T
}

// ClientEvent relays events of type T from clients to the server.
type ClientEvent[T any] struct {
	channel protocol.ChannelID
	codec   replication.Codec[T]
	logger  log.Log
}

// NewClientEvent registers a client channel for T. Both peers must register
// their events in the same order.
func NewClientEvent[T any](channels *protocol.NetworkChannels, sendType protocol.SendType, opts ...Option[T]) *ClientEvent[T] {
	o := buildOptions(opts)
	name := eventName[T]()
	id := channels.RegisterClientChannel("event:"+name, sendType)
	return &ClientEvent[T]{
		channel: id,
		codec:   o.codec,
		logger: o.logger.With(
			log.String("event", name),
			log.Int("channel", int(id))),
	}
}

func (e *ClientEvent[T]) Channel() protocol.ChannelID {
	return e.channel
}

// Send drains events and sends them to the server. Entity references are
// rewritten through mapper first when T implements MapNetworkEntities; pass
// the client's ClientMapper, or nil to send them as they are. Events that
// fail to encode are skipped and reported in the joined error.
func (e *ClientEvent[T]) Send(transport protocol.ClientTransport, events *Events[T], mapper replication.EntityMapper) error {
	var errs []error
	for _, event := range events.Drain() {
		event = mapped(event, mapper)
		payload, err := e.codec.Marshal(&event)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal: %w", err))
			continue
		}
		if err := transport.Send(e.channel, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Receive reads every pending event from each connected client into out.
// Undecodable events are logged and dropped.
func (e *ClientEvent[T]) Receive(transport protocol.ServerTransport, out *Events[FromClient[T]]) {
	for _, client := range transport.Clients() {
		for {
			payload, ok := transport.Receive(client, e.channel)
			if !ok {
				break
			}
			var event T
			if err := e.codec.Unmarshal(payload, &event); err != nil {
				e.logger.Error("Unable to decode client event",
					log.Uint64("client_id", uint64(client)),
					log.Error(err))
				continue
			}
			out.Send(FromClient[T]{Client: client, Event: event})
		}
	}
}

// ResendLocally moves events raised by the server itself into out, as if
// sent by ServerID.
func (e *ClientEvent[T]) ResendLocally(local *Events[T], out *Events[FromClient[T]]) {
	for _, event := range local.Drain() {
		out.Send(FromClient[T]{Client: protocol.ServerID, Event: event})
	}
}
