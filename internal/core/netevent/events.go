// Package netevent relays typed events between clients and the server over
// dedicated channels.
//
// Client events are sent by clients and surface on the server as FromClient
// values. Server events are addressed with ToClients and surface on clients
// as plain values. When the server also plays locally, ResendLocally feeds
// its own events through the same queues with ServerID as the sender.
package netevent

import (
	"reflect"

	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/replication"
)

// Events is a FIFO of events produced during a frame and consumed by a
// relay. Not safe for concurrent use.
type Events[T any] struct {
	queue []T
}

func NewEvents[T any]() *Events[T] {
	return &Events[T]{}
}

func (e *Events[T]) Send(event T) {
	e.queue = append(e.queue, event)
}

// Drain returns every queued event in send order and empties the queue.
func (e *Events[T]) Drain() []T {
	out := e.queue
	e.queue = nil
	return out
}

func (e *Events[T]) Len() int {
	return len(e.queue)
}

type Option[T any] func(*options[T])

type options[T any] struct {
	codec  replication.Codec[T]
	logger log.Log
}

// WithCodec replaces the default JSON encoding of T.
func WithCodec[T any](codec replication.Codec[T]) Option[T] {
	return func(o *options[T]) {
		o.codec = codec
	}
}

func WithLogger[T any](logger log.Log) Option[T] {
	return func(o *options[T]) {
		o.logger = logger
	}
}

func buildOptions[T any](opts []Option[T]) options[T] {
	o := options[T]{codec: replication.JSONCodec[T]{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Provide()
	}
	return o
}

func eventName[T any]() string {
	return reflect.TypeFor[T]().String()
}

// mapped returns a copy of event with its entity references rewritten by
// mapper, or event itself when T holds none.
func mapped[T any](event T, mapper replication.EntityMapper) T {
	if mapper == nil {
		return event
	}
	if m, ok := any(&event).(replication.MapNetworkEntities); ok {
		m.MapEntities(mapper)
	}
	return event
}
