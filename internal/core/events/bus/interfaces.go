package bus

import "time"

// EventBus is a thread-safe in-process pub/sub bus. The server publishes
// session lifecycle and replication notifications on it; applications
// subscribe by event type.
//
// Delivery is synchronous: Publish calls handlers in the caller goroutine, in
// subscription order, and joins their errors. Handlers should return quickly.
type EventBus interface {
	// Publish delivers event to every subscriber of event.Type() in the default
	// topic.
	Publish(event Event) error
	// Subscribe registers handler for eventType in the default topic.
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
	// Unsubscribe cancels sub. A nil sub is ignored.
	Unsubscribe(sub Subscription) error

	// PublishWithFilters drops event without error when any filter rejects it.
	PublishWithFilters(event Event, filters ...EventFilter) error

	SubscribeTopic(topic, eventType string, handler EventHandler) (Subscription, error)
	PublishToTopic(topic string, event Event) error

	// PublishBatch publishes events in order and joins every error.
	PublishBatch(events ...Event) error

	AddObserver(obs EventBusObserver)
	RemoveObserver(obs EventBusObserver)
	// GetMetrics is only updated while at least one observer is registered.
	GetMetrics() EventBusMetrics
	GetTopics() []TopicInfo
}

// Event is an immutable message carried by the bus.
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Data() any
}

type (
	EventHandler func(event Event) error
	EventFilter  func(event Event) bool
)

// Subscription is a handler bound to one event type.
type Subscription interface {
	ID() string
	EventType() string
	IsActive() bool
	// Cancel removes the handler. Repeated calls are safe.
	Cancel() error
}

// EventBusObserver is told about every publish and its outcome.
type EventBusObserver interface {
	OnPublish(topic, eventType string, event Event)
	OnDelivered(topic, eventType string, handlers int, err error, duration time.Duration)
}

type EventBusMetrics struct {
	Published         uint64
	DeliveredHandlers uint64
	Errors            uint64
	DroppedByFilters  uint64
	SubscribersActive uint64
	Topics            uint64
}

type TopicInfo struct {
	Name       string
	EventTypes int
	Subs       int
}
