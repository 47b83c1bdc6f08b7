// Package replication holds the per-type replication rules shared by the server
// and the client, and the per-entity bookkeeping the server keeps between ticks.
package replication

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/deltasync/internal/core/world"
)

// ReplicationID identifies a replicated component type on the wire. Ids are
// assigned in registration order, so both peers must register the same types in
// the same order. Fingerprint lets them verify that.
type ReplicationID uint32

// Replication marks an entity for replication.
type Replication struct{}

// Ignored[T] on an entity keeps its T from being replicated while the rest of
// the entity still is.
type Ignored[T any] struct{}

type (
	// SerializeFn encodes the component behind ptr.
	SerializeFn func(ptr world.Ptr) ([]byte, error)
	// DeserializeFn decodes data and inserts the component on e, mapping
	// embedded server entities through mapper.
	DeserializeFn func(w *world.World, e world.Entity, data []byte, mapper EntityMapper) error
	// RemoveFn removes the component from e.
	RemoveFn func(w *world.World, e world.Entity)
)

// Info is everything the engine knows about one replicated component type.
type Info struct {
	ID          ReplicationID
	TypeName    string
	ComponentID world.ComponentID
	IgnoredID   world.ComponentID

	Serialize   SerializeFn
	Deserialize DeserializeFn
	Remove      RemoveFn
}

// Rules is the registry of replicated component types bound to one world.
type Rules struct {
	infos       []Info
	byComponent map[world.ComponentID]ReplicationID
	markerID    world.ComponentID
	trackerID   world.ComponentID
	fingerprint *xxhash.Digest
}

// NewRules registers the replication marker and the removal tracker on w.
func NewRules(w *world.World) *Rules {
	return &Rules{
		byComponent: make(map[world.ComponentID]ReplicationID),
		markerID:    world.RegisterComponent[Replication](w, world.StorageTable),
		trackerID:   world.RegisterComponent[RemovalTracker](w, world.StorageTable),
		fingerprint: xxhash.New(),
	}
}

type options[T any] struct {
	storage world.StorageType
	codec   Codec[T]
}

type Option[T any] func(*options[T])

// WithStorage selects the backing storage of the component.
func WithStorage[T any](storage world.StorageType) Option[T] {
	return func(o *options[T]) {
		o.storage = storage
	}
}

// WithCodec replaces the default JSON codec.
func WithCodec[T any](codec Codec[T]) Option[T] {
	return func(o *options[T]) {
		o.codec = codec
	}
}

// Replicate registers T on w and marks it for replication. Types whose pointer
// implements MapNetworkEntities get their entity references remapped on
// receive.
func Replicate[T any](r *Rules, w *world.World, opts ...Option[T]) ReplicationID {
	o := options[T]{storage: world.StorageTable, codec: JSONCodec[T]{}}
	for _, opt := range opts {
		opt(&o)
	}

	cid := world.RegisterComponent[T](w, o.storage)
	if rid, ok := r.byComponent[cid]; ok {
		return rid
	}
	ignoredID := world.RegisterComponent[Ignored[T]](w, world.StorageSparseSet)

	codec := o.codec
	rid := ReplicationID(len(r.infos))
	typeName := reflect.TypeFor[T]().String()
	r.infos = append(r.infos, Info{
		ID:          rid,
		TypeName:    typeName,
		ComponentID: cid,
		IgnoredID:   ignoredID,
		Serialize: func(ptr world.Ptr) ([]byte, error) {
			return codec.Marshal(world.Deref[T](ptr))
		},
		Deserialize: func(w *world.World, e world.Entity, data []byte, mapper EntityMapper) error {
			var value T
			if err := codec.Unmarshal(data, &value); err != nil {
				return fmt.Errorf("unmarshal %s: %w", typeName, err)
			}
			if m, ok := any(&value).(MapNetworkEntities); ok && mapper != nil {
				m.MapEntities(mapper)
			}
			return world.Insert(w, e, value)
		},
		Remove: func(w *world.World, e world.Entity) {
			world.Remove[T](w, e)
		},
	})
	r.byComponent[cid] = rid

	_, _ = r.fingerprint.WriteString(strconv.FormatUint(uint64(rid), 10))
	_, _ = r.fingerprint.WriteString(typeName)
	return rid
}

// TrackRemovals makes w log removals of the marker and of every replicated
// component. Only the server needs it.
func (r *Rules) TrackRemovals(w *world.World) {
	w.TrackRemovals(r.markerID)
	for _, info := range r.infos {
		w.TrackRemovals(info.ComponentID)
	}
}

// Get returns the replication info of component id, if it is replicated.
func (r *Rules) Get(id world.ComponentID) (*Info, bool) {
	rid, ok := r.byComponent[id]
	if !ok {
		return nil, false
	}
	return &r.infos[rid], true
}

// Info returns the replication info registered under rid.
func (r *Rules) Info(rid ReplicationID) (*Info, bool) {
	if int(rid) >= len(r.infos) {
		return nil, false
	}
	return &r.infos[rid], true
}

// Infos returns every registered type in ReplicationID order.
func (r *Rules) Infos() []Info {
	return r.infos
}

func (r *Rules) Len() int {
	return len(r.infos)
}

// MarkerID is the component id of Replication.
func (r *Rules) MarkerID() world.ComponentID {
	return r.markerID
}

// TrackerID is the component id of RemovalTracker.
func (r *Rules) TrackerID() world.ComponentID {
	return r.trackerID
}

// Fingerprint summarizes the registered types and their order. Peers with
// different fingerprints cannot decode each other's messages.
func (r *Rules) Fingerprint() uint64 {
	return r.fingerprint.Sum64()
}

// Ignore keeps T on e from being replicated.
func Ignore[T any](w *world.World, e world.Entity) error {
	return world.Insert(w, e, Ignored[T]{})
}

// Unignore undoes Ignore.
func Unignore[T any](w *world.World, e world.Entity) bool {
	return world.Remove[Ignored[T]](w, e)
}
