package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/zeusync/deltasync/internal/core/replication"
	"github.com/zeusync/deltasync/internal/core/tick"
	"github.com/zeusync/deltasync/internal/core/world"
	"github.com/zeusync/deltasync/pkg/generic"
)

// Change is one serialized component of an entity.
type Change struct {
	ID   replication.ReplicationID
	Data []byte
}

// Removal is one component removed from an entity at Tick.
type Removal struct {
	ID   replication.ReplicationID
	Tick tick.Tick
}

// EntityUpdate groups the changes and removals of one entity.
type EntityUpdate struct {
	Entity   world.Entity
	Changes  []Change
	Removals []Removal
}

// ReplicationMessage is everything one client needs to catch up to Tick.
type ReplicationMessage struct {
	Tick     tick.Tick
	Entities []EntityUpdate
	Despawns []world.Entity
}

func (m *ReplicationMessage) IsEmpty() bool {
	return len(m.Entities) == 0 && len(m.Despawns) == 0
}

// Ack acknowledges every replication message up to and including Tick.
type Ack struct {
	Tick tick.Tick
}

// Hello is sent by the server on ControlChannel right after a client connects.
type Hello struct {
	Fingerprint uint64
	Tick        tick.Tick
}

const (
	ackSize   = 4
	helloSize = 12
	// minEntitySize is index, generation and two empty counts.
	minEntitySize = 4
)

var encodeBuffers = generic.NewBufferPool(1024, 64*1024)

// EncodeReplication frames m as
//
//	tick:u32 | nEntities:uvarint | Entity* | nDespawns:uvarint | (index:uvarint gen:uvarint)*
//	Entity  = index:uvarint gen:uvarint nChanges:uvarint Change* nRemovals:uvarint Removal*
//	Change  = rid:uvarint len:uvarint bytes
//	Removal = rid:uvarint tick:u32
func EncodeReplication(m *ReplicationMessage) []byte {
	buf := encodeBuffers.Get()
	buf.B = AppendReplication(buf.B, m)
	out := make([]byte, len(buf.B))
	copy(out, buf.B)
	encodeBuffers.Put(buf)
	return out
}

// AppendReplication appends the framing of m to dst.
func AppendReplication(dst []byte, m *ReplicationMessage) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(m.Tick))
	dst = binary.AppendUvarint(dst, uint64(len(m.Entities)))
	for i := range m.Entities {
		u := &m.Entities[i]
		dst = appendEntity(dst, u.Entity)
		dst = binary.AppendUvarint(dst, uint64(len(u.Changes)))
		for _, c := range u.Changes {
			dst = binary.AppendUvarint(dst, uint64(c.ID))
			dst = binary.AppendUvarint(dst, uint64(len(c.Data)))
			dst = append(dst, c.Data...)
		}
		dst = binary.AppendUvarint(dst, uint64(len(u.Removals)))
		for _, r := range u.Removals {
			dst = binary.AppendUvarint(dst, uint64(r.ID))
			dst = binary.LittleEndian.AppendUint32(dst, uint32(r.Tick))
		}
	}
	dst = binary.AppendUvarint(dst, uint64(len(m.Despawns)))
	for _, e := range m.Despawns {
		dst = appendEntity(dst, e)
	}
	return dst
}

func appendEntity(dst []byte, e world.Entity) []byte {
	dst = binary.AppendUvarint(dst, uint64(e.Index))
	return binary.AppendUvarint(dst, uint64(e.Generation))
}

// DecodeReplication parses a replication message. When the tail is corrupt it
// returns every entity parsed before the damage together with an error; the
// message is nil only when not even the tick could be read. Change payloads
// alias data.
func DecodeReplication(data []byte) (*ReplicationMessage, error) {
	r := reader{data: data}
	t, err := r.uint32()
	if err != nil {
		return nil, err
	}
	m := &ReplicationMessage{Tick: tick.Tick(t)}

	n, err := r.count(minEntitySize)
	if err != nil {
		return m, fmt.Errorf("entity count: %w", err)
	}
	m.Entities = make([]EntityUpdate, 0, n)
	for i := 0; i < n; i++ {
		u, err := r.entityUpdate()
		if err != nil {
			return m, fmt.Errorf("entity %d of %d: %w", i, n, err)
		}
		m.Entities = append(m.Entities, u)
	}

	n, err = r.count(2)
	if err != nil {
		return m, fmt.Errorf("despawn count: %w", err)
	}
	m.Despawns = make([]world.Entity, 0, n)
	for i := 0; i < n; i++ {
		e, err := r.entity()
		if err != nil {
			return m, fmt.Errorf("despawn %d of %d: %w", i, n, err)
		}
		m.Despawns = append(m.Despawns, e)
	}

	if r.remaining() != 0 {
		return m, fmt.Errorf("%d trailing bytes: %w", r.remaining(), ErrInvalidFrame)
	}
	return m, nil
}

func EncodeAck(a Ack) []byte {
	return binary.LittleEndian.AppendUint32(make([]byte, 0, ackSize), uint32(a.Tick))
}

func DecodeAck(data []byte) (Ack, error) {
	if len(data) != ackSize {
		return Ack{}, fmt.Errorf("ack of %d bytes: %w", len(data), ErrInvalidFrame)
	}
	return Ack{Tick: tick.Tick(binary.LittleEndian.Uint32(data))}, nil
}

func EncodeHello(h Hello) []byte {
	b := make([]byte, 0, helloSize)
	b = binary.LittleEndian.AppendUint64(b, h.Fingerprint)
	return binary.LittleEndian.AppendUint32(b, uint32(h.Tick))
}

func DecodeHello(data []byte) (Hello, error) {
	if len(data) != helloSize {
		return Hello{}, fmt.Errorf("hello of %d bytes: %w", len(data), ErrInvalidFrame)
	}
	return Hello{
		Fingerprint: binary.LittleEndian.Uint64(data),
		Tick:        tick.Tick(binary.LittleEndian.Uint32(data[8:])),
	}, nil
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.off
}

func (r *reader) uint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.off:])
	switch {
	case n == 0:
		return 0, ErrTruncated
	case n < 0:
		return 0, fmt.Errorf("uvarint overflow: %w", ErrInvalidFrame)
	}
	r.off += n
	return v, nil
}

func (r *reader) uvarint32() (uint32, error) {
	v, err := r.uvarint()
	if err != nil {
		return 0, err
	}
	if v > 1<<32-1 {
		return 0, fmt.Errorf("value %d exceeds 32 bits: %w", v, ErrInvalidFrame)
	}
	return uint32(v), nil
}

// count reads a length prefix and rejects it when the remaining bytes cannot
// hold that many items of at least minSize bytes.
func (r *reader) count(minSize int) (int, error) {
	v, err := r.uvarint()
	if err != nil {
		return 0, err
	}
	if v > uint64(r.remaining()/minSize) {
		return 0, fmt.Errorf("count %d exceeds remaining %d bytes: %w", v, r.remaining(), ErrTruncated)
	}
	return int(v), nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, ErrTruncated
	}
	b := r.data[r.off : r.off+n : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) entity() (world.Entity, error) {
	index, err := r.uvarint32()
	if err != nil {
		return world.Entity{}, err
	}
	gen, err := r.uvarint32()
	if err != nil {
		return world.Entity{}, err
	}
	return world.Entity{Index: index, Generation: gen}, nil
}

func (r *reader) entityUpdate() (EntityUpdate, error) {
	var u EntityUpdate
	var err error
	if u.Entity, err = r.entity(); err != nil {
		return u, err
	}

	n, err := r.count(2)
	if err != nil {
		return u, err
	}
	u.Changes = make([]Change, 0, n)
	for i := 0; i < n; i++ {
		rid, err := r.uvarint32()
		if err != nil {
			return u, err
		}
		size, err := r.count(1)
		if err != nil {
			return u, err
		}
		data, err := r.bytes(size)
		if err != nil {
			return u, err
		}
		u.Changes = append(u.Changes, Change{ID: replication.ReplicationID(rid), Data: data})
	}

	n, err = r.count(5)
	if err != nil {
		return u, err
	}
	u.Removals = make([]Removal, 0, n)
	for i := 0; i < n; i++ {
		rid, err := r.uvarint32()
		if err != nil {
			return u, err
		}
		t, err := r.uint32()
		if err != nil {
			return u, err
		}
		u.Removals = append(u.Removals, Removal{ID: replication.ReplicationID(rid), Tick: tick.Tick(t)})
	}
	return u, nil
}
