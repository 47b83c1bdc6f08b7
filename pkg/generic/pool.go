package generic

import "sync"

// Pool is a typed sync.Pool. Values handed back through Put are reset first
// when the pool was built with a reset function.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
}

func NewPool[T any](generate func() T) *Pool[T] {
	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				return generate()
			},
		},
	}
}

// NewResetPool returns a pool that calls reset on every value put back.
func NewResetPool[T any](generate func() T, reset func(T)) *Pool[T] {
	p := NewPool(generate)
	p.reset = reset
	return p
}

func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(value T) {
	if p.reset != nil {
		p.reset(value)
	}
	p.pool.Put(value)
}

// Buffer is a reusable byte slice.
type Buffer struct {
	B []byte
}

// NewBufferPool pools buffers starting at the given capacity. Buffers that
// grew past maxSize are dropped instead of being reused.
func NewBufferPool(capacity, maxSize int) *Pool[*Buffer] {
	p := &Pool[*Buffer]{}
	p.pool.New = func() any {
		return &Buffer{B: make([]byte, 0, capacity)}
	}
	p.reset = func(b *Buffer) {
		if cap(b.B) > maxSize {
			b.B = make([]byte, 0, capacity)
			return
		}
		b.B = b.B[:0]
	}
	return p
}
