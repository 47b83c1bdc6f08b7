// Package tick implements the wrapping simulation step counter shared by the
// server, the client and the entity storage.
//
// Ticks are compared as sequence numbers: plain numeric ordering is wrong once
// the counter wraps, so every freshness check goes through IsNewerThan or
// ChangedSince.
package tick

import (
	"strconv"
	"sync/atomic"
)

// Tick identifies a simulation step.
type Tick uint32

// MaxChangeAge is the largest distance two ticks may have before comparisons
// between them stop being meaningful. It is half of the tick space.
const MaxChangeAge uint32 = 1 << 31

// Zero is the tick a fresh world starts counting from.
const Zero Tick = 0

// IsNewerThan reports whether t comes after other in sequence-number order.
// Half of the space ahead of other is "future" and half is "past". When the
// distance is exactly MaxChangeAge neither tick is newer than the other.
func (t Tick) IsNewerThan(other Tick) bool {
	return int32(uint32(t)-uint32(other)) > 0
}

// Since returns how many ticks separate t from the earlier tick other.
func (t Tick) Since(other Tick) uint32 {
	return uint32(t) - uint32(other)
}

// Add returns t advanced by n ticks, wrapping.
func (t Tick) Add(n uint32) Tick {
	return Tick(uint32(t) + n)
}

// Sub returns t moved back by n ticks, wrapping.
func (t Tick) Sub(n uint32) Tick {
	return Tick(uint32(t) - n)
}

// ChangedSince reports whether t is strictly newer than since, measured as ages
// relative to current. Ages are clamped to MaxChangeAge, so a tick that drifted
// further back than that compares equal to since=Oldest(current).
func (t Tick) ChangedSince(since, current Tick) bool {
	ageT := min(current.Since(t), MaxChangeAge)
	ageSince := min(current.Since(since), MaxChangeAge)
	return ageSince > ageT
}

// Oldest returns the bound used for a peer that has not acknowledged anything:
// every tick younger than MaxChangeAge relative to current is newer than it.
func Oldest(current Tick) Tick {
	return current.Sub(MaxChangeAge)
}

func (t Tick) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// Clock is the authoritative tick counter of a simulation. It is safe to read
// from other goroutines while the owning loop increments it.
type Clock struct {
	current atomic.Uint32
}

// NewClock returns a clock positioned at start.
func NewClock(start Tick) *Clock {
	c := &Clock{}
	c.current.Store(uint32(start))
	return c
}

func (c *Clock) Current() Tick {
	return Tick(c.current.Load())
}

// Increment advances the clock by one tick and returns the new value.
func (c *Clock) Increment() Tick {
	return Tick(c.current.Add(1))
}

func (c *Clock) Set(t Tick) {
	c.current.Store(uint32(t))
}
