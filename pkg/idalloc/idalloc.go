// Package idalloc implements the wrap-around numeric allocator behind
// every tunnel-key namespace (datapath keys, per-datapath port keys,
// per-datapath multicast keys, chassis queue ids): an in-use set plus a
// monotonic hint cursor. The allocator itself does not know what a key
// means — it just hands back the next free integer in [min, max)
// starting just after the hint, wrapping around, and refuses once the
// range is full. The in-use set is a sparse map rather than a bitmap
// because datapath keys range over 2^24 values — far too large to
// bitmap per datapath.
package idalloc

import (
	"sync"

	"github.com/nvcore/northd/pkg/ratelimit"
	"github.com/nvcore/northd/pkg/util"
)

// Allocator hands out unique integers in [Min, Max) with a wrap-around
// hint cursor. It is not safe for concurrent use across goroutines:
// access is strictly sequential within a reconciliation pass, and the
// core never allocates from two goroutines at once.
type Allocator struct {
	Min, Max uint32
	inUse    map[uint32]struct{}
	hint     uint32

	limiter *ratelimit.Limiter
	warnKey string
}

// New creates an Allocator over [min, max). The hint starts one step
// before Min so the first Allocate hands out Min itself.
func New(min, max uint32, warnKey string) *Allocator {
	return &Allocator{
		Min:     min,
		Max:     max,
		inUse:   make(map[uint32]struct{}),
		hint:    max - 1,
		limiter: ratelimit.NewDefault(),
		warnKey: warnKey,
	}
}

// Claim marks id as already in use (e.g. reused from a southbound row
// across a pass) without consuming a hint advance. It is an error to
// claim an id outside [Min, Max); the caller should have validated that
// already, so Claim panics on out-of-range input rather than silently
// corrupting allocator state.
func (a *Allocator) Claim(id uint32) {
	if id < a.Min || id >= a.Max {
		panic("idalloc: claim out of range")
	}
	a.inUse[id] = struct{}{}
}

// InUse reports whether id is currently allocated.
func (a *Allocator) InUse(id uint32) bool {
	_, ok := a.inUse[id]
	return ok
}

// Allocate returns the next free id starting just after the current
// hint, scanning forward with wrap-around to Min. It returns 0 if the
// range is exhausted; 0 is never a valid tunnel key, so it doubles as
// the failure sentinel.
func (a *Allocator) Allocate() uint32 {
	span := a.Max - a.Min
	start := a.next(a.hint)
	id := start
	for i := uint32(0); i < span; i++ {
		if _, taken := a.inUse[id]; !taken {
			a.inUse[id] = struct{}{}
			a.hint = id
			return id
		}
		id = a.next(id)
	}
	if a.limiter.Allow(a.warnKey) {
		util.WithComponent("idalloc").Warnf("id range [%d,%d): %v", a.Min, a.Max, util.ErrRangeExhausted)
	}
	return 0
}

func (a *Allocator) next(id uint32) uint32 {
	id++
	if id >= a.Max {
		id = a.Min
	}
	return id
}

// Release frees id, making it eligible for reuse by a later Allocate.
func (a *Allocator) Release(id uint32) {
	delete(a.inUse, id)
}

// Len returns the number of currently allocated ids.
func (a *Allocator) Len() int {
	return len(a.inUse)
}

// A companion chassis-queue-id allocator keyed by (chassis UUID,
// queue id) over [2, Max].
type queueKey struct {
	chassis string
	queue   uint32
}

// QueueAllocator tracks per-chassis queue id usage so qdisc queue ids are
// unique within a chassis without colliding with the reserved id 0 or 1.
type QueueAllocator struct {
	mu    sync.Mutex
	max   uint32
	inUse map[queueKey]struct{}
}

// NewQueueAllocator creates a chassis-queue-id allocator over [2, max].
func NewQueueAllocator(max uint32) *QueueAllocator {
	return &QueueAllocator{max: max, inUse: make(map[queueKey]struct{})}
}

// Allocate returns the next free queue id for chassis starting at 2,
// scanning upward (no wraparound — queue ids are small and churn little
// within one chassis's lifetime).
func (q *QueueAllocator) Allocate(chassis string) uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id := uint32(2); id <= q.max; id++ {
		k := queueKey{chassis, id}
		if _, taken := q.inUse[k]; !taken {
			q.inUse[k] = struct{}{}
			return id
		}
	}
	return 0
}

// Claim marks (chassis, id) as already in use.
func (q *QueueAllocator) Claim(chassis string, id uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inUse[queueKey{chassis, id}] = struct{}{}
}

// Release frees (chassis, id).
func (q *QueueAllocator) Release(chassis string, id uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inUse, queueKey{chassis, id})
}

// Tunnel-key namespace bounds; the widths are wire contract.
const (
	DatapathKeyMin uint32 = 1
	DatapathKeyMax uint32 = 1 << 24 // exclusive

	PortKeyMin uint32 = 1
	PortKeyMax uint32 = 1 << 15 // exclusive

	// MulticastKeyMin/Max bound the dynamic multicast sub-range
	// [32768, 34816), which starts right after the last port key, so
	// dynamic multicast keys never collide with a real port's tunnel
	// key; the well-known group keys (65531-65535) lie above it.
	MulticastKeyMin uint32 = 32768
	MulticastKeyMax uint32 = 32768 + 2048

	ChassisQueueMax uint32 = 1 << 13
)
