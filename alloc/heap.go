// Package alloc implements a memory allocator with one private heap per
// goroutine.
//
// Blocks are carved out of memory mapped outside of the Go heap, so they are
// never moved or scanned by the garbage collector and must be released
// explicitly with Free. Each heap is only ever touched by the goroutine that
// owns it; a goroutine freeing a block that belongs to another heap hands it
// back through a lock-free queue that the owner drains on its next
// allocation.
//
// The heap of a goroutine is bound through its own goroutine local table and
// exit hook, independently of the tss and threadlocal packages, so that those
// packages remain free to allocate from this one.
package alloc

import (
	"fmt"
	"log/slog"

	"github.com/stealthrocket/threadlocal/atomics"
	"github.com/stealthrocket/threadlocal/internal/gls"
	"github.com/stealthrocket/threadlocal/internal/mpsc"
	"github.com/stealthrocket/threadlocal/status"
	"github.com/stealthrocket/threadlocal/thrd"
	"modernc.org/memory"
)

// MaxHeaps is the number of heaps that may exist at the same time. Heaps of
// exited goroutines are pooled and reused before new ones are created.
const MaxHeaps = 1 << 16

// Heap is the private allocation state of one goroutine.
type Heap struct {
	id    uint32
	owner atomics.Int64

	// Everything below is only accessed by the owner.
	arena memory.Allocator
	free  [classCount][]uintptr
	live  int
	hook  gls.Hook

	// Blocks freed by goroutines other than the owner.
	remote mpsc.Queue[uintptr]
}

var (
	heaps gls.Table[*Heap]

	registryMutex = mustMutex()
	registry      atomics.Pointer[[]*Heap]

	pool []*Heap

	liveBlocks  atomics.Int64
	remoteFrees atomics.Uint64
)

func mustMutex() *thrd.Mutex {
	m, err := thrd.NewMutex(thrd.Plain)
	if err != nil {
		panic(err)
	}
	return m
}

// lookup returns the heap with the given id. It takes no lock: the registry
// is copied on write and heaps are never removed from it.
func lookup(id uint32) *Heap {
	r := registry.Load(atomics.Acquire)
	if r == nil || int(id) >= len(*r) {
		return nil
	}
	return (*r)[id]
}

// AcquireHeap returns the heap of the calling goroutine, creating it on first
// use. The heap is released when the goroutine exits through gls.Run or a
// thread of the thrd package, or when it calls ReleaseHeap.
func AcquireHeap() (*Heap, error) {
	g := gls.Current()
	if h, ok := heaps.Load(g); ok {
		return h, nil
	}

	h, err := obtain()
	if err != nil {
		return nil, err
	}
	h.owner.Store(int64(g), atomics.Release)
	h.collect()
	h.hook = gls.AtExit(func() { h.release(g) })
	heaps.Store(g, h)
	return h, nil
}

// obtain adopts a pooled heap, or creates a new one.
func obtain() (*Heap, error) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if n := len(pool); n > 0 {
		h := pool[n-1]
		pool[n-1] = nil
		pool = pool[:n-1]
		return h, nil
	}

	var list []*Heap
	if r := registry.Load(atomics.Acquire); r != nil {
		list = *r
	}
	if len(list) >= MaxHeaps {
		return nil, fmt.Errorf("alloc.AcquireHeap: %d heaps in use: %w", MaxHeaps, status.ErrResourceExhausted)
	}

	h := &Heap{id: uint32(len(list))}
	next := make([]*Heap, len(list)+1)
	copy(next, list)
	next[h.id] = h
	registry.Store(&next, atomics.Release)
	return h, nil
}

// ReleaseHeap releases the heap of the calling goroutine, if it has one.
// Blocks that are still allocated stay valid and may be freed by any
// goroutine.
func ReleaseHeap() {
	g := gls.Current()
	if h, ok := heaps.Load(g); ok {
		h.hook.Cancel()
		h.release(g)
	}
}

func (h *Heap) release(g gls.G) {
	heaps.Delete(g)
	h.collect()

	for class := range h.free {
		for _, p := range h.free[class] {
			h.unmap(p)
		}
		h.free[class] = nil
	}

	// Once the owner is cleared, frees from this goroutine take the remote
	// path like any other.
	h.owner.Store(0, atomics.Release)

	if h.live == 0 {
		// No block of the heap is reachable anymore, no free can reach it.
		if err := h.arena.Close(); err != nil {
			gls.Logger().Warn("alloc: closing heap arena",
				slog.Int("heap", int(h.id)),
				slog.Any("error", err))
		}
		h.arena = memory.Allocator{}
	}

	registryMutex.Lock()
	pool = append(pool, h)
	registryMutex.Unlock()
}

func (h *Heap) unmap(p uintptr) {
	if err := h.arena.UintptrFree(p); err != nil {
		gls.Logger().Warn("alloc: releasing block",
			slog.Int("heap", int(h.id)),
			slog.Any("error", err))
	}
}

// collect reclaims the blocks that other goroutines freed.
func (h *Heap) collect() {
	for {
		p, ok := h.remote.Pop()
		if !ok {
			return
		}
		h.reclaim(p)
	}
}

func (h *Heap) reclaim(p uintptr) {
	hdr := headerAt(p)
	if hdr.class == largeClass {
		h.unmap(p)
	} else {
		h.free[hdr.class] = append(h.free[hdr.class], p)
	}
	h.live--
}

// Stats is a snapshot of the allocator counters.
type Stats struct {
	// Blocks allocated and not freed yet.
	Live int64
	// Heaps created since the start of the process.
	Heaps int
	// Heaps owned by a goroutine.
	Active int
	// Heaps waiting in the pool for a goroutine to adopt them.
	Pooled int
	// Blocks freed by a goroutine other than the owner of their heap.
	RemoteFrees uint64
}

// ReadStats returns a snapshot of the allocator counters.
func ReadStats() Stats {
	registryMutex.Lock()
	pooled := len(pool)
	registryMutex.Unlock()

	s := Stats{
		Live:        liveBlocks.Load(atomics.Acquire),
		Active:      heaps.Len(),
		Pooled:      pooled,
		RemoteFrees: remoteFrees.Load(atomics.Relaxed),
	}
	if r := registry.Load(atomics.Acquire); r != nil {
		s.Heaps = len(*r)
	}
	return s
}
