// Package gls implements goroutine local storage, the primitive per-thread
// facility that the storage keys and the allocator heaps are built on.
//
// It is the bottom of the bootstrap chain and must not import any other
// package of the module: the allocator keeps its heaps here before any other
// per-goroutine state exists.
package gls

import (
	"strconv"
	"sync"

	"github.com/timandy/routine"
)

// G is a reference to a goroutine. Goroutine ids are never reused during the
// life of the process, so a G left behind in a table can never alias a newer
// goroutine.
type G int64

// Current returns the goroutine that the caller runs on.
func Current() G {
	return G(routine.Goid())
}

func (g G) String() string {
	return "g" + strconv.FormatInt(int64(g), 10)
}

const shardCount = 64

// Table is a goroutine indexed map. The zero value is ready to use.
//
// Entries are spread over 64 shards by goroutine id, each with its own mutex,
// so that goroutines touching their own entries rarely contend with each
// other. The shard lock is only held for the duration of the map access.
type Table[T any] struct {
	shards [shardCount]shard[T]
}

type shard[T any] struct {
	mutex sync.Mutex
	state map[G]T
	_     [40]byte
}

func (t *Table[T]) shard(g G) *shard[T] {
	return &t.shards[uint64(g)%shardCount]
}

// Load returns the entry of g.
func (t *Table[T]) Load(g G) (v T, ok bool) {
	s := t.shard(g)
	s.mutex.Lock()
	v, ok = s.state[g]
	s.mutex.Unlock()
	return v, ok
}

// Store sets the entry of g.
func (t *Table[T]) Store(g G, v T) {
	s := t.shard(g)
	s.mutex.Lock()
	if s.state == nil {
		s.state = make(map[G]T)
	}
	s.state[g] = v
	s.mutex.Unlock()
}

// Delete removes the entry of g, returning the value it held.
func (t *Table[T]) Delete(g G) (v T, ok bool) {
	s := t.shard(g)
	s.mutex.Lock()
	v, ok = s.state[g]
	if ok {
		delete(s.state, g)
	}
	s.mutex.Unlock()
	return v, ok
}

// Len returns the number of goroutines with an entry in the table.
func (t *Table[T]) Len() (n int) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mutex.Lock()
		n += len(s.state)
		s.mutex.Unlock()
	}
	return n
}
