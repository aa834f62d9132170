// Package tss implements storage keys: process wide handles that name one
// value per goroutine.
//
// The package mirrors the C11 tss_create/tss_get/tss_set/tss_delete contract
// on top of goroutine local storage. Slots are only ever read or written by
// the goroutine that owns them; the key table is the only state shared
// between goroutines.
//
// Destructors run when a goroutine exits through gls.Run or gls.Exit (the
// thrd package does this for every thread it creates).
package tss

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/stealthrocket/threadlocal/internal/gls"
	"github.com/stealthrocket/threadlocal/status"
)

// KeysMax is the capacity of the key table.
const KeysMax = 1024

// Destructor is called at goroutine exit with the value of a slot.
type Destructor func(value any)

// Key identifies one storage slot in every goroutine. The zero value is not
// a valid key.
type Key struct {
	index uint32
	gen   uint32
}

// entry is one row of the key table. A row is in use when its generation is
// odd; deleting a key bumps the generation so stale keys stop matching.
type entry struct {
	gen  atomic.Uint32
	refs atomic.Int64
	dtor atomic.Pointer[Destructor]
	// Slot creation holds the read lock, Delete holds the write lock, so no
	// slot can be created for a key that is being deleted.
	mutex sync.RWMutex
}

var (
	tableMutex sync.Mutex
	table      [KeysMax]entry
	tableNext  int
	tableLen   int
)

func (k Key) entry() *entry {
	if k.gen&1 == 0 || k.index >= KeysMax {
		return nil
	}
	e := &table[k.index]
	if e.gen.Load() != k.gen {
		return nil
	}
	return e
}

// Create allocates a new key. The destructor may be nil.
func Create(dtor Destructor) (Key, error) {
	tableMutex.Lock()
	defer tableMutex.Unlock()

	for i := 0; i < KeysMax; i++ {
		index := (tableNext + i) % KeysMax
		e := &table[index]
		gen := e.gen.Load()
		if gen&1 != 0 {
			continue
		}
		if dtor != nil {
			e.dtor.Store(&dtor)
		} else {
			e.dtor.Store(nil)
		}
		e.gen.Store(gen + 1)
		tableNext = index + 1
		tableLen++
		return Key{index: uint32(index), gen: gen + 1}, nil
	}

	return Key{}, fmt.Errorf("tss.Create: all %d keys are in use: %w", KeysMax, status.ErrResourceExhausted)
}

// Delete invalidates k in every goroutine.
//
// Deleting a key that goroutines still hold values for would orphan those
// values, so it fails with status.ErrBusy until every slot has been removed
// or destroyed.
func Delete(k Key) error {
	tableMutex.Lock()
	defer tableMutex.Unlock()

	e := k.entry()
	if e == nil {
		return fmt.Errorf("tss.Delete: %w", status.ErrInvalidState)
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if n := e.refs.Load(); n != 0 {
		return fmt.Errorf("tss.Delete: key still has %d live slots: %w", n, status.ErrBusy)
	}
	e.gen.Add(1)
	e.dtor.Store(nil)
	tableLen--
	return nil
}

// Len returns the number of keys in use.
func Len() int {
	tableMutex.Lock()
	defer tableMutex.Unlock()
	return tableLen
}

type slot struct {
	gen   uint32
	value any
}

// local holds the slots of one goroutine. It is only accessed by that
// goroutine, the table lookup is the only synchronized step.
type local struct {
	values    map[uint32]slot
	finalized map[uint32]struct{}
}

var locals gls.Table[*local]

func lookupLocal(g gls.G) *local {
	l, _ := locals.Load(g)
	return l
}

func createLocal(g gls.G) *local {
	if l, ok := locals.Load(g); ok {
		return l
	}
	l := &local{values: make(map[uint32]slot)}
	locals.Store(g, l)
	gls.AtExit(func() { l.exit(g) })
	gls.AfterExit(func() { locals.Delete(g) })
	return l
}

// Get returns the value of k for the calling goroutine, or nil if the slot
// was never set or k is not a valid key.
func Get(k Key) any {
	v, _ := Lookup(k)
	return v
}

// Lookup is like Get, but also reports whether the calling goroutine has a
// slot for k. It never creates one.
func Lookup(k Key) (any, bool) {
	if k.entry() == nil {
		return nil, false
	}
	l := lookupLocal(gls.Current())
	if l == nil {
		return nil, false
	}
	s, ok := l.values[k.index]
	if !ok || s.gen != k.gen {
		return nil, false
	}
	return s.value, true
}

// Set associates v with k for the calling goroutine, creating the slot on
// first use.
//
// Once the destructor of k has run for the goroutine during its exit, the slot
// cannot be created again and Set returns status.ErrInvalidState.
func Set(k Key, v any) error {
	e := k.entry()
	if e == nil {
		return fmt.Errorf("tss.Set: %w", status.ErrInvalidState)
	}

	l := createLocal(gls.Current())
	if s, ok := l.values[k.index]; ok && s.gen == k.gen {
		s.value = v
		l.values[k.index] = s
		return nil
	}
	if _, done := l.finalized[k.index]; done {
		return fmt.Errorf("tss.Set: slot already destroyed by goroutine exit: %w", status.ErrInvalidState)
	}

	e.mutex.RLock()
	defer e.mutex.RUnlock()

	if e.gen.Load() != k.gen {
		return fmt.Errorf("tss.Set: %w", status.ErrInvalidState)
	}
	e.refs.Add(1)
	l.values[k.index] = slot{gen: k.gen, value: v}
	return nil
}

// Remove drops the slot of k for the calling goroutine without calling the
// destructor.
func Remove(k Key) error {
	e := k.entry()
	if e == nil {
		return fmt.Errorf("tss.Remove: %w", status.ErrInvalidState)
	}
	l := lookupLocal(gls.Current())
	if l == nil {
		return nil
	}
	if s, ok := l.values[k.index]; ok && s.gen == k.gen {
		delete(l.values, k.index)
		e.refs.Add(-1)
	}
	return nil
}

func (l *local) exit(g gls.G) {
	if l.finalized == nil {
		l.finalized = make(map[uint32]struct{})
	}

	for round := 0; round < gls.DestructorIterations && len(l.values) > 0; round++ {
		values := l.values
		l.values = make(map[uint32]slot)

		indexes := make([]uint32, 0, len(values))
		for index := range values {
			indexes = append(indexes, index)
		}
		sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

		// The whole round is finalized before any destructor runs, so that a
		// destructor cannot recreate a slot whose destructor is still pending.
		for _, index := range indexes {
			l.finalized[index] = struct{}{}
		}

		for _, index := range indexes {
			s := values[index]
			e := &table[index]

			var dtor *Destructor
			if e.gen.Load() == s.gen {
				dtor = e.dtor.Load()
			}
			e.refs.Add(-1)

			if dtor != nil {
				destroy(g, Key{index: index, gen: s.gen}, *dtor, s.value)
			}
		}
	}

	for index, s := range l.values {
		table[index].refs.Add(-1)
		delete(l.values, index)
		gls.Logger().Warn("tss: slot leaked after final destructor round",
			slog.String("goroutine", g.String()),
			slog.Int("key", int(index)),
			slog.Any("value", s.value))
	}
}

func destroy(g gls.G, k Key, dtor Destructor, value any) {
	defer func() {
		if err := recover(); err != nil {
			gls.Logger().Warn("tss: destructor panicked",
				slog.String("goroutine", g.String()),
				slog.Int("key", int(k.index)),
				slog.Any("panic", err))
		}
	}()
	dtor(value)
}
