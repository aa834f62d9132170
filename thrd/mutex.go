package thrd

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/stealthrocket/threadlocal/internal/gls"
	"github.com/stealthrocket/threadlocal/status"
)

// MutexKind selects the behavior of a mutex. Timed and Recursive may be
// combined.
type MutexKind int

const (
	Plain     MutexKind = 0
	Timed     MutexKind = 1 << 0
	Recursive MutexKind = 1 << 1
)

// Mutex is a mutual exclusion lock owned by the thread that locked it.
//
// Unlocking a mutex that the calling thread does not own panics.
type Mutex struct {
	kind  MutexKind
	sem   chan struct{}
	owner atomic.Int64
	depth int
}

// NewMutex returns an unlocked mutex of the given kind.
func NewMutex(kind MutexKind) (*Mutex, error) {
	if kind&^(Timed|Recursive) != 0 {
		return nil, fmt.Errorf("thrd.NewMutex: unknown mutex kind %#x: %w", int(kind), status.ErrInvalidArgument)
	}
	return &Mutex{kind: kind, sem: make(chan struct{}, 1)}, nil
}

// Kind returns the kind the mutex was created with.
func (m *Mutex) Kind() MutexKind {
	return m.kind
}

// reenter reports whether the calling goroutine already owns a recursive
// mutex, in which case it increments the lock depth.
func (m *Mutex) reenter(g gls.G) bool {
	if m.kind&Recursive != 0 && m.owner.Load() == int64(g) {
		m.depth++
		return true
	}
	return false
}

func (m *Mutex) acquired(g gls.G, depth int) {
	m.owner.Store(int64(g))
	m.depth = depth
}

// Lock blocks until the mutex is acquired.
func (m *Mutex) Lock() {
	g := gls.Current()
	if m.reenter(g) {
		return
	}
	m.sem <- struct{}{}
	m.acquired(g, 1)
}

// TryLock acquires the mutex if it is available, and returns status.ErrBusy
// otherwise.
func (m *Mutex) TryLock() error {
	g := gls.Current()
	if m.reenter(g) {
		return nil
	}
	select {
	case m.sem <- struct{}{}:
		m.acquired(g, 1)
		return nil
	default:
		return fmt.Errorf("thrd.Mutex.TryLock: %w", status.ErrBusy)
	}
}

// LockContext blocks until the mutex is acquired or ctx is canceled.
func (m *Mutex) LockContext(ctx context.Context) error {
	g := gls.Current()
	if m.reenter(g) {
		return nil
	}
	select {
	case m.sem <- struct{}{}:
		m.acquired(g, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TimedLock blocks until the mutex is acquired or the deadline passes, in
// which case it returns status.ErrTimedOut. Only mutexes of the Timed kind
// support it.
func (m *Mutex) TimedLock(deadline time.Time) error {
	if m.kind&Timed == 0 {
		return fmt.Errorf("thrd.Mutex.TimedLock: mutex is not timed: %w", status.ErrInvalidArgument)
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	if err := m.LockContext(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("thrd.Mutex.TimedLock: %w", status.ErrTimedOut)
		}
		return err
	}
	return nil
}

// Unlock releases the mutex, or decrements the lock depth of a recursive
// mutex locked more than once.
func (m *Mutex) Unlock() {
	if m.owner.Load() != int64(gls.Current()) {
		panic("thrd.Mutex.Unlock: mutex not locked by the calling thread")
	}
	if m.depth--; m.depth > 0 {
		return
	}
	m.release()
}

// unlockAll releases the mutex whatever its depth, and returns the depth to
// restore with relock.
func (m *Mutex) unlockAll() int {
	if m.owner.Load() != int64(gls.Current()) {
		panic("thrd.Cond.Wait: mutex not locked by the calling thread")
	}
	depth := m.depth
	m.release()
	return depth
}

func (m *Mutex) relock(depth int) {
	m.sem <- struct{}{}
	m.acquired(gls.Current(), depth)
}

func (m *Mutex) release() {
	m.depth = 0
	m.owner.Store(0)
	<-m.sem
}
