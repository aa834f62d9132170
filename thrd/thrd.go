// Package thrd implements the C11 thread vocabulary on top of goroutines.
//
// Every thread created by this package is a goroutine locked to its own OS
// thread for its whole life; the OS thread terminates with it. When a thread
// returns, or calls Exit, the destructors of the goroutine local storage it
// touched run before Join returns.
//
// Threads follow the state machine
//
//	Created → Running → {Joining → Joined | Detached} → Terminated
//
// where a thread can be joined or detached at most once.
package thrd

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/stealthrocket/threadlocal/internal/gls"
	"github.com/stealthrocket/threadlocal/status"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxThreads is the initial limit on the number of threads alive at the
// same time. It matches the default of runtime/debug.SetMaxThreads.
const DefaultMaxThreads = 10000

const (
	joinable int32 = iota
	joining
	joined
	detached
)

// Thread is a handle on a thread.
type Thread struct {
	id    gls.G
	osid  int64
	state atomic.Int32
	done  chan struct{}
	code  int
	limit *limiter
}

type limiter struct {
	sem *semaphore.Weighted
	max int
}

var (
	limit   atomic.Pointer[limiter]
	threads gls.Table[*Thread]
)

func init() {
	limit.Store(newLimiter(DefaultMaxThreads))
}

func newLimiter(n int) *limiter {
	return &limiter{sem: semaphore.NewWeighted(int64(n)), max: n}
}

// MaxThreads returns the limit on the number of live threads.
func MaxThreads() int {
	return limit.Load().max
}

// SetMaxThreads sets the limit on the number of threads that may be alive at
// the same time and returns the previous limit. Threads that are already
// running count against the limit that was in place when they were created.
func SetMaxThreads(n int) int {
	if n < 1 {
		panic("thrd.SetMaxThreads: limit must be positive")
	}
	return limit.Swap(newLimiter(n)).max
}

// Create starts a new thread running entry(arg). The value returned by entry
// is the exit code reported by Join.
func Create(entry func(arg any) int, arg any) (*Thread, error) {
	if entry == nil {
		return nil, fmt.Errorf("thrd.Create: nil entry function: %w", status.ErrInvalidArgument)
	}

	l := limit.Load()
	if !l.sem.TryAcquire(1) {
		return nil, fmt.Errorf("thrd.Create: %d threads already running: %w", l.max, status.ErrResourceExhausted)
	}

	t := &Thread{done: make(chan struct{}), limit: l}
	ready := make(chan struct{})
	go t.run(entry, arg, ready)
	<-ready
	return t, nil
}

func (t *Thread) run(entry func(any) int, arg any, ready chan<- struct{}) {
	// The goroutine never unlocks, which makes the runtime terminate the OS
	// thread when the goroutine exits instead of reusing it.
	runtime.LockOSThread()

	t.id = gls.Current()
	t.osid = gettid()
	threads.Store(t.id, t)
	close(ready)

	defer func() {
		threads.Delete(t.id)
		close(t.done)
		t.limit.sem.Release(1)
	}()
	defer gls.Exit()

	t.code = entry(arg)
}

// Current returns the calling thread. Goroutines that were not started by
// Create get a handle that can be compared with Equal but can neither be
// joined nor detached.
func Current() *Thread {
	g := gls.Current()
	if t, ok := threads.Load(g); ok {
		return t
	}
	t := &Thread{id: g, osid: gettid()}
	t.state.Store(detached)
	return t
}

// Equal reports whether a and b refer to the same thread.
func Equal(a, b *Thread) bool {
	return a.id == b.id
}

// ID returns the goroutine id of the thread.
func (t *Thread) ID() int64 {
	return int64(t.id)
}

// OSThreadID returns the id that the operating system assigned to the thread,
// or zero on platforms where it is not available.
func (t *Thread) OSThreadID() int64 {
	return t.osid
}

func (t *Thread) String() string {
	return fmt.Sprintf("thread(%v, os=%d)", t.id, t.osid)
}

// Join blocks until the thread terminates and returns its exit code.
func (t *Thread) Join() (int, error) {
	return t.JoinContext(context.Background())
}

// JoinContext is like Join but gives up when ctx is canceled, in which case the
// thread stays joinable.
//
// While a join is in progress, other calls to Join or Detach fail with
// status.ErrBusy.
func (t *Thread) JoinContext(ctx context.Context) (int, error) {
	if t.id == gls.Current() {
		return 0, fmt.Errorf("thrd.Thread.Join: thread cannot join itself: %w", status.ErrInvalidState)
	}
	if err := t.acquire("Join", joining); err != nil {
		return 0, err
	}
	select {
	case <-t.done:
		t.state.Store(joined)
		return t.code, nil
	case <-ctx.Done():
		t.state.Store(joinable)
		return 0, ctx.Err()
	}
}

// Detach lets the thread release its resources on its own when it
// terminates. A detached thread cannot be joined.
func (t *Thread) Detach() error {
	return t.acquire("Detach", detached)
}

func (t *Thread) acquire(op string, state int32) error {
	for {
		switch t.state.Load() {
		case joinable:
			if t.state.CompareAndSwap(joinable, state) {
				return nil
			}
		case joining:
			return fmt.Errorf("thrd.Thread.%s: join in progress: %w", op, status.ErrBusy)
		default:
			return fmt.Errorf("thrd.Thread.%s: thread already joined or detached: %w", op, status.ErrInvalidState)
		}
	}
}

// Exit terminates the calling thread with the given exit code, running the
// deferred calls and the exit hooks of the goroutine. Calling Exit from a
// goroutine not created by Create terminates that goroutine.
func Exit(code int) {
	if t, ok := threads.Load(gls.Current()); ok {
		t.code = code
	}
	runtime.Goexit()
}

// Yield lets other threads run.
func Yield() {
	runtime.Gosched()
}

// Sleep suspends the calling thread for d, or until ctx is canceled.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
