package gls

import (
	"log/slog"
	"sync/atomic"
)

// DestructorIterations bounds how many times Exit rescans the hook list when
// hooks register new hooks while running.
const DestructorIterations = 4

type hook struct {
	id uint64
	fn func()
}

// hooks is only ever accessed by the goroutine it belongs to.
type hooks struct {
	list    []hook
	after   []func()
	next    uint64
	exiting bool
}

var exits Table[*hooks]

func current(g G) *hooks {
	h, ok := exits.Load(g)
	if !ok {
		h = new(hooks)
		exits.Store(g, h)
	}
	return h
}

// Hook is a handle on an exit hook registered with AtExit.
type Hook struct {
	g  G
	id uint64
}

// AtExit registers fn to be called when the current goroutine exits through
// Exit or Run. Hooks run in reverse order of registration.
func AtExit(fn func()) Hook {
	g := Current()
	h := current(g)
	h.next++
	h.list = append(h.list, hook{id: h.next, fn: fn})
	return Hook{g: g, id: h.next}
}

// AfterExit registers fn to be called once all the exit hooks of the current
// goroutine have run. It is meant for releasing the bookkeeping that the hooks
// consult, and fn must not panic.
func AfterExit(fn func()) {
	h := current(Current())
	h.after = append(h.after, fn)
}

// Cancel unregisters the hook. It must be called from the goroutine that
// registered it, and has no effect if the hook already ran.
func (k Hook) Cancel() {
	h, ok := exits.Load(k.g)
	if !ok {
		return
	}
	for i := range h.list {
		if h.list[i].id == k.id {
			h.list[i].fn = nil
			return
		}
	}
}

// Exiting reports whether the current goroutine is running its exit hooks.
func Exiting() bool {
	h, ok := exits.Load(Current())
	return ok && h.exiting
}

// Exit runs the exit hooks of the current goroutine. Hooks registered while
// the hooks run are picked up by another round, up to DestructorIterations
// rounds. A panicking hook is recovered and logged; it never prevents the
// remaining hooks from running.
func Exit() {
	g := Current()
	h, ok := exits.Load(g)
	if !ok {
		return
	}
	h.exiting = true

	for round := 0; round < DestructorIterations && len(h.list) > 0; round++ {
		list := h.list
		h.list = nil
		for i := len(list) - 1; i >= 0; i-- {
			if fn := list[i].fn; fn != nil {
				invoke(g, fn)
			}
		}
	}

	if n := len(h.list); n != 0 {
		Logger().Warn("gls: exit hooks left after final round",
			slog.String("goroutine", g.String()),
			slog.Int("hooks", n))
	}
	for _, fn := range h.after {
		fn()
	}
	exits.Delete(g)
}

// Run calls fn and then runs the exit hooks of the goroutine, whether fn
// returns, panics or calls runtime.Goexit.
func Run(fn func()) {
	defer Exit()
	fn()
}

func invoke(g G, fn func()) {
	defer func() {
		if err := recover(); err != nil {
			Logger().Warn("gls: exit hook panicked",
				slog.String("goroutine", g.String()),
				slog.Any("panic", err))
		}
	}()
	fn()
}

var logger atomic.Pointer[slog.Logger]

// SetLogger sets the logger used to report errors swallowed during exit
// processing. A nil logger restores slog.Default.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
}

// Logger returns the logger set with SetLogger, or slog.Default.
func Logger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}
