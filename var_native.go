//go:build !threadlocal_emulated

package threadlocal

import (
	"fmt"

	"github.com/stealthrocket/threadlocal/internal/gls"
	"github.com/stealthrocket/threadlocal/status"
	"github.com/timandy/routine"
)

// Emulated is true when variables are implemented with storage keys.
const Emulated = false

// Var is a variable with one value of type T per goroutine.
type Var[T any] struct {
	local routine.ThreadLocal
	dtor  func(*T)
}

type cell[T any] struct {
	value T
	hook  gls.Hook
	// Set once the destructor ran, the cell stays in place so that the
	// destructor cannot bring the variable back to life.
	dead bool
}

// New declares a variable. The destructor, if not nil, is called when a
// goroutine that holds storage for the variable exits.
func New[T any](dtor func(*T)) *Var[T] {
	return &Var[T]{local: routine.NewThreadLocal(), dtor: dtor}
}

func (v *Var[T]) cell() *cell[T] {
	c, _ := v.local.Get().(*cell[T])
	return c
}

// Get returns the calling goroutine's storage, allocating it on first use.
func (v *Var[T]) Get() (*T, error) {
	if c := v.cell(); c != nil {
		if c.dead {
			return nil, fmt.Errorf("threadlocal.Var.Get: storage destroyed by goroutine exit: %w", status.ErrInvalidState)
		}
		return &c.value, nil
	}
	c := new(cell[T])
	if v.dtor != nil {
		c.hook = gls.AtExit(func() { v.destroy(c) })
	}
	v.local.Set(c)
	return &c.value, nil
}

// Set stores x in the calling goroutine's storage.
func (v *Var[T]) Set(x T) error {
	p, err := v.Get()
	if err != nil {
		return err
	}
	*p = x
	return nil
}

// Load returns the value of the calling goroutine's storage.
func (v *Var[T]) Load() (x T, err error) {
	p, err := v.Get()
	if err != nil {
		return x, err
	}
	return *p, nil
}

// IsEmpty reports whether the calling goroutine has no storage for the
// variable, either because it never touched it or because it deleted it.
// It never allocates.
func (v *Var[T]) IsEmpty() bool {
	c := v.cell()
	return c == nil || c.dead
}

// Delete releases the calling goroutine's storage without calling the
// destructor. Other goroutines are not affected.
func (v *Var[T]) Delete() {
	if c := v.cell(); c != nil && !c.dead {
		c.hook.Cancel()
		v.local.Remove()
	}
}

func (v *Var[T]) destroy(c *cell[T]) {
	if v.cell() != c {
		return
	}
	c.dead = true
	v.dtor(&c.value)
}
