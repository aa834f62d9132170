//go:build threadlocal_emulated

package threadlocal

import (
	"fmt"
	"sync"

	"github.com/stealthrocket/threadlocal/tss"
)

// Emulated is true when variables are implemented with storage keys.
const Emulated = true

// Var is a variable with one value of type T per goroutine.
type Var[T any] struct {
	once sync.Once
	key  tss.Key
	dtor func(*T)
}

// New declares a variable. The destructor, if not nil, is called when a
// goroutine that holds storage for the variable exits.
func New[T any](dtor func(*T)) *Var[T] {
	return &Var[T]{dtor: dtor}
}

// The key is created on first use by any goroutine. A variable that cannot
// get a key is unusable, so failing to create one is fatal.
func (v *Var[T]) init() tss.Key {
	v.once.Do(func() {
		k, err := tss.Create(v.destroy)
		if err != nil {
			panic(fmt.Sprintf("threadlocal.New: cannot create storage key: %v", err))
		}
		v.key = k
	})
	return v.key
}

// Get returns the calling goroutine's storage, allocating it on first use.
func (v *Var[T]) Get() (*T, error) {
	k := v.init()
	if p, _ := tss.Get(k).(*T); p != nil {
		return p, nil
	}
	p := new(T)
	if err := tss.Set(k, p); err != nil {
		return nil, fmt.Errorf("threadlocal.Var.Get: %w", err)
	}
	return p, nil
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
	_, ok := tss.Lookup(v.init())
	return !ok
}

// Delete releases the calling goroutine's storage without calling the
// destructor. Other goroutines are not affected.
func (v *Var[T]) Delete() {
	_ = tss.Remove(v.init())
}

func (v *Var[T]) destroy(value any) {
	if p, _ := value.(*T); p != nil && v.dtor != nil {
		v.dtor(p)
	}
}
