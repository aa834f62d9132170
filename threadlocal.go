// Package threadlocal provides typed per-goroutine variables.
//
// A variable is declared once with New and then accessed by every goroutine
// through the same Var value; each goroutine observes its own copy:
//
//	var counter = threadlocal.New[int](nil)
//
//	func incr() error {
//		p, err := counter.Get()
//		if err != nil {
//			return err
//		}
//		*p++
//		return nil
//	}
//
// Two implementations of Var exist and exactly one of them is compiled in. By
// default the storage hangs off the goroutine itself and no lookup table is
// involved. Building with the threadlocal_emulated tag routes every variable
// through a storage key of the tss package instead, which is the path used on
// hosts where the native storage is unavailable. The API and its semantics are
// identical in both modes; the Emulated constant reports which one was built.
//
// Storage is allocated lazily, the first time a goroutine calls Get, and the
// pointer returned stays valid and stable until the goroutine calls Delete or
// exits. Destructors run when a goroutine exits through Go, gls.Run or a
// thread of the thrd package.
package threadlocal

import "github.com/stealthrocket/threadlocal/internal/gls"

// Go starts fn on a new goroutine and runs the destructors of the variables
// that the goroutine touched once fn returns.
func Go(fn func()) {
	go gls.Run(fn)
}
