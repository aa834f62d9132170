//go:build atomics_lock

package atomics

import (
	"sync"
	"unsafe"
)

const lockFree = false

const stripeCount = 64

// Every address maps to one of the stripes; operations on the same object
// always take the same lock, which gives them a total order.
var stripes [stripeCount]struct {
	sync.Mutex
	_ [56]byte
}

func lockFor(p unsafe.Pointer) *sync.Mutex {
	return &stripes[(uintptr(p)>>3)%stripeCount].Mutex
}

func load32(p *uint32) uint32 {
	m := lockFor(unsafe.Pointer(p))
	m.Lock()
	v := *p
	m.Unlock()
	return v
}

func store32(p *uint32, v uint32) {
	m := lockFor(unsafe.Pointer(p))
	m.Lock()
	*p = v
	m.Unlock()
}

func add32(p *uint32, d uint32) uint32 {
	m := lockFor(unsafe.Pointer(p))
	m.Lock()
	*p += d
	v := *p
	m.Unlock()
	return v
}

func swap32(p *uint32, v uint32) uint32 {
	m := lockFor(unsafe.Pointer(p))
	m.Lock()
	old := *p
	*p = v
	m.Unlock()
	return old
}

func cas32(p *uint32, old, v uint32) bool {
	m := lockFor(unsafe.Pointer(p))
	m.Lock()
	defer m.Unlock()
	if *p != old {
		return false
	}
	*p = v
	return true
}

func load64(p *uint64) uint64 {
	m := lockFor(unsafe.Pointer(p))
	m.Lock()
	v := *p
	m.Unlock()
	return v
}

func store64(p *uint64, v uint64) {
	m := lockFor(unsafe.Pointer(p))
	m.Lock()
	*p = v
	m.Unlock()
}

func add64(p *uint64, d uint64) uint64 {
	m := lockFor(unsafe.Pointer(p))
	m.Lock()
	*p += d
	v := *p
	m.Unlock()
	return v
}

func swap64(p *uint64, v uint64) uint64 {
	m := lockFor(unsafe.Pointer(p))
	m.Lock()
	old := *p
	*p = v
	m.Unlock()
	return old
}

func cas64(p *uint64, old, v uint64) bool {
	m := lockFor(unsafe.Pointer(p))
	m.Lock()
	defer m.Unlock()
	if *p != old {
		return false
	}
	*p = v
	return true
}

func loadPointer(p *unsafe.Pointer) unsafe.Pointer {
	m := lockFor(unsafe.Pointer(p))
	m.Lock()
	v := *p
	m.Unlock()
	return v
}

func storePointer(p *unsafe.Pointer, v unsafe.Pointer) {
	m := lockFor(unsafe.Pointer(p))
	m.Lock()
	*p = v
	m.Unlock()
}

func swapPointer(p *unsafe.Pointer, v unsafe.Pointer) unsafe.Pointer {
	m := lockFor(unsafe.Pointer(p))
	m.Lock()
	old := *p
	*p = v
	m.Unlock()
	return old
}

func casPointer(p *unsafe.Pointer, old, v unsafe.Pointer) bool {
	m := lockFor(unsafe.Pointer(p))
	m.Lock()
	defer m.Unlock()
	if *p != old {
		return false
	}
	*p = v
	return true
}

// Taking every stripe in turn synchronizes with any operation that
// completed before the fence.
func fence() {
	for i := range stripes {
		stripes[i].Lock()
		stripes[i].Unlock()
	}
}
