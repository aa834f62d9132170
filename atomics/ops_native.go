//go:build !atomics_lock

package atomics

import (
	"sync/atomic"
	"unsafe"
)

const lockFree = true

func load32(p *uint32) uint32             { return atomic.LoadUint32(p) }
func store32(p *uint32, v uint32)         { atomic.StoreUint32(p, v) }
func add32(p *uint32, d uint32) uint32    { return atomic.AddUint32(p, d) }
func swap32(p *uint32, v uint32) uint32   { return atomic.SwapUint32(p, v) }
func cas32(p *uint32, old, v uint32) bool { return atomic.CompareAndSwapUint32(p, old, v) }

func load64(p *uint64) uint64             { return atomic.LoadUint64(p) }
func store64(p *uint64, v uint64)         { atomic.StoreUint64(p, v) }
func add64(p *uint64, d uint64) uint64    { return atomic.AddUint64(p, d) }
func swap64(p *uint64, v uint64) uint64   { return atomic.SwapUint64(p, v) }
func cas64(p *uint64, old, v uint64) bool { return atomic.CompareAndSwapUint64(p, old, v) }

func loadPointer(p *unsafe.Pointer) unsafe.Pointer     { return atomic.LoadPointer(p) }
func storePointer(p *unsafe.Pointer, v unsafe.Pointer) { atomic.StorePointer(p, v) }
func swapPointer(p *unsafe.Pointer, v unsafe.Pointer) unsafe.Pointer {
	return atomic.SwapPointer(p, v)
}
func casPointer(p *unsafe.Pointer, old, v unsafe.Pointer) bool {
	return atomic.CompareAndSwapPointer(p, old, v)
}

var fenceWord uint32

// sync/atomic has no standalone fence; a sequentially consistent
// read-modify-write orders everything around it.
func fence() { atomic.AddUint32(&fenceWord, 0) }
