// Package atomics implements C11 style atomic objects with explicit memory
// ordering.
//
// The default backend maps every operation to sync/atomic, whose operations
// are sequentially consistent and therefore satisfy any requested order.
// Building with the atomics_lock tag selects a backend that serializes every
// operation through a table of address-striped mutexes, for hosts without
// native atomic instructions; it provides the same visibility guarantees.
//
// Memory orders are validated the way C11 constrains them: a store cannot
// have acquire semantics, and neither a load nor the failure path of a
// compare-exchange can have release semantics. Passing an invalid order
// panics.
package atomics

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// MemoryOrder is the ordering constraint of an atomic operation.
type MemoryOrder int

const (
	Relaxed MemoryOrder = iota
	Consume
	Acquire
	Release
	AcqRel
	SeqCst
)

func (o MemoryOrder) String() string {
	switch o {
	case Relaxed:
		return "relaxed"
	case Consume:
		return "consume"
	case Acquire:
		return "acquire"
	case Release:
		return "release"
	case AcqRel:
		return "acq_rel"
	case SeqCst:
		return "seq_cst"
	default:
		return fmt.Sprintf("MemoryOrder(%d)", int(o))
	}
}

func (o MemoryOrder) valid() bool {
	return o >= Relaxed && o <= SeqCst
}

func invalid(op string, o MemoryOrder) {
	panic("atomics." + op + ": invalid memory order " + o.String())
}

func checkLoad(op string, o MemoryOrder) {
	if !o.valid() || o == Release || o == AcqRel {
		invalid(op, o)
	}
}

func checkStore(op string, o MemoryOrder) {
	if !o.valid() || o == Consume || o == Acquire || o == AcqRel {
		invalid(op, o)
	}
}

func checkRMW(op string, o MemoryOrder) {
	if !o.valid() {
		invalid(op, o)
	}
}

func checkCAS(op string, success, failure MemoryOrder) {
	checkRMW(op, success)
	checkLoad(op, failure)
}

// Fence establishes the ordering of non-atomic and relaxed accesses around
// it, like atomic_thread_fence.
func Fence(o MemoryOrder) {
	checkRMW("Fence", o)
	if o != Relaxed {
		fence()
	}
}

// IsLockFree reports whether the operations of the package are implemented
// without locks.
func IsLockFree() bool {
	return lockFree
}

// Int32 is an atomic int32. The zero value is zero.
type Int32 struct{ v uint32 }

func (x *Int32) Init(v int32) { x.v = uint32(v) }

func (x *Int32) Load(o MemoryOrder) int32 {
	checkLoad("Int32.Load", o)
	return int32(load32(&x.v))
}

func (x *Int32) Store(v int32, o MemoryOrder) {
	checkStore("Int32.Store", o)
	store32(&x.v, uint32(v))
}

// FetchAdd adds delta and returns the previous value.
func (x *Int32) FetchAdd(delta int32, o MemoryOrder) int32 {
	checkRMW("Int32.FetchAdd", o)
	return int32(add32(&x.v, uint32(delta)) - uint32(delta))
}

// FetchSub subtracts delta and returns the previous value.
func (x *Int32) FetchSub(delta int32, o MemoryOrder) int32 {
	checkRMW("Int32.FetchSub", o)
	return int32(add32(&x.v, -uint32(delta)) + uint32(delta))
}

// Exchange stores v and returns the previous value.
func (x *Int32) Exchange(v int32, o MemoryOrder) int32 {
	checkRMW("Int32.Exchange", o)
	return int32(swap32(&x.v, uint32(v)))
}

// CompareExchange stores desired if the value equals *expected and returns
// true. Otherwise it writes the current value to *expected and returns false.
func (x *Int32) CompareExchange(expected *int32, desired int32, success, failure MemoryOrder) bool {
	checkCAS("Int32.CompareExchange", success, failure)
	old := uint32(*expected)
	ok := compareExchange32(&x.v, &old, uint32(desired))
	*expected = int32(old)
	return ok
}

// Uint32 is an atomic uint32. The zero value is zero.
type Uint32 struct{ v uint32 }

func (x *Uint32) Init(v uint32) { x.v = v }

func (x *Uint32) Load(o MemoryOrder) uint32 {
	checkLoad("Uint32.Load", o)
	return load32(&x.v)
}

func (x *Uint32) Store(v uint32, o MemoryOrder) {
	checkStore("Uint32.Store", o)
	store32(&x.v, v)
}

// FetchAdd adds delta and returns the previous value.
func (x *Uint32) FetchAdd(delta uint32, o MemoryOrder) uint32 {
	checkRMW("Uint32.FetchAdd", o)
	return add32(&x.v, delta) - delta
}

// FetchSub subtracts delta and returns the previous value.
func (x *Uint32) FetchSub(delta uint32, o MemoryOrder) uint32 {
	checkRMW("Uint32.FetchSub", o)
	return add32(&x.v, -delta) + delta
}

// Exchange stores v and returns the previous value.
func (x *Uint32) Exchange(v uint32, o MemoryOrder) uint32 {
	checkRMW("Uint32.Exchange", o)
	return swap32(&x.v, v)
}

// CompareExchange stores desired if the value equals *expected and returns
// true. Otherwise it writes the current value to *expected and returns false.
func (x *Uint32) CompareExchange(expected *uint32, desired uint32, success, failure MemoryOrder) bool {
	checkCAS("Uint32.CompareExchange", success, failure)
	return compareExchange32(&x.v, expected, desired)
}

// Int64 is an atomic int64. The zero value is zero.
type Int64 struct {
	_ [0]atomic.Int64 // 64-bit alignment on 32-bit platforms
	v uint64
}

func (x *Int64) Init(v int64) { x.v = uint64(v) }

func (x *Int64) Load(o MemoryOrder) int64 {
	checkLoad("Int64.Load", o)
	return int64(load64(&x.v))
}

func (x *Int64) Store(v int64, o MemoryOrder) {
	checkStore("Int64.Store", o)
	store64(&x.v, uint64(v))
}

// FetchAdd adds delta and returns the previous value.
func (x *Int64) FetchAdd(delta int64, o MemoryOrder) int64 {
	checkRMW("Int64.FetchAdd", o)
	return int64(add64(&x.v, uint64(delta)) - uint64(delta))
}

// FetchSub subtracts delta and returns the previous value.
func (x *Int64) FetchSub(delta int64, o MemoryOrder) int64 {
	checkRMW("Int64.FetchSub", o)
	return int64(add64(&x.v, -uint64(delta)) + uint64(delta))
}

// Exchange stores v and returns the previous value.
func (x *Int64) Exchange(v int64, o MemoryOrder) int64 {
	checkRMW("Int64.Exchange", o)
	return int64(swap64(&x.v, uint64(v)))
}

// CompareExchange stores desired if the value equals *expected and returns
// true. Otherwise it writes the current value to *expected and returns false.
func (x *Int64) CompareExchange(expected *int64, desired int64, success, failure MemoryOrder) bool {
	checkCAS("Int64.CompareExchange", success, failure)
	old := uint64(*expected)
	ok := compareExchange64(&x.v, &old, uint64(desired))
	*expected = int64(old)
	return ok
}

// Uint64 is an atomic uint64. The zero value is zero.
type Uint64 struct {
	_ [0]atomic.Int64
	v uint64
}

func (x *Uint64) Init(v uint64) { x.v = v }

func (x *Uint64) Load(o MemoryOrder) uint64 {
	checkLoad("Uint64.Load", o)
	return load64(&x.v)
}

func (x *Uint64) Store(v uint64, o MemoryOrder) {
	checkStore("Uint64.Store", o)
	store64(&x.v, v)
}

// FetchAdd adds delta and returns the previous value.
func (x *Uint64) FetchAdd(delta uint64, o MemoryOrder) uint64 {
	checkRMW("Uint64.FetchAdd", o)
	return add64(&x.v, delta) - delta
}

// FetchSub subtracts delta and returns the previous value.
func (x *Uint64) FetchSub(delta uint64, o MemoryOrder) uint64 {
	checkRMW("Uint64.FetchSub", o)
	return add64(&x.v, -delta) + delta
}

// Exchange stores v and returns the previous value.
func (x *Uint64) Exchange(v uint64, o MemoryOrder) uint64 {
	checkRMW("Uint64.Exchange", o)
	return swap64(&x.v, v)
}

// CompareExchange stores desired if the value equals *expected and returns
// true. Otherwise it writes the current value to *expected and returns false.
func (x *Uint64) CompareExchange(expected *uint64, desired uint64, success, failure MemoryOrder) bool {
	checkCAS("Uint64.CompareExchange", success, failure)
	return compareExchange64(&x.v, expected, desired)
}

// Uintptr is an atomic uintptr. The zero value is zero.
type Uintptr struct{ v Uint64 }

func (x *Uintptr) Init(v uintptr) { x.v.Init(uint64(v)) }

func (x *Uintptr) Load(o MemoryOrder) uintptr { return uintptr(x.v.Load(o)) }

func (x *Uintptr) Store(v uintptr, o MemoryOrder) { x.v.Store(uint64(v), o) }

// FetchAdd adds delta and returns the previous value.
func (x *Uintptr) FetchAdd(delta uintptr, o MemoryOrder) uintptr {
	return uintptr(x.v.FetchAdd(uint64(delta), o))
}

// Exchange stores v and returns the previous value.
func (x *Uintptr) Exchange(v uintptr, o MemoryOrder) uintptr {
	return uintptr(x.v.Exchange(uint64(v), o))
}

// CompareExchange stores desired if the value equals *expected and returns
// true. Otherwise it writes the current value to *expected and returns false.
func (x *Uintptr) CompareExchange(expected *uintptr, desired uintptr, success, failure MemoryOrder) bool {
	old := uint64(*expected)
	ok := x.v.CompareExchange(&old, uint64(desired), success, failure)
	*expected = uintptr(old)
	return ok
}

// Bool is an atomic boolean. The zero value is false.
type Bool struct{ v uint32 }

func b32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func (x *Bool) Init(v bool) { x.v = b32(v) }

func (x *Bool) Load(o MemoryOrder) bool {
	checkLoad("Bool.Load", o)
	return load32(&x.v) != 0
}

func (x *Bool) Store(v bool, o MemoryOrder) {
	checkStore("Bool.Store", o)
	store32(&x.v, b32(v))
}

// Exchange stores v and returns the previous value.
func (x *Bool) Exchange(v bool, o MemoryOrder) bool {
	checkRMW("Bool.Exchange", o)
	return swap32(&x.v, b32(v)) != 0
}

// CompareExchange stores desired if the value equals *expected and returns
// true. Otherwise it writes the current value to *expected and returns false.
func (x *Bool) CompareExchange(expected *bool, desired bool, success, failure MemoryOrder) bool {
	checkCAS("Bool.CompareExchange", success, failure)
	old := b32(*expected)
	ok := compareExchange32(&x.v, &old, b32(desired))
	*expected = old != 0
	return ok
}

// Pointer is an atomic *T. The zero value is nil.
type Pointer[T any] struct {
	_ [0]*T
	v unsafe.Pointer
}

func (x *Pointer[T]) Init(v *T) { x.v = unsafe.Pointer(v) }

func (x *Pointer[T]) Load(o MemoryOrder) *T {
	checkLoad("Pointer.Load", o)
	return (*T)(loadPointer(&x.v))
}

func (x *Pointer[T]) Store(v *T, o MemoryOrder) {
	checkStore("Pointer.Store", o)
	storePointer(&x.v, unsafe.Pointer(v))
}

// Exchange stores v and returns the previous value.
func (x *Pointer[T]) Exchange(v *T, o MemoryOrder) *T {
	checkRMW("Pointer.Exchange", o)
	return (*T)(swapPointer(&x.v, unsafe.Pointer(v)))
}

// CompareExchange stores desired if the value equals *expected and returns
// true. Otherwise it writes the current value to *expected and returns false.
func (x *Pointer[T]) CompareExchange(expected **T, desired *T, success, failure MemoryOrder) bool {
	checkCAS("Pointer.CompareExchange", success, failure)
	old := unsafe.Pointer(*expected)
	ok := compareExchangePointer(&x.v, &old, unsafe.Pointer(desired))
	*expected = (*T)(old)
	return ok
}

// Flag is an atomic flag, the only type C11 requires to be lock free. The
// zero value is clear.
type Flag struct{ v uint32 }

// TestAndSet sets the flag and returns whether it was already set.
func (f *Flag) TestAndSet(o MemoryOrder) bool {
	checkRMW("Flag.TestAndSet", o)
	return swap32(&f.v, 1) != 0
}

// Clear clears the flag.
func (f *Flag) Clear(o MemoryOrder) {
	checkStore("Flag.Clear", o)
	store32(&f.v, 0)
}

// The compare-exchange helpers implement the strong variant: a failure always
// reports a value different from the expected one.

func compareExchange32(p *uint32, expected *uint32, desired uint32) bool {
	for {
		if cas32(p, *expected, desired) {
			return true
		}
		if v := load32(p); v != *expected {
			*expected = v
			return false
		}
	}
}

func compareExchange64(p *uint64, expected *uint64, desired uint64) bool {
	for {
		if cas64(p, *expected, desired) {
			return true
		}
		if v := load64(p); v != *expected {
			*expected = v
			return false
		}
	}
}

func compareExchangePointer(p *unsafe.Pointer, expected *unsafe.Pointer, desired unsafe.Pointer) bool {
	for {
		if casPointer(p, *expected, desired) {
			return true
		}
		if v := loadPointer(p); v != *expected {
			*expected = v
			return false
		}
	}
}
