package alloc

import (
	"fmt"
	"math"
	"math/bits"
	"unsafe"

	"github.com/stealthrocket/threadlocal/atomics"
	"github.com/stealthrocket/threadlocal/internal/gls"
	"github.com/stealthrocket/threadlocal/status"
)

// Blocks are rounded up to a power of two between 16 bytes and 32 KiB; larger
// requests get a dedicated mapping.
const (
	minShift   = 4
	maxShift   = 15
	classCount = maxShift - minShift + 1
	largeClass = math.MaxUint32

	// MaxSize is the largest block that can be allocated.
	MaxSize = math.MaxInt32 - headerSize
)

const (
	magicLive = 0xA110C8ED
	magicFree = 0xF4EEF4EE
)

// header precedes the data of every block.
type header struct {
	heap  uint32
	class uint32
	size  uint32
	magic atomics.Uint32
}

const headerSize = int(unsafe.Sizeof(header{}))

func headerAt(p uintptr) *header {
	return (*header)(unsafe.Pointer(p))
}

func classOf(n int) uint32 {
	if n <= 1<<minShift {
		return 0
	}
	shift := bits.Len(uint(n - 1))
	if shift > maxShift {
		return largeClass
	}
	return uint32(shift - minShift)
}

func classSize(class uint32) int {
	return 1 << (class + minShift)
}

// data returns the whole usable area of the block at p.
func data(p uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p+uintptr(headerSize))), size)
}

func blockOf(b []byte) (uintptr, *header) {
	if cap(b) == 0 {
		return 0, nil
	}
	p := uintptr(unsafe.Pointer(unsafe.SliceData(b))) - uintptr(headerSize)
	return p, headerAt(p)
}

// Malloc returns a block of n bytes from the heap of the calling goroutine.
// The capacity of the returned slice is the usable size of the block. The
// content of the block is unspecified.
func Malloc(n int) ([]byte, error) {
	if n < 0 || n > MaxSize {
		return nil, fmt.Errorf("alloc.Malloc: invalid size %d: %w", n, status.ErrInvalidArgument)
	}
	h, err := AcquireHeap()
	if err != nil {
		return nil, err
	}
	return h.malloc(n)
}

func (h *Heap) malloc(n int) ([]byte, error) {
	h.collect()

	class := classOf(n)
	size := n
	var p uintptr

	if class != largeClass {
		size = classSize(class)
		if free := h.free[class]; len(free) > 0 {
			p = free[len(free)-1]
			h.free[class] = free[:len(free)-1]
		}
	}
	if p == 0 {
		var err error
		if p, err = h.arena.UintptrMalloc(headerSize + size); err != nil {
			return nil, fmt.Errorf("alloc.Malloc: %d bytes: %w: %v", n, status.ErrOutOfMemory, err)
		}
	}

	hdr := headerAt(p)
	hdr.heap = h.id
	hdr.class = class
	hdr.size = uint32(size)
	hdr.magic.Store(magicLive, atomics.Release)

	h.live++
	liveBlocks.FetchAdd(1, atomics.Relaxed)

	return data(p, size)[:n], nil
}

// Calloc allocates a zeroed block for count elements of size bytes.
func Calloc(count, size int) ([]byte, error) {
	if count < 0 || size < 0 || (size != 0 && count > MaxSize/size) {
		return nil, fmt.Errorf("alloc.Calloc: invalid size %d*%d: %w", count, size, status.ErrInvalidArgument)
	}
	b, err := Malloc(count * size)
	if err != nil {
		return nil, err
	}
	clear(b[:cap(b)])
	return b, nil
}

// Free releases a block returned by Malloc, Calloc or Realloc. b must start at
// the beginning of the block. Freeing a slice with no capacity does nothing.
//
// Any goroutine may free any block. Freeing a block twice returns
// status.ErrInvalidArgument as long as the block was not handed out again in
// between.
func Free(b []byte) error {
	p, hdr := blockOf(b)
	if hdr == nil {
		return nil
	}

	h := lookup(hdr.heap)
	if h == nil {
		return fmt.Errorf("alloc.Free: block from unknown heap %d: %w", hdr.heap, status.ErrInvalidArgument)
	}

	expected := uint32(magicLive)
	if !hdr.magic.CompareExchange(&expected, magicFree, atomics.AcqRel, atomics.Acquire) {
		return fmt.Errorf("alloc.Free: block not allocated or already freed: %w", status.ErrInvalidArgument)
	}
	liveBlocks.FetchSub(1, atomics.Relaxed)

	if h.owner.Load(atomics.Acquire) == int64(gls.Current()) {
		h.reclaim(p)
	} else {
		h.remote.Push(p)
		remoteFrees.FetchAdd(1, atomics.Relaxed)
	}
	return nil
}

// Realloc resizes a block to n bytes, preserving its content up to the
// smaller of the two sizes. The block may move, in which case the old one is
// freed. Reallocating a slice with no capacity is like Malloc, and
// reallocating to zero bytes frees the block and returns nil.
func Realloc(b []byte, n int) ([]byte, error) {
	p, hdr := blockOf(b)
	if hdr == nil {
		return Malloc(n)
	}
	if hdr.magic.Load(atomics.Acquire) != magicLive {
		return nil, fmt.Errorf("alloc.Realloc: block not allocated: %w", status.ErrInvalidArgument)
	}
	if n == 0 {
		return nil, Free(b)
	}
	// The capacity of b may have been trimmed by the caller.
	old := data(p, int(hdr.size))
	if n > 0 && n <= len(old) {
		return old[:n], nil
	}

	c, err := Malloc(n)
	if err != nil {
		return nil, err
	}
	copy(c, old)
	if err := Free(b); err != nil {
		_ = Free(c)
		return nil, err
	}
	return c, nil
}

// UsableSize returns the number of bytes available in the block.
func UsableSize(b []byte) int {
	if _, hdr := blockOf(b); hdr != nil {
		return int(hdr.size)
	}
	return 0
}
