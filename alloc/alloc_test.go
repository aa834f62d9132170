package alloc

import (
	"bytes"
	"errors"
	"testing"
	"unsafe"

	"github.com/stealthrocket/threadlocal/status"
	"github.com/stealthrocket/threadlocal/thrd"
)

func mustMalloc(t *testing.T, n int) []byte {
	t.Helper()
	b, err := Malloc(n)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func mustFree(t *testing.T, b []byte) {
	t.Helper()
	if err := Free(b); err != nil {
		t.Fatal(err)
	}
}

func addr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

func TestMallocFree(t *testing.T) {
	defer ReleaseHeap()
	live := ReadStats().Live

	for _, n := range []int{0, 1, 15, 16, 17, 100, 4096, 32 << 10, 32<<10 + 1, 1 << 20} {
		b := mustMalloc(t, n)
		if len(b) != n {
			t.Errorf("unexpected length: want=%d got=%d", n, len(b))
		}
		if size := UsableSize(b); size < n || size != cap(b) {
			t.Errorf("unexpected usable size for %d bytes: %d (cap=%d)", n, size, cap(b))
		}
		for i := range b {
			b[i] = byte(i)
		}
		mustFree(t, b)
	}

	if got := ReadStats().Live; got != live {
		t.Errorf("blocks leaked: want=%d got=%d", live, got)
	}
}

func TestFreeEmpty(t *testing.T) {
	if err := Free(nil); err != nil {
		t.Errorf("freeing nil: %v", err)
	}
	if UsableSize(nil) != 0 {
		t.Error("nil slice has a usable size")
	}
}

func TestInvalidSize(t *testing.T) {
	if _, err := Malloc(-1); !errors.Is(err, status.ErrInvalidArgument) {
		t.Errorf("Malloc(-1): want=%v got=%v", status.ErrInvalidArgument, err)
	}
	if _, err := Calloc(1<<20, 1<<20); !errors.Is(err, status.ErrInvalidArgument) {
		t.Errorf("Calloc overflow: want=%v got=%v", status.ErrInvalidArgument, err)
	}
}

func TestDoubleFree(t *testing.T) {
	defer ReleaseHeap()

	b := mustMalloc(t, 32)
	mustFree(t, b)

	err := Free(b)
	if !errors.Is(err, status.ErrInvalidArgument) {
		t.Errorf("double free: want=%v got=%v", status.ErrInvalidArgument, err)
	}
}

func TestCalloc(t *testing.T) {
	defer ReleaseHeap()

	b := mustMalloc(t, 64)
	for i := range b {
		b[i] = 0xFF
	}
	mustFree(t, b)

	c, err := Calloc(8, 8)
	if err != nil {
		t.Fatal(err)
	}
	defer mustFree(t, c)

	if !bytes.Equal(c[:cap(c)], make([]byte, cap(c))) {
		t.Errorf("block is not zeroed: %x", c)
	}
}

func TestRealloc(t *testing.T) {
	defer ReleaseHeap()

	b, err := Realloc(nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	copy(b, "0123456789")

	s, err := Realloc(b, 4)
	if err != nil {
		t.Fatal(err)
	}
	if addr(s) != addr(b) || string(s) != "0123" {
		t.Errorf("shrinking moved or changed the block: %q", s)
	}

	g, err := Realloc(s, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(g) != 1000 {
		t.Errorf("unexpected length: want=1000 got=%d", len(g))
	}
	if string(g[:10]) != "0123456789" {
		t.Errorf("content was not preserved: %q", g[:10])
	}
	if err := Free(s); !errors.Is(err, status.ErrInvalidArgument) {
		t.Errorf("old block was not freed: %v", err)
	}

	z, err := Realloc(g, 0)
	if err != nil || z != nil {
		t.Errorf("realloc to zero: want=<nil> got=%v (%v)", z, err)
	}
}

// A block freed by another goroutine is handed back to its heap, which
// reuses it for the next allocation of the same size.
func TestRemoteFreeReuse(t *testing.T) {
	blocks := make(chan []byte)
	freed := make(chan struct{})
	reused := make(chan bool, 1)

	thr, err := thrd.Create(func(any) int {
		b, err := Malloc(100)
		if err != nil {
			return 1
		}
		blocks <- b
		<-freed

		c, err := Malloc(100)
		if err != nil {
			return 1
		}
		reused <- addr(c) == addr(b)
		return 0
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	remote := ReadStats().RemoteFrees
	mustFree(t, <-blocks)
	close(freed)

	if code, err := thr.Join(); err != nil || code != 0 {
		t.Fatalf("thread failed: %d (%v)", code, err)
	}
	if !<-reused {
		t.Error("remotely freed block was not reused by its heap")
	}
	if got := ReadStats().RemoteFrees; got != remote+1 {
		t.Errorf("unexpected remote frees: want=%d got=%d", remote+1, got)
	}
}

// Blocks outlive the thread that allocated them and can still be freed once
// its heap went back to the pool.
func TestHeapPool(t *testing.T) {
	live := ReadStats().Live

	var leaked []byte
	thr, err := thrd.Create(func(any) int {
		b, err := Malloc(256)
		if err != nil {
			return 1
		}
		copy(b, "still here")
		leaked = b
		return 0
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if code, err := thr.Join(); err != nil || code != 0 {
		t.Fatalf("thread failed: %d (%v)", code, err)
	}

	s := ReadStats()
	if s.Pooled == 0 {
		t.Error("released heap was not pooled")
	}
	if s.Live != live+1 {
		t.Errorf("unexpected live blocks: want=%d got=%d", live+1, s.Live)
	}
	if string(leaked[:10]) != "still here" {
		t.Errorf("block content changed: %q", leaked[:10])
	}
	mustFree(t, leaked)

	// The next thread adopts a pooled heap and reclaims the block.
	thr, err = thrd.Create(func(any) int {
		if _, err := AcquireHeap(); err != nil {
			return 1
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if code, err := thr.Join(); err != nil || code != 0 {
		t.Fatalf("thread failed: %d (%v)", code, err)
	}

	if got := ReadStats().Live; got != live {
		t.Errorf("blocks leaked: want=%d got=%d", live, got)
	}
}

func TestStress(t *testing.T) {
	const threads = 8
	blocksPerThread := (threads - 1) * 125
	if testing.Short() {
		blocksPerThread = (threads - 1) * 10
	}

	live := ReadStats().Live
	inbox := make([]chan []byte, threads)
	for i := range inbox {
		inbox[i] = make(chan []byte, threads*blocksPerThread)
	}

	worker := func(arg any) int {
		self := arg.(int)

		for j := 0; j < blocksPerThread; j++ {
			b, err := Malloc(16 + j%512)
			if err != nil {
				return 1
			}
			for k := range b {
				b[k] = byte(self)
			}
			peer := (self + 1 + j%(threads-1)) % threads
			inbox[peer] <- b
		}

		for j := 0; j < blocksPerThread; j++ {
			b := <-inbox[self]
			for _, c := range b {
				if c == byte(self) || int(c) >= threads {
					return 2
				}
			}
			if err := Free(b); err != nil {
				return 3
			}
		}
		return 0
	}

	var ts []*thrd.Thread
	for i := 0; i < threads; i++ {
		thr, err := thrd.Create(worker, i)
		if err != nil {
			t.Fatal(err)
		}
		ts = append(ts, thr)
	}
	for i, thr := range ts {
		code, err := thr.Join()
		if err != nil {
			t.Fatal(err)
		}
		if code != 0 {
			t.Errorf("thread %d failed with code %d", i, code)
		}
	}

	if got := ReadStats().Live; got != live {
		t.Errorf("blocks leaked: want=%d got=%d", live, got)
	}
}

func BenchmarkMallocFree(b *testing.B) {
	b.RunParallel(func(pb *testing.PB) {
		defer ReleaseHeap()
		for pb.Next() {
			p, err := Malloc(64)
			if err != nil {
				b.Error(err)
				return
			}
			_ = Free(p)
		}
	})
}

func TestReallocTrimmedCapacity(t *testing.T) {
	defer ReleaseHeap()

	b := mustMalloc(t, 10)
	copy(b, "0123456789")
	b = b[:4:4]

	s, err := Realloc(b, 8)
	if err != nil {
		t.Fatal(err)
	}
	if addr(s) != addr(b) || string(s) != "01234567" {
		t.Errorf("resizing within the block moved or changed it: %q", s)
	}
	if cap(s) != UsableSize(s) {
		t.Errorf("capacity not restored: want=%d got=%d", UsableSize(s), cap(s))
	}

	g, err := Realloc(s[:2:2], 100)
	if err != nil {
		t.Fatal(err)
	}
	defer mustFree(t, g)

	if string(g[:10]) != "0123456789" {
		t.Errorf("content was not preserved: %q", g[:10])
	}
}

func TestFreeUnknownHeap(t *testing.T) {
	defer ReleaseHeap()

	b := mustMalloc(t, 32)
	live := ReadStats().Live

	_, hdr := blockOf(b)
	id := hdr.heap
	hdr.heap = MaxHeaps

	if err := Free(b); !errors.Is(err, status.ErrInvalidArgument) {
		t.Errorf("freeing a block of an unknown heap: want=%v got=%v", status.ErrInvalidArgument, err)
	}
	if got := ReadStats().Live; got != live {
		t.Errorf("failed free changed the live blocks: want=%d got=%d", live, got)
	}

	hdr.heap = id
	mustFree(t, b)
}
