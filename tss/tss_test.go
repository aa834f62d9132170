package tss

import (
	"errors"
	"sync"
	"testing"

	"github.com/stealthrocket/threadlocal/internal/gls"
	"github.com/stealthrocket/threadlocal/status"
)

// spawn runs fn on a new goroutine that runs its exit hooks on return, and
// waits for it to complete.
func spawn(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		gls.Run(fn)
	}()
	<-done
}

func mustCreate(t *testing.T, dtor Destructor) Key {
	t.Helper()
	k, err := Create(dtor)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func mustDelete(t *testing.T, k Key) {
	t.Helper()
	if err := Delete(k); err != nil {
		t.Fatal(err)
	}
}

func TestSetGet(t *testing.T) {
	k := mustCreate(t, nil)

	spawn(func() {
		defer func() { _ = Remove(k) }()

		if v, ok := Lookup(k); ok || v != nil {
			t.Errorf("unexpected value before set: want=(<nil>,false) got=(%v,%v)", v, ok)
		}
		for i := 0; i < 10; i++ {
			if err := Set(k, i); err != nil {
				t.Error(err)
				return
			}
			if v := Get(k); v != i {
				t.Errorf("unexpected value: want=%v got=%v", i, v)
			}
		}
		if err := Set(k, nil); err != nil {
			t.Error(err)
			return
		}
		if v, ok := Lookup(k); !ok || v != nil {
			t.Errorf("unexpected value after set to nil: want=(<nil>,true) got=(%v,%v)", v, ok)
		}
	})

	mustDelete(t, k)
}

func TestIsolation(t *testing.T) {
	k := mustCreate(t, nil)
	const n = 16

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			gls.Run(func() {
				defer func() { _ = Remove(k) }()
				<-start
				if v := Get(k); v != nil {
					errs <- errors.New("slot visible before set")
				}
				if err := Set(k, i); err != nil {
					errs <- err
					return
				}
				for j := 0; j < 100; j++ {
					if v := Get(k); v != i {
						errs <- errors.New("slot value changed by another goroutine")
						return
					}
				}
			})
		}(i)
	}

	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	mustDelete(t, k)
}

func TestDestructor(t *testing.T) {
	var mutex sync.Mutex
	var calls []any

	k := mustCreate(t, func(v any) {
		mutex.Lock()
		calls = append(calls, v)
		mutex.Unlock()
	})

	spawn(func() {
		_ = Set(k, 1)
		_ = Set(k, 2)
	})
	spawn(func() {
		_ = Set(k, nil)
	})
	spawn(func() {
		// never touches the key
	})
	spawn(func() {
		_ = Set(k, 3)
		_ = Remove(k)
	})

	if len(calls) != 2 || calls[0] != 2 || calls[1] != nil {
		t.Errorf("unexpected destructor calls: want=[2 <nil>] got=%v", calls)
	}

	mustDelete(t, k)
}

func TestDestructorNoRevival(t *testing.T) {
	var k Key
	var err error

	k = mustCreate(t, func(v any) {
		err = Set(k, v)
	})

	spawn(func() { _ = Set(k, 1) })

	if !errors.Is(err, status.ErrInvalidState) {
		t.Errorf("unexpected error reviving a destroyed slot: want=%v got=%v", status.ErrInvalidState, err)
	}
	mustDelete(t, k)
}

func TestDestructorSetsOtherKey(t *testing.T) {
	var got any
	second := mustCreate(t, func(v any) { got = v })
	first := mustCreate(t, func(v any) { _ = Set(second, v) })

	spawn(func() { _ = Set(first, "hello") })

	if got != "hello" {
		t.Errorf("value set by a destructor was not destroyed: want=hello got=%v", got)
	}
	mustDelete(t, first)
	mustDelete(t, second)
}

// Destructors of one round cannot recreate the slots of each other,
// whatever the order of their keys.
func TestDestructorSameRound(t *testing.T) {
	var first, second Key
	var calls [2]int
	var errs [2]error

	first = mustCreate(t, func(v any) {
		calls[0]++
		errs[0] = Set(second, "again")
	})
	second = mustCreate(t, func(v any) {
		calls[1]++
		errs[1] = Set(first, "again")
	})

	spawn(func() {
		_ = Set(first, 1)
		_ = Set(second, 2)
	})

	if calls != [2]int{1, 1} {
		t.Errorf("destructors not called exactly once: want=[1 1] got=%v", calls)
	}
	for i, err := range errs {
		if !errors.Is(err, status.ErrInvalidState) {
			t.Errorf("destructor %d revived a slot: want=%v got=%v", i, status.ErrInvalidState, err)
		}
	}
	mustDelete(t, first)
	mustDelete(t, second)
}

func TestDestructorPanic(t *testing.T) {
	called := false
	k1 := mustCreate(t, func(any) { panic("boom") })
	k2 := mustCreate(t, func(any) { called = true })

	spawn(func() {
		_ = Set(k1, 1)
		_ = Set(k2, 2)
	})

	if !called {
		t.Error("destructor not called after another destructor panicked")
	}
	mustDelete(t, k1)
	mustDelete(t, k2)
}

func TestDeleteBusy(t *testing.T) {
	k := mustCreate(t, nil)
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		gls.Run(func() {
			_ = Set(k, 1)
			close(held)
			<-release
		})
	}()

	<-held
	if err := Delete(k); !errors.Is(err, status.ErrBusy) {
		t.Errorf("unexpected error deleting a key with live slots: want=%v got=%v", status.ErrBusy, err)
	}
	close(release)
	<-done

	mustDelete(t, k)

	if err := Delete(k); !errors.Is(err, status.ErrInvalidState) {
		t.Errorf("unexpected error deleting a key twice: want=%v got=%v", status.ErrInvalidState, err)
	}
	if err := Set(k, 1); !errors.Is(err, status.ErrInvalidState) {
		t.Errorf("unexpected error setting a deleted key: want=%v got=%v", status.ErrInvalidState, err)
	}
	if v := Get(k); v != nil {
		t.Errorf("unexpected value for a deleted key: want=<nil> got=%v", v)
	}
}

func TestStaleKey(t *testing.T) {
	k1 := mustCreate(t, nil)
	mustDelete(t, k1)

	// Exhaust the table so that the row of k1 gets reused.
	var keys []Key
	for {
		k, err := Create(nil)
		if err != nil {
			break
		}
		keys = append(keys, k)
	}
	defer func() {
		for _, k := range keys {
			mustDelete(t, k)
		}
	}()

	spawn(func() {
		for _, k := range keys {
			k := k
			if k.index == k1.index {
				_ = Set(k, "new")
				defer func() { _ = Remove(k) }()
			}
		}
		if v := Get(k1); v != nil {
			t.Errorf("stale key observed the value of a newer key: %v", v)
		}
	})
}

func TestResourceExhausted(t *testing.T) {
	var keys []Key
	var err error
	for i := 0; i <= KeysMax; i++ {
		var k Key
		if k, err = Create(nil); err != nil {
			break
		}
		keys = append(keys, k)
	}

	if !errors.Is(err, status.ErrResourceExhausted) {
		t.Errorf("unexpected error when the key table is full: want=%v got=%v", status.ErrResourceExhausted, err)
	}
	if n := Len(); n != KeysMax {
		t.Errorf("unexpected number of keys: want=%d got=%d", KeysMax, n)
	}
	for _, k := range keys {
		mustDelete(t, k)
	}
}

func TestInvalidKey(t *testing.T) {
	var k Key
	if err := Set(k, 1); !errors.Is(err, status.ErrInvalidState) {
		t.Errorf("unexpected error using the zero key: want=%v got=%v", status.ErrInvalidState, err)
	}
	if v, ok := Lookup(k); ok || v != nil {
		t.Errorf("unexpected value for the zero key: want=(<nil>,false) got=(%v,%v)", v, ok)
	}
}

func BenchmarkTSS(b *testing.B) {
	k, err := Create(nil)
	if err != nil {
		b.Fatal(err)
	}
	defer Delete(k)

	b.Run("get", func(b *testing.B) {
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				_ = Get(k)
			}
		})
	})

	b.Run("set get", func(b *testing.B) {
		b.RunParallel(func(pb *testing.PB) {
			defer Remove(k)
			for pb.Next() {
				_ = Set(k, 42)
				_ = Get(k)
			}
		})
	})
}
