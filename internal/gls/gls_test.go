package gls

import (
	"runtime"
	"testing"
)

func TestGLS(t *testing.T) {
	var table Table[int]
	c := make(chan int)

	f := func(n int) {
		defer close(c)
		table.Store(Current(), n)

		load := func() int {
			v, _ := table.Load(Current())
			return v
		}

		c <- load()
		table.Delete(Current())
		c <- load()
	}

	go f(42)

	if v, ok := <-c; !ok || v != 42 {
		t.Errorf("unexpected first value: want=(42,true) got=(%v,%v)", v, ok)
	}
	if v, ok := <-c; !ok || v != 0 {
		t.Errorf("unexpected second value: want=(0,true) got=(%v,%v)", v, ok)
	}
	if v, ok := <-c; ok {
		t.Errorf("too many values received: want=(0,false) got=(%v,%v)", v, ok)
	}
	if n := table.Len(); n != 0 {
		t.Errorf("table not empty: want=0 got=%d", n)
	}
}

func TestCurrentMatchesStack(t *testing.T) {
	c := make(chan [2]G)
	for i := 0; i < 8; i++ {
		go func() {
			c <- [2]G{Current(), stackID()}
		}()
	}
	for i := 0; i < 8; i++ {
		ids := <-c
		if ids[0] != ids[1] {
			t.Errorf("goroutine id mismatch: want=%v got=%v", ids[1], ids[0])
		}
	}
}

func TestCurrentIsDistinct(t *testing.T) {
	main := Current()
	c := make(chan G)
	go func() { c <- Current() }()
	if g := <-c; g == main {
		t.Errorf("child goroutine shares the id of its parent: %v", g)
	}
}

// stackID parses the goroutine id out of the first line of a stack trace,
// which has the form "goroutine 123 [running]:".
func stackID() G {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	const prefix = "goroutine "
	var id G
	for _, c := range buf[len(prefix):n] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + G(c-'0')
	}
	return id
}

func BenchmarkGLS(b *testing.B) {
	var table Table[int]

	b.Run("current", func(b *testing.B) {
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				_ = Current()
			}
		})
	})

	b.Run("load", func(b *testing.B) {
		b.RunParallel(func(pb *testing.PB) {
			g := Current()
			for pb.Next() {
				_, _ = table.Load(g)
			}
		})
	})

	b.Run("store", func(b *testing.B) {
		b.RunParallel(func(pb *testing.PB) {
			g := Current()
			for pb.Next() {
				table.Store(g, 42)
			}
		})
	})

	b.Run("store load delete", func(b *testing.B) {
		b.RunParallel(func(pb *testing.PB) {
			g := Current()
			for pb.Next() {
				table.Store(g, 42)
				table.Load(g)
				table.Delete(g)
			}
		})
	})
}
