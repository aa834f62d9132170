package thrd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stealthrocket/threadlocal/status"
)

// Cond is a condition variable. The zero value is ready to use.
//
// Waiters are woken in the order they started waiting.
type Cond struct {
	mutex   sync.Mutex
	waiters []chan struct{}
}

// Wait atomically unlocks m and suspends the calling thread until it is woken
// by Signal or Broadcast, then locks m again before returning. The calling
// thread must own m.
func (c *Cond) Wait(m *Mutex) {
	_ = c.WaitContext(context.Background(), m)
}

// TimedWait is like Wait but returns status.ErrTimedOut if the thread was not
// woken before the deadline. m is locked again in both cases.
func (c *Cond) TimedWait(m *Mutex, deadline time.Time) error {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	if err := c.WaitContext(ctx, m); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("thrd.Cond.TimedWait: %w", status.ErrTimedOut)
		}
		return err
	}
	return nil
}

// WaitContext is like Wait but gives up when ctx is canceled. m is locked
// again in both cases.
func (c *Cond) WaitContext(ctx context.Context, m *Mutex) error {
	ch := make(chan struct{})
	c.mutex.Lock()
	c.waiters = append(c.waiters, ch)
	c.mutex.Unlock()

	depth := m.unlockAll()
	defer m.relock(depth)

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	for i, w := range c.waiters {
		if w == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return ctx.Err()
		}
	}
	// Signaled while the context expired, the wakeup must not be lost.
	return nil
}

// Signal wakes one waiting thread, if any.
func (c *Cond) Signal() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.waiters) > 0 {
		close(c.waiters[0])
		c.waiters = c.waiters[1:]
	}
}

// Broadcast wakes all the waiting threads.
func (c *Cond) Broadcast() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, ch := range c.waiters {
		close(ch)
	}
	c.waiters = nil
}
