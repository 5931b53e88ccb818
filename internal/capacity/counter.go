// Package capacity holds the active-download counter shared by manual and
// scheduled downloads.
package capacity

import "sync/atomic"

type Counter struct {
	ceiling int64
	active  atomic.Int64
}

func NewCounter(ceiling int) *Counter {
	if ceiling < 1 {
		ceiling = 1
	}
	return &Counter{ceiling: int64(ceiling)}
}

// TryAcquire takes a slot if one is free.
func (c *Counter) TryAcquire() bool {
	for {
		cur := c.active.Load()
		if cur >= c.ceiling {
			return false
		}
		if c.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (c *Counter) Release() {
	for {
		cur := c.active.Load()
		if cur <= 0 {
			return
		}
		if c.active.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (c *Counter) Active() int {
	return int(c.active.Load())
}

func (c *Counter) Ceiling() int {
	return int(c.ceiling)
}

// Available is the number of free slots right now. It is advisory: a
// concurrent TryAcquire may take the slot first.
func (c *Counter) Available() int {
	free := c.ceiling - c.active.Load()
	if free < 0 {
		return 0
	}
	return int(free)
}
