// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package state

import (
	"sync/atomic"
)

// Counter counts units of work that are in flight. Reads never block, so
// values can be reported while writers hold their own locks.
type Counter struct {
	v atomic.Int64
}

// Increment adds one and reports whether the counter left zero.
func (c *Counter) Increment() bool {
	return c.v.Add(1) == 1
}

// Decrement removes one and reports whether the counter reached zero. It
// panics if nothing was in flight, since that means a unit was released
// twice.
func (c *Counter) Decrement() bool {
	newValue := c.v.Add(-1)
	if newValue < 0 {
		panic("nothing was in flight")
	}
	return newValue == 0
}

func (c *Counter) Load() int {
	return int(c.v.Load())
}

func (c *Counter) IsZero() bool {
	return c.v.Load() == 0
}
