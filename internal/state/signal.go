// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package state

import "sync/atomic"

// Signal is a broadcast notification. Each call to Wait returns the channel
// for the current generation; Broadcast closes it and starts a new one. The
// zero value is ready to use.
//
// A waiter that must not miss a change takes the channel before checking
// the condition it waits on, then blocks on the channel if the condition
// does not hold.
type Signal struct {
	ch atomic.Pointer[chan struct{}]
}

func (s *Signal) Wait() <-chan struct{} {
	ch := s.ch.Load()
	if ch == nil {
		fresh := make(chan struct{})
		if s.ch.CompareAndSwap(nil, &fresh) {
			return fresh
		}
		ch = s.ch.Load()
	}
	return *ch
}

// Broadcast wakes every goroutine blocked on a channel returned by Wait.
func (s *Signal) Broadcast() {
	fresh := make(chan struct{})
	if old := s.ch.Swap(&fresh); old != nil {
		close(*old)
	}
}
