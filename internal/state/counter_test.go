// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounter_Transitions(t *testing.T) {
	chk := require.New(t)
	var c Counter

	chk.True(c.IsZero())
	chk.True(c.Increment())
	chk.False(c.Increment())
	chk.Equal(2, c.Load())
	chk.False(c.Decrement())
	chk.True(c.Decrement())
	chk.True(c.IsZero())
}

func TestCounter_DecrementBelowZeroPanics(t *testing.T) {
	var c Counter
	require.PanicsWithValue(t, "nothing was in flight", func() {
		c.Decrement()
	})
}

func TestCounter_Concurrent(t *testing.T) {
	var c Counter
	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			c.Increment()
			c.Decrement()
		}()
	}
	wg.Wait()
	require.True(t, c.IsZero())
}
