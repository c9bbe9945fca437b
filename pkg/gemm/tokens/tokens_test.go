// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"sync"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken(t *testing.T) {
	tok := NewToken("free")
	assert.False(t, tok.IsArmed())
	tok.Arm()
	assert.True(t, tok.IsArmed())

	err := exceptions.TryCatch[error](tok.Arm)
	require.Error(t, err)
	var violation *ProtocolViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "free", violation.Token)

	tok.Wait()
	assert.False(t, tok.IsArmed())
}

func TestRing(t *testing.T) {
	r := NewRing("filled", 2)
	assert.Equal(t, 2, r.Depth())
	assert.Equal(t, "filled[1]", r.At(3).Name())
	r.Arm(4)
	assert.True(t, r.At(0).IsArmed())
	assert.False(t, r.At(1).IsArmed())
	r.Wait(2)
	assert.False(t, r.At(0).IsArmed())

	assert.Panics(t, func() { NewRing("empty", 0) })
}

func TestPingPong(t *testing.T) {
	// A producer and a consumer sharing two buffers: the producer never overwrites a buffer
	// before the consumer released it.
	const depth, count = 2, 1000
	pool := NewPool()
	free := pool.Add("free", depth, true)
	filled := pool.Add("filled", depth, false)
	pool.PreArm()
	assert.Equal(t, depth, pool.NumArmed())

	var buffers [depth]int
	var got []int
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range count {
			free.Wait(i)
			buffers[i%depth] = i
			filled.Arm(i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := range count {
			filled.Wait(i)
			got = append(got, buffers[i%depth])
			free.Arm(i)
		}
	}()
	wg.Wait()
	pool.Drain()
	assert.Equal(t, 0, pool.NumArmed())
	require.Len(t, got, count)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestAbort(t *testing.T) {
	pool := NewPool()
	ready := pool.Add("ready", 2, false)
	done := make(chan any)
	go func() {
		done <- exceptions.Try(func() { ready.Wait(0) })
	}()
	pool.Abort()
	pool.Abort()
	assert.Equal(t, ErrAborted, <-done)
}

func TestPool(t *testing.T) {
	pool := NewPool()
	pool.Add("acc-free", 1, true)
	assert.NotNil(t, pool.Ring("acc-free"))
	assert.Nil(t, pool.Ring("missing"))
	assert.Panics(t, func() { pool.Add("acc-free", 2, false) })
}
