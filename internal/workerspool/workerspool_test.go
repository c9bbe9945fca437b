// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Run(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		var running, maxRunning, count atomic.Int32
		err := pool.Run(10, func(index int) error {
			now := running.Add(1)
			for {
				prev := maxRunning.Load()
				if now <= prev || maxRunning.CompareAndSwap(prev, now) {
					break
				}
			}
			runtime.Gosched()
			count.Add(1)
			running.Add(-1)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(10), count.Load())
		if parallelism > 0 {
			assert.LessOrEqual(t, int(maxRunning.Load()), parallelism)
		}
		if parallelism == 0 {
			assert.Equal(t, int32(1), maxRunning.Load())
		}
	}
}

func TestPool_RunErrors(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)
	errFailed := errors.New("failed")
	err := pool.Run(4, func(index int) error {
		switch index {
		case 1:
			return errFailed
		case 2:
			panic("boom")
		case 3:
			panic(errors.New("bad transfer"))
		}
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errFailed)
	assert.Contains(t, err.Error(), "task #2 panicked: boom")
	assert.Contains(t, err.Error(), "task #3 panicked: bad transfer")
}
