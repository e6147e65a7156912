// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-co
// SPDX-FileContributor: mochi-co

package extension

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPool(t *testing.T) {
	p := NewPool(2, logger)
	require.NotNil(t, p)
	require.Equal(t, 2, cap(p.queue))
	require.Equal(t, uint64(2), p.Size())

	o := make(chan bool)
	go func() {
		p.Enqueue(func() {
			o <- true
		})
	}()

	require.True(t, <-o)
	p.Close()
	p.Wait()
}

func TestPoolEnqueue(t *testing.T) {
	p := &Pool{
		capacity: 2,
		queue:    make(PoolTaskChan, 2),
	}

	require.True(t, p.Enqueue(func() {}))
	require.NotNil(t, <-p.queue)
}

func TestPoolEnqueueClosed(t *testing.T) {
	p := NewPool(1, logger)
	p.Close()
	p.Wait()

	require.False(t, p.Enqueue(func() {}))
}

func TestPoolRunsQueuedTasksOnClose(t *testing.T) {
	p := NewPool(1, logger)

	var n atomic.Int32
	for i := 0; i < 5; i++ {
		require.True(t, p.Enqueue(func() {
			n.Add(1)
		}))
	}

	p.Close()
	p.Wait()
	require.Equal(t, int32(5), n.Load())
}

func TestPoolRecoversPanic(t *testing.T) {
	p := NewPool(1, logger)
	require.True(t, p.Enqueue(func() {
		panic("boom")
	}))

	o := make(chan bool, 1)
	require.True(t, p.Enqueue(func() {
		o <- true
	}))
	require.True(t, <-o)

	p.Close()
	p.Wait()
}

func TestPoolSize(t *testing.T) {
	p := &Pool{
		capacity: 10,
	}

	require.Equal(t, uint64(10), p.Size())
}

func TestPoolClose(t *testing.T) {
	p := &Pool{
		capacity: 3,
		queue:    make(PoolTaskChan, 3),
	}

	p.Close()
	require.Equal(t, uint64(0), p.Size())
	require.Nil(t, p.queue)

	p.Close()
}
