// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co, chowyu08, muXxer

package extension

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	xh "github.com/cespare/xxhash/v2"
)

// taskChan is a channel for incoming task functions.
type taskChan chan func()

// FanPool is a fixed-sized fan-style worker pool with multiple working 'columns',
// used by extensions for the background work behind an async decision. Each
// column is a queue processed by a single goroutine, and work for one client id
// always lands in the same column, so the background work of a client runs in
// the order it was queued.
// Very special thanks are given to the authors of HMQ in particular
// @chowyu08 and @muXxer for their work on the fixpool worker pool
// https://github.com/fhmq/hmq/blob/master/pool/fixpool.go
// from which this fan-pool is heavily inspired.
type FanPool struct {
	log      *slog.Logger
	queue    []taskChan
	wg       sync.WaitGroup
	capacity uint64
	perChan  uint64
	mu       sync.RWMutex // guards queue against sends after close
}

// NewFanPool returns a new instance of FanPool. fanSize controls the number of 'columns'
// of the fan, whereas queueSize controls the size of each column's queue.
func NewFanPool(fanSize, queueSize uint64, log *slog.Logger) *FanPool {
	pool := &FanPool{
		log:      log,
		capacity: fanSize,
		perChan:  queueSize,
		queue:    make([]taskChan, fanSize),
	}

	pool.fillWorkers(fanSize)

	return pool
}

// fillWorkers adds columns to the fan pool with an associated worker goroutine.
func (p *FanPool) fillWorkers(n uint64) {
	for i := uint64(0); i < n; i++ {
		p.queue[i] = make(taskChan, p.perChan)
		p.wg.Add(1)
		go p.worker(p.queue[i])
	}
}

// worker is a worker goroutine which processes tasks from a single queue.
func (p *FanPool) worker(ch taskChan) {
	defer p.wg.Done()
	for task := range ch {
		p.run(task)
	}
}

// run calls a task, logging a panic instead of losing the column.
func (p *FanPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil && p.log != nil {
			p.log.Error("extension task panicked", "error", fmt.Errorf("%v", r))
		}
	}()

	task()
}

// Enqueue adds a new task to the queue of the column for id. It returns false if
// the pool is closed, in which case the task is not run.
func (p *FanPool) Enqueue(id string, task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.Size() == 0 {
		return false
	}

	// We can use xh.Sum64 to get a specific queue index
	// which remains the same for a client id, giving each
	// client their own queue.
	p.queue[xh.Sum64String(id)%p.Size()] <- task
	return true
}

// Wait blocks until all the workers in the pool have completed.
func (p *FanPool) Wait() {
	p.wg.Wait()
}

// Close issues a shutdown signal to the workers. Queued tasks are still run.
func (p *FanPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < int(p.Size()); i++ {
		if p.queue[i] != nil {
			close(p.queue[i])
		}
	}
	p.queue = nil
	atomic.StoreUint64(&p.capacity, 0)
}

// Size returns the current number of workers in the pool.
func (p *FanPool) Size() uint64 {
	return atomic.LoadUint64(&p.capacity)
}
