// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-co
// SPDX-FileContributor: mochi-co

package extension

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Pool is a fixed sized worker pool which dispatches resolved decisions to the
// callbacks of the protocol layer.
type Pool struct {
	log      *slog.Logger
	wg       sync.WaitGroup
	queue    PoolTaskChan
	capacity uint64
	mu       sync.RWMutex // guards queue against sends after close
}

// PoolTaskChan is a channel of tasks to be run.
type PoolTaskChan chan func()

// PoolTask is the function signature for functions processed by the pool.
type PoolTask func()

// NewPool returns a new instance of Pool with a specified number of workers.
func NewPool(size uint64, log *slog.Logger) *Pool {
	p := &Pool{
		log:   log,
		queue: make(PoolTaskChan, size),
	}

	for i := uint64(0); i < size; i++ {
		p.wg.Add(1)
		go p.worker(p.queue)
	}

	atomic.StoreUint64(&p.capacity, size)

	return p
}

// worker is a worker goroutine which processes tasks from the queue.
func (p *Pool) worker(ch PoolTaskChan) {
	defer p.wg.Done()
	for task := range ch {
		p.run(task)
	}
}

// run calls a task, logging a panic instead of losing the worker.
func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil && p.log != nil {
			p.log.Error("dispatch task panicked", "error", fmt.Errorf("%v", r))
		}
	}()

	task()
}

// Enqueue adds a new task to the queue to be processed. It returns false if the
// pool is closed, in which case the task is not run.
func (p *Pool) Enqueue(task PoolTask) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.queue == nil {
		return false
	}

	p.queue <- task
	return true
}

// Wait blocks until all the workers in the pool have completed.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close issues a shutdown signal to the workers. Queued tasks are still run.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue != nil {
		close(p.queue)
	}
	atomic.StoreUint64(&p.capacity, 0)
	p.queue = nil
}

// Size returns the current number of workers in the pool.
func (p *Pool) Size() uint64 {
	return atomic.LoadUint64(&p.capacity)
}
