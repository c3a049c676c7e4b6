// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package executor provides the scheduling primitives of an smp Connector: a fixed-size task pool, strands to
// serialize the tasks of one connection on that pool and a timer pool.
package executor

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ErrClosed is returned when submitting to a closed pool.
var ErrClosed = errors.New("executor is closed")

// TaskPool executes submitted tasks on a fixed number of worker goroutines.
//
// The queue is unbounded, so Submit never blocks. This allows tasks to submit further tasks without risking a
// deadlock when all workers are busy.
type TaskPool struct {
	name string

	mutex  sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	workers sync.WaitGroup
}

// NewTaskPool starts a TaskPool with the given amount of workers. The name is used for logging only.
func NewTaskPool(name string, workers int) (*TaskPool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("task pool %s requires at least one worker, not %d", name, workers)
	}

	tp := &TaskPool{name: name}
	tp.cond = sync.NewCond(&tp.mutex)

	tp.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go tp.work()
	}

	log.WithFields(log.Fields{
		"pool":    name,
		"workers": workers,
	}).Debug("Started task pool")

	return tp, nil
}

// Submit a task for execution. ErrClosed is returned after Close was called.
func (tp *TaskPool) Submit(task func()) error {
	tp.mutex.Lock()
	defer tp.mutex.Unlock()

	if tp.closed {
		return ErrClosed
	}

	tp.queue = append(tp.queue, task)
	tp.cond.Signal()
	return nil
}

// Pending returns the amount of queued but not yet started tasks.
func (tp *TaskPool) Pending() int {
	tp.mutex.Lock()
	defer tp.mutex.Unlock()
	return len(tp.queue)
}

// Close this TaskPool. Already queued tasks are still executed; Close does not wait for them and might therefore be
// called from within a task. Use Wait to block until all workers are finished.
func (tp *TaskPool) Close() {
	tp.mutex.Lock()
	defer tp.mutex.Unlock()

	if tp.closed {
		return
	}
	tp.closed = true
	tp.cond.Broadcast()
}

// Wait until all workers are finished after Close.
func (tp *TaskPool) Wait() {
	tp.workers.Wait()
}

func (tp *TaskPool) next() (task func(), ok bool) {
	tp.mutex.Lock()
	defer tp.mutex.Unlock()

	for len(tp.queue) == 0 && !tp.closed {
		tp.cond.Wait()
	}

	if len(tp.queue) == 0 {
		return nil, false
	}

	task = tp.queue[0]
	tp.queue[0] = nil
	tp.queue = tp.queue[1:]
	return task, true
}

func (tp *TaskPool) work() {
	defer tp.workers.Done()

	for {
		task, ok := tp.next()
		if !ok {
			return
		}
		tp.run(task)
	}
}

func (tp *TaskPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"pool":  tp.name,
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Task panicked")
		}
	}()

	task()
}
