// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package executor

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// TimerPool schedules delayed tasks. Expired timers hand their task to the pool's own workers, so a slow task does
// not delay other timers beyond the amount of workers.
type TimerPool struct {
	clock clock.Clock
	tasks *TaskPool
}

// NewTimerPool based on a clock, which might be a mock clock for testing.
func NewTimerPool(clk clock.Clock, workers int) (*TimerPool, error) {
	tasks, err := NewTaskPool("timer", workers)
	if err != nil {
		return nil, err
	}

	if clk == nil {
		clk = clock.New()
	}

	return &TimerPool{clock: clk, tasks: tasks}, nil
}

// Clock used by this TimerPool.
func (tp *TimerPool) Clock() clock.Clock {
	return tp.clock
}

// Now is a shortcut to the Clock's current time.
func (tp *TimerPool) Now() time.Time {
	return tp.clock.Now()
}

// AfterFunc executes the task on one of the TimerPool's workers after the duration has elapsed.
func (tp *TimerPool) AfterFunc(d time.Duration, task func()) *Timer {
	t := &Timer{}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.timer = tp.clock.AfterFunc(d, func() {
		if !t.fire() {
			return
		}
		if err := tp.tasks.Submit(task); err != nil {
			// Closed pools still execute expired timers
			go task()
		}
	})
	return t
}

// Close stops the workers after all expired timers were handled. Pending timers are not stopped.
func (tp *TimerPool) Close() {
	tp.tasks.Close()
}

// Wait until all workers are finished after Close.
func (tp *TimerPool) Wait() {
	tp.tasks.Wait()
}

// Timer is a single scheduled task of a TimerPool.
type Timer struct {
	mutex   sync.Mutex
	timer   *clock.Timer
	stopped bool
	fired   bool
}

func (t *Timer) fire() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.stopped {
		return false
	}
	t.fired = true
	return true
}

// Stop this Timer. The result is true if the Timer was stopped before its task was started.
func (t *Timer) Stop() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.timer.Stop()
	return true
}
