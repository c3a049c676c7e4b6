// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package executor

import "sync"

// strandBatch limits the tasks executed in one go, before the strand yields its worker to other strands.
const strandBatch = 64

// Strand serializes tasks on a TaskPool. Tasks of one Strand are executed in submission order and never
// concurrently, while different Strands share the pool's workers.
type Strand struct {
	pool *TaskPool

	mutex   sync.Mutex
	queue   []func()
	running bool
}

// NewStrand on top of a TaskPool.
func NewStrand(pool *TaskPool) *Strand {
	return &Strand{pool: pool}
}

// Submit a task to be executed after all previously submitted tasks of this Strand.
func (s *Strand) Submit(task func()) error {
	s.mutex.Lock()
	s.queue = append(s.queue, task)
	if s.running {
		s.mutex.Unlock()
		return nil
	}
	s.running = true
	s.mutex.Unlock()

	if err := s.pool.Submit(s.drain); err != nil {
		s.mutex.Lock()
		s.queue = s.queue[:len(s.queue)-1]
		s.running = false
		s.mutex.Unlock()
		return err
	}
	return nil
}

// Pending returns the amount of queued tasks, including a currently running one.
func (s *Strand) Pending() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.queue)
}

func (s *Strand) drain() {
	for i := 0; i < strandBatch; i++ {
		s.mutex.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mutex.Unlock()
			return
		}
		task := s.queue[0]
		s.mutex.Unlock()

		s.pool.run(task)

		s.mutex.Lock()
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mutex.Unlock()
	}

	// Yield and continue later
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.queue) == 0 {
		s.running = false
		return
	}
	if err := s.pool.Submit(s.drain); err != nil {
		// The pool was closed, but queued tasks must not get lost
		go s.drainDetached()
	}
}

func (s *Strand) drainDetached() {
	for {
		s.mutex.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mutex.Unlock()
			return
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mutex.Unlock()

		s.pool.run(task)
	}
}
