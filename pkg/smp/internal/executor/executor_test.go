// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package executor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestTaskPoolInvalid(t *testing.T) {
	if _, err := NewTaskPool("test", 0); err == nil {
		t.Fatal("pool without workers was created")
	}
}

func TestTaskPoolParallel(t *testing.T) {
	const workers = 4

	tp, err := NewTaskPool("test", workers)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	barrier := make(chan struct{})
	started := make(chan struct{}, workers)

	// All workers must be able to block at the same time
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		if err := tp.Submit(func() {
			defer wg.Done()
			started <- struct{}{}
			<-barrier
		}); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < workers; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d tasks started in parallel", i, workers)
		}
	}

	close(barrier)
	wg.Wait()

	tp.Close()
	tp.Wait()
}

func TestTaskPoolClose(t *testing.T) {
	tp, err := NewTaskPool("test", 1)
	if err != nil {
		t.Fatal(err)
	}

	var counter int32
	block := make(chan struct{})

	_ = tp.Submit(func() { <-block })
	for i := 0; i < 10; i++ {
		_ = tp.Submit(func() { atomic.AddInt32(&counter, 1) })
	}

	tp.Close()
	tp.Close()

	if err := tp.Submit(func() {}); err != ErrClosed {
		t.Fatalf("submit after close returned %v", err)
	}

	close(block)
	tp.Wait()

	if c := atomic.LoadInt32(&counter); c != 10 {
		t.Fatalf("%d of 10 queued tasks were executed after close", c)
	}
}

func TestTaskPoolPanic(t *testing.T) {
	tp, err := NewTaskPool("test", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer tp.Close()

	done := make(chan struct{})
	_ = tp.Submit(func() { panic("oops") })
	_ = tp.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after a panic")
	}
}

func TestStrandOrder(t *testing.T) {
	tp, err := NewTaskPool("test", 8)
	if err != nil {
		t.Fatal(err)
	}
	defer tp.Close()

	const strands = 4
	const tasks = 500

	var wg sync.WaitGroup
	wg.Add(strands * tasks)

	results := make([][]int, strands)
	var active [strands]int32
	var overlap int32

	for s := 0; s < strands; s++ {
		s := s
		strand := NewStrand(tp)

		for i := 0; i < tasks; i++ {
			i := i
			if err := strand.Submit(func() {
				defer wg.Done()

				if atomic.AddInt32(&active[s], 1) != 1 {
					atomic.StoreInt32(&overlap, 1)
				}
				results[s] = append(results[s], i)
				atomic.AddInt32(&active[s], -1)
			}); err != nil {
				t.Fatal(err)
			}
		}
	}

	wg.Wait()

	if atomic.LoadInt32(&overlap) != 0 {
		t.Fatal("tasks of one strand overlapped")
	}

	for s, result := range results {
		if len(result) != tasks {
			t.Fatalf("strand %d executed %d tasks", s, len(result))
		}
		for i, v := range result {
			if i != v {
				t.Fatalf("strand %d executed task %d at position %d", s, v, i)
			}
		}
	}
}

func TestStrandClosedPool(t *testing.T) {
	tp, err := NewTaskPool("test", 1)
	if err != nil {
		t.Fatal(err)
	}
	tp.Close()

	strand := NewStrand(tp)
	if err := strand.Submit(func() {}); err != ErrClosed {
		t.Fatalf("submit on closed pool returned %v", err)
	}
	if strand.Pending() != 0 {
		t.Fatalf("rejected task is pending")
	}
}

func TestTimerPool(t *testing.T) {
	mock := clock.NewMock()

	tp, err := NewTimerPool(mock, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer tp.Close()

	fired := make(chan int, 3)
	tp.AfterFunc(100*time.Millisecond, func() { fired <- 1 })
	tp.AfterFunc(200*time.Millisecond, func() { fired <- 2 })
	stopped := tp.AfterFunc(150*time.Millisecond, func() { fired <- 3 })

	if !stopped.Stop() {
		t.Fatal("pending timer could not be stopped")
	}
	if stopped.Stop() {
		t.Fatal("timer was stopped twice")
	}

	mock.Add(100 * time.Millisecond)
	select {
	case v := <-fired:
		if v != 1 {
			t.Fatalf("timer %d fired first", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	mock.Add(100 * time.Millisecond)
	select {
	case v := <-fired:
		if v != 2 {
			t.Fatalf("timer %d fired second", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	select {
	case v := <-fired:
		t.Fatalf("stopped timer %d fired", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimerStopAfterFire(t *testing.T) {
	tp, err := NewTimerPool(nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer tp.Close()

	fired := make(chan struct{})
	timer := tp.AfterFunc(time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	if timer.Stop() {
		t.Fatal("fired timer reported a successful stop")
	}
}
