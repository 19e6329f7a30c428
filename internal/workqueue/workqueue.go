// Package workqueue implements the pool of goroutines executing the work units
// of proxied sockets.
package workqueue

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

var ErrClosed = errors.New("work queue closed")

// Task is a unit of work.
type Task func()

// Pool runs submitted tasks on a fixed number of worker goroutines, in the
// order they were submitted. Submitting never blocks: the backlog of tasks is
// unbounded and tasks are expected to be short.
type Pool struct {
	mutex   sync.Mutex
	cond    sync.Cond
	tasks   *queue.Queue
	closed  bool
	workers sync.WaitGroup
	timers  map[*time.Timer]Task

	numWorkers int
	submitted  atomic.Int64
	completed  atomic.Int64
}

// New starts a pool of n workers, n <= 0 selects the number of CPUs.
func New(n int) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	p := &Pool{
		tasks:      queue.New(),
		timers:     make(map[*time.Timer]Task),
		numWorkers: n,
	}
	p.cond.L = &p.mutex
	p.workers.Add(n)
	for i := 0; i < n; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// Submit schedules task for execution.
func (p *Pool) Submit(task Task) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.tasks.Add(task)
	p.submitted.Add(1)
	p.cond.Signal()
	return nil
}

// SubmitAfter schedules task for execution after delay has elapsed. If the
// pool is closed in the meantime, cancel is called instead of the task.
func (p *Pool) SubmitAfter(delay time.Duration, task, cancel Task) {
	if cancel == nil {
		cancel = func() {}
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		cancel()
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		p.mutex.Lock()
		_, pending := p.timers[timer]
		delete(p.timers, timer)
		p.mutex.Unlock()
		if pending && p.Submit(task) != nil {
			cancel()
		}
	})
	p.timers[timer] = cancel
}

func (p *Pool) run() {
	defer p.workers.Done()
	for {
		p.mutex.Lock()
		for p.tasks.Length() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.tasks.Length() == 0 {
			p.mutex.Unlock()
			return
		}
		task := p.tasks.Remove().(Task)
		p.mutex.Unlock()

		task()
		p.completed.Add(1)
	}
}

// Close stops accepting new tasks, cancels the delayed ones, and waits for the
// tasks already submitted to complete.
func (p *Pool) Close() error {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return nil
	}
	p.closed = true
	timers := p.timers
	p.timers = nil
	p.cond.Broadcast()
	p.mutex.Unlock()

	// Timers still in the map were not claimed by their callback.
	for timer, cancel := range timers {
		timer.Stop()
		cancel()
	}
	p.workers.Wait()
	return nil
}

type Stats struct {
	Workers   int
	Submitted int64
	Completed int64
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.numWorkers,
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
	}
}
