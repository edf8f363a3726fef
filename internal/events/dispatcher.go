package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// defaultQueueSize bounds the amount of offloaded work a Dispatcher will
// buffer before Submit starts rejecting new jobs; a full queue means
// subscribers are producing work faster than the pool can drain it.
const defaultQueueSize = 1000

// Job is a unit of subscriber work too heavy to run inline inside a
// Callback on the publisher's own thread.
type Job func()

// Dispatcher is a fixed-size worker pool subscriber callbacks can hand
// off heavier work to, so the publisher's firing thread is never blocked
// waiting on it.
type Dispatcher struct {
	queue    chan Job
	workers  int
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewDispatcher starts workers goroutines draining a bounded job queue.
// workers <= 0 is treated as 1.
func NewDispatcher(workers int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	d := &Dispatcher{
		queue:   make(chan Job, defaultQueueSize),
		workers: workers,
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.runJob(job)
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) runJob(job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("events: dispatcher job panicked")
		}
	}()
	job()
}

// Submit enqueues job for asynchronous execution on the worker pool.
// Reports false without blocking if the queue is full.
func (d *Dispatcher) Submit(job Job) bool {
	select {
	case d.queue <- job:
		return true
	default:
		return false
	}
}

// Stop signals every worker to exit once its current job finishes and
// waits for them to drain. Queued-but-not-yet-started jobs are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}
