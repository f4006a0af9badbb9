package future

import (
	"errors"
	"sync"
)

// ErrSchedulerClosed fails futures submitted to a closed Scheduler.
var ErrSchedulerClosed = errors.New("scheduler closed")

// Executor runs submitted work.
type Executor interface {
	Execute(task func())
}

// Goroutines runs every task on its own goroutine.
type Goroutines struct{}

func (Goroutines) Execute(task func()) {
	go task()
}

// Scheduler runs tasks one at a time, in submission order, on a single
// goroutine. No two tasks overlap.
type Scheduler struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	wg     sync.WaitGroup
}

// NewScheduler starts a scheduler. Close stops it.
func NewScheduler() *Scheduler {
	s := &Scheduler{}
	s.cond = sync.NewCond(&s.mu)
	s.wg.Add(1)
	go s.loop()
	return s
}

// Execute queues task. Tasks queued after Close are dropped; Submit reports
// them as ErrSchedulerClosed instead.
func (s *Scheduler) Execute(task func()) {
	s.enqueue(task)
}

func (s *Scheduler) enqueue(task func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, task)
	s.cond.Signal()
	return true
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		task()
	}
}

// Close runs the tasks already queued and stops the scheduler goroutine.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}
