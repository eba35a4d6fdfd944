package queue

import (
	"sync"
)

type Error uint8

var (
	ErrQueueIsFull   Error = 0
	ErrQueueIsStoped Error = 1
)

func (e Error) Error() string {
	switch e {
	case ErrQueueIsStoped:
		return "queue is stopped"
	case ErrQueueIsFull:
		return "queue is full"
	default:
		return "unknown error"
	}
}

// Queue runs tasks one at a time on a single worker goroutine, in push order.
// Jumped tasks run before any pushed task still waiting.
type Queue struct {
	mu     sync.Mutex
	closed bool
	quit   chan struct{}
	done   chan struct{}
	jumps  chan func()
	tasks  chan func()
}

// Create a new instance of Queue
// length is the maximum number of tasks that can wait in the queue at any given time.
func New(length int) *Queue {
	if length < 1 {
		panic("queue length must be at least 1")
	}
	mq := &Queue{
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		tasks: make(chan func(), length),
		jumps: make(chan func(), 3),
	}
	go mq.run()
	return mq
}
func (mq *Queue) run() {
	defer close(mq.done)
	for {
		select {
		case task := <-mq.jumps:
			task()
			continue
		default:
		}
		select {
		case task := <-mq.jumps:
			task()
		case task := <-mq.tasks:
			task()
		case <-mq.quit:
			mq.drain()
			return
		}
	}
}
func (mq *Queue) drain() {
	for {
		select {
		case task := <-mq.jumps:
			task()
		case task := <-mq.tasks:
			task()
		default:
			return
		}
	}
}
func (mq *Queue) Len() int {
	return len(mq.tasks) + len(mq.jumps)
}
func (mq *Queue) IsIdle() bool {
	return mq.Len() == 0
}
func (mq *Queue) IsClosed() bool {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	return mq.closed
}

// Close stops accepting tasks, runs the ones already queued and waits for the
// worker to exit. A task must not call Close on its own queue; use Stop.
func (mq *Queue) Close() {
	mq.Stop()
	<-mq.done
}

// Stop stops accepting tasks without waiting. The worker still runs the
// tasks already queued, then exits.
func (mq *Queue) Stop() {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	if !mq.closed {
		mq.closed = true
		close(mq.quit)
	}
}

// Done is closed once the worker has exited.
func (mq *Queue) Done() <-chan struct{} {
	return mq.done
}

// Push a task to the queue. If the queue is full, it will return ErrQueueIsFull.
func (mq *Queue) Push(task func()) error {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	if mq.closed {
		return ErrQueueIsStoped
	}
	select {
	case mq.tasks <- task:
		return nil
	default:
		return ErrQueueIsFull
	}
}

// Jump the queue to the front. If the queue is stopped it returns
// ErrQueueIsStoped; if too many tasks are already jumping, ErrQueueIsFull.
func (mq *Queue) Jump(task func()) error {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	if mq.closed {
		return ErrQueueIsStoped
	}
	select {
	case mq.jumps <- task:
		return nil
	default:
		return ErrQueueIsFull
	}
}
