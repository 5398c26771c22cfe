package server

import (
	"sync"
	"time"

	"github.com/gnosek/mtrpc/pkg/access"
)

// Task is one request in flight: the raw message plus everything the
// worker needs to resolve, authorize and answer it.
type Task struct {
	ID          int64
	Body        []byte
	AccessCtx   access.Context
	KeyPatt     string
	KeyholePatt string
	ReplyTo     string
	Queue       string
	Received    time.Time
}

// Result is one serialized response ready to publish.
type Result struct {
	TaskID  int64
	ReplyTo string
	Body    []byte
}

// fifoItem is one entry of the result FIFO: either a task result or the
// stop sentinel.
type fifoItem struct {
	result *Result
	stop   *Stopping
}

// shared is the state the manager, responder and workers coordinate
// through. The mutex guards the task map and worker count; recording a
// task always happens before the delivery is acked, so a crash never
// loses an acked request silently.
type shared struct {
	mu      sync.Mutex
	tasks   map[int64]*Task
	workers int

	fifo chan fifoItem

	// wake is closed (once) by the responder when it stops on its own,
	// unblocking the manager's select loop.
	wake     chan struct{}
	wakeOnce sync.Once

	// dropped is closed when the responder will no longer publish, so
	// late workers do not block on the FIFO forever.
	dropped     chan struct{}
	droppedOnce sync.Once
}

func newShared(fifoDepth int) *shared {
	if fifoDepth <= 0 {
		fifoDepth = 256
	}
	return &shared{
		tasks:   map[int64]*Task{},
		fifo:    make(chan fifoItem, fifoDepth),
		wake:    make(chan struct{}),
		dropped: make(chan struct{}),
	}
}

// recordTask admits one task unless the responder has already stopped
// accepting results. The refusal happens under the same mutex the
// responder's final snapshot takes, so a task is never recorded (and its
// delivery never acked) after the drain decision was made.
func (s *shared) recordTask(task *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.dropped:
		return false
	default:
	}
	s.tasks[task.ID] = task
	s.workers++
	return true
}

func (s *shared) workerDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers--
}

func (s *shared) completeTask(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

func (s *shared) taskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// snapshot returns the not-completed tasks and the number of live workers
// at one instant, for the responder's final discrepancy report.
func (s *shared) snapshot() ([]*Task, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	return tasks, s.workers
}

func (s *shared) wakeManager() {
	s.wakeOnce.Do(func() { close(s.wake) })
}

func (s *shared) stopAccepting() {
	s.droppedOnce.Do(func() { close(s.dropped) })
}
