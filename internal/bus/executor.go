// Package bus partitions work by key. Tasks sharing a key run strictly in
// submission order on one worker; different keys run in parallel. The
// Serial executor provides the same ordering on a single thread for
// simulation.
package bus

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("event queue full")
	ErrClosed    = errors.New("event queue closed")
)

// Executor runs tasks in per-key order.
type Executor interface {
	Execute(key string, task func()) error
}

// Key helpers keep the partition names consistent across packages.
func AccountKey(id string) string { return "account:" + id }
func GroupKey(id string) string   { return "group:" + id }
func MarketKey(s string) string   { return "md:" + s }

// Ordered is the live executor: one goroutine per key, created on first use.
type Ordered struct {
	capacity int
	logger   *zap.Logger

	mu      sync.Mutex
	closed  bool
	workers map[string]*worker
	wg      sync.WaitGroup
}

type worker struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
}

// NewOrdered creates an executor. A positive capacity bounds each key's
// backlog; zero means unbounded.
func NewOrdered(capacity int, logger *zap.Logger) *Ordered {
	return &Ordered{
		capacity: capacity,
		logger:   logger,
		workers:  make(map[string]*worker),
	}
}

// Execute enqueues task on key's worker. It never blocks.
func (o *Ordered) Execute(key string, task func()) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	w, ok := o.workers[key]
	if !ok {
		w = &worker{}
		w.cond = sync.NewCond(&w.mu)
		o.workers[key] = w
		o.wg.Add(1)
		go o.run(key, w)
	}
	o.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if o.capacity > 0 && len(w.tasks) >= o.capacity {
		return ErrQueueFull
	}
	w.tasks = append(w.tasks, task)
	w.cond.Signal()
	return nil
}

// Sync blocks until every task queued on key before the call has run.
func (o *Ordered) Sync(key string) error {
	done := make(chan struct{})
	if err := o.Execute(key, func() { close(done) }); err != nil {
		return err
	}
	<-done
	return nil
}

// Close stops accepting tasks, drains every backlog and waits for the
// workers to exit.
func (o *Ordered) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	workers := make([]*worker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	o.mu.Unlock()

	for _, w := range workers {
		w.mu.Lock()
		w.closed = true
		w.cond.Broadcast()
		w.mu.Unlock()
	}
	o.wg.Wait()
}

func (o *Ordered) run(key string, w *worker) {
	defer o.wg.Done()
	for {
		w.mu.Lock()
		for len(w.tasks) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.tasks) == 0 {
			w.mu.Unlock()
			return
		}
		task := w.tasks[0]
		w.tasks[0] = nil
		w.tasks = w.tasks[1:]
		w.mu.Unlock()

		runTask(o.logger, key, task)
	}
}

func runTask(logger *zap.Logger, key string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", zap.String("key", key), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}

// Serial is the simulation executor. Tasks queue in one FIFO and run when
// the owner calls Drain, so handlers never re-enter each other.
type Serial struct {
	logger   *zap.Logger
	tasks    []serialTask
	draining bool
}

type serialTask struct {
	key  string
	task func()
}

// NewSerial creates an empty serial executor.
func NewSerial(logger *zap.Logger) *Serial {
	return &Serial{logger: logger}
}

// Execute queues task.
func (s *Serial) Execute(key string, task func()) error {
	s.tasks = append(s.tasks, serialTask{key: key, task: task})
	return nil
}

// Drain runs queued tasks, including ones they enqueue, until the queue is
// empty. Nested calls return immediately.
func (s *Serial) Drain() {
	if s.draining {
		return
	}
	s.draining = true
	defer func() { s.draining = false }()
	for len(s.tasks) > 0 {
		t := s.tasks[0]
		s.tasks[0] = serialTask{}
		s.tasks = s.tasks[1:]
		runTask(s.logger, t.key, t.task)
	}
}

// Pending returns the number of queued tasks.
func (s *Serial) Pending() int {
	return len(s.tasks)
}
