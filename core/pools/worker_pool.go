package pools

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Task represents a unit of work
type Task func()

// WorkerPool is a work-stealing goroutine pool. The epoll substrate runs
// every I/O completion on it so the poll loop never executes handler code.
type WorkerPool struct {
	numWorkers int
	queues     []*workerQueue
	done       chan struct{}
	wg         sync.WaitGroup
	closed     atomic.Bool
	next       atomic.Uint64

	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		tasksInline    atomic.Uint64
		stealsSuccess  atomic.Uint64
		stealsFailed   atomic.Uint64
	}
}

type workerQueue struct {
	tasks chan Task
}

type worker struct {
	id    int
	pool  *WorkerPool
	queue *workerQueue
}

// NewWorkerPool starts numWorkers goroutines, each with its own queue of queueSize tasks.
func NewWorkerPool(numWorkers, queueSize int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	pool := &WorkerPool{
		numWorkers: numWorkers,
		queues:     make([]*workerQueue, numWorkers),
		done:       make(chan struct{}),
	}
	for i := range pool.queues {
		pool.queues[i] = &workerQueue{tasks: make(chan Task, queueSize)}
	}

	pool.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		w := &worker{id: i, pool: pool, queue: pool.queues[i]}
		go w.run()
	}
	return pool
}

// Submit queues task round-robin. When two queues in a row are full the task
// runs on the caller's goroutine. It reports false once the pool is closed.
func (p *WorkerPool) Submit(task Task) bool {
	if p.closed.Load() {
		return false
	}
	if p.enqueue(task) {
		return true
	}

	p.stats.tasksSubmitted.Add(1)
	p.stats.tasksInline.Add(1)
	task()
	p.stats.tasksCompleted.Add(1)
	return true
}

// TrySubmit queues task without ever running it on the caller's goroutine.
// It reports false when the pool is closed or the queues are full.
func (p *WorkerPool) TrySubmit(task Task) bool {
	if p.closed.Load() {
		return false
	}
	return p.enqueue(task)
}

func (p *WorkerPool) enqueue(task Task) bool {
	idx := int(p.next.Add(1) % uint64(p.numWorkers))
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case p.queues[idx].tasks <- task:
			p.stats.tasksSubmitted.Add(1)
			return true
		default:
			idx = (idx + 1) % p.numWorkers
		}
	}
	return false
}

func (w *worker) run() {
	defer w.pool.wg.Done()

	for {
		select {
		case task := <-w.queue.tasks:
			w.exec(task)
			continue
		case <-w.pool.done:
			w.drain()
			return
		default:
		}

		if w.trySteal() {
			continue
		}

		select {
		case task := <-w.queue.tasks:
			w.exec(task)
		case <-w.pool.done:
			w.drain()
			return
		}
	}
}

// drain runs whatever is left in the worker's own queue.
func (w *worker) drain() {
	for {
		select {
		case task := <-w.queue.tasks:
			w.exec(task)
		default:
			return
		}
	}
}

func (w *worker) exec(task Task) {
	task()
	w.pool.stats.tasksCompleted.Add(1)
}

func (w *worker) trySteal() bool {
	n := w.pool.numWorkers
	start := (w.id + 1) % n

	for i := 0; i < n-1; i++ {
		victim := w.pool.queues[(start+i)%n]
		select {
		case task := <-victim.tasks:
			w.pool.stats.stealsSuccess.Add(1)
			w.exec(task)
			return true
		default:
		}
	}

	w.pool.stats.stealsFailed.Add(1)
	return false
}

// Close stops the workers once their queues are drained and waits for them to
// exit. Close must not be called from a task running on this pool.
func (p *WorkerPool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	submitted := p.stats.tasksSubmitted.Load()
	completed := p.stats.tasksCompleted.Load()
	pending := uint64(0)
	if submitted > completed {
		pending = submitted - completed
	}
	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		TasksSubmitted: submitted,
		TasksCompleted: completed,
		TasksPending:   pending,
		TasksInline:    p.stats.tasksInline.Load(),
		StealsSuccess:  p.stats.stealsSuccess.Load(),
		StealsFailed:   p.stats.stealsFailed.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers     int    `json:"num_workers"`
	TasksSubmitted uint64 `json:"tasks_submitted"`
	TasksCompleted uint64 `json:"tasks_completed"`
	TasksPending   uint64 `json:"tasks_pending"`
	TasksInline    uint64 `json:"tasks_inline"`
	StealsSuccess  uint64 `json:"steals_success"`
	StealsFailed   uint64 `json:"steals_failed"`
}
