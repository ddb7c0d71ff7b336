// Package worker runs chat turns on a bounded pool of goroutines. Jobs are
// keyed, typically by conversation, and a key never has two jobs running at
// once; keys with queued work are served round-robin.
package worker

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type keyQueue struct {
	jobs     []Job
	enqueued bool // in the ready list
	running  bool // a job for this key is executing
}

type Dispatcher struct {
	pool      *jobChannelPool
	JobQueue  chan Job // entry point for outer jobs
	queueSize int64
	pending   atomic.Int64

	mu     sync.Mutex
	queues map[string]*keyQueue
	ready  *list.List // round-robin order of keys with queued jobs

	wake     chan struct{}
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	d := &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout),
		JobQueue:  make(chan Job, cfg.QueueSize),
		queueSize: int64(cfg.QueueSize),
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	d.pool.warmUp()
	go d.run()
	return d
}

// Submit queues fn under key and waits for it to finish. It fails fast with
// ErrDispatcherBusy when the queue is full and returns ctx.Err() if the
// caller gives up first; a job whose context is already done is skipped.
func (d *Dispatcher) Submit(ctx context.Context, key string, fn func(context.Context)) error {
	select {
	case <-d.quit:
		return ErrDispatcherStopped
	default:
	}
	if d.pending.Add(1) > d.queueSize {
		d.pending.Add(-1)
		return ErrDispatcherBusy
	}
	job := Job{
		Type: Run,
		Key:  key,
		ctx:  ctx,
		run:  fn,
		done: make(chan error, 1),
	}
	d.JobQueue <- job

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		select {
		case err := <-job.done:
			return err
		default:
			return ErrDispatcherStopped
		}
	}
}

// Stop rejects new jobs, drops queued ones and retires the workers once their
// current job is done.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.pool.close()
		<-d.stopped
	})
}

// Pending reports jobs accepted but not yet handed to a worker.
func (d *Dispatcher) Pending() int {
	return int(d.pending.Load())
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		// dispatch one job of the first runnable key
		if d.dispatchOne() {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				d.drain()
				return
			default:
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.wake:
		case <-d.quit:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.ready.PushBack(job.Key)
}

// dispatchOne hands the next job of the first idle key to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	var (
		job Job
		key string
		ok  bool
	)
	for elem := d.ready.Front(); elem != nil; elem = elem.Next() {
		key = elem.Value.(string)
		q := d.queues[key]
		if q.running {
			continue
		}
		job = q.jobs[0]
		q.jobs = q.jobs[1:]
		q.running = true
		if len(q.jobs) == 0 {
			q.enqueued = false
			d.ready.Remove(elem)
		} else {
			d.ready.MoveToBack(elem)
		}
		ok = true
		break
	}
	d.mu.Unlock()
	if !ok {
		return false
	}

	d.pending.Add(-1)
	job.finish = func() { d.finish(key) }
	workerChan := d.pool.acquire()
	if workerChan == nil {
		job.drop(ErrDispatcherStopped)
		return true
	}
	debugLog("[dispatcher] assign job %s for %s to worker-%d", job.Type, key, d.pool.workerID(workerChan))
	workerChan <- job
	return true
}

// finish frees key for its next job.
func (d *Dispatcher) finish(key string) {
	d.mu.Lock()
	if q, ok := d.queues[key]; ok {
		q.running = false
		if len(q.jobs) == 0 && !q.enqueued {
			delete(d.queues, key)
		}
	}
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// drain fails every job that never reached a worker.
func (d *Dispatcher) drain() {
	for {
		select {
		case job := <-d.JobQueue:
			d.pending.Add(-1)
			job.done <- ErrDispatcherStopped
		default:
			d.mu.Lock()
			queues := d.queues
			d.queues = make(map[string]*keyQueue)
			d.ready.Init()
			d.mu.Unlock()
			for _, q := range queues {
				for _, job := range q.jobs {
					d.pending.Add(-1)
					job.done <- ErrDispatcherStopped
				}
			}
			return
		}
	}
}
