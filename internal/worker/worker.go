package worker

// Worker executes jobs handed to it through its own channel and returns
// itself to the pool after each one.
type Worker struct {
	id         int64
	pool       *jobChannelPool
	jobChannel chan Job
}

func newWorker(id int64, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			switch job.Type {
			case Stop:
				debugLog("[worker-%d] retiring", w.id)
				w.pool.retire(w.jobChannel)
				return
			case Run:
				debugLog("[worker-%d] running job for %s", w.id, job.Key)
				job.execute()
				w.pool.Release(w.jobChannel)
			}
		}
	}()
}
