// Package memq is an in-process queue.Queue for tests and single-node
// development. Jobs run on worker goroutines partitioned by queue name; Wait
// blocks until every enqueued job (including jobs enqueued by handlers) has
// finished.
package memq

import (
	"context"
	"errors"
	"sync"

	"goa.design/clue/log"

	"github.com/orcaresearch/orca/queue"
)

type (
	// Queue is an in-memory queue.Queue.
	Queue struct {
		router  *queue.Router
		chans   map[string]chan queue.Job
		pending sync.WaitGroup
		close   sync.Once
	}

	// Options configures a Queue.
	Options struct {
		// Router dispatches jobs. Required.
		Router *queue.Router
		// Workers is the goroutine count per queue name. Defaults to 4.
		Workers int
		// Buffer is the per-queue channel capacity. Defaults to 256.
		Buffer int
	}
)

// New creates the queue and starts its workers.
func New(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Router == nil {
		return nil, errors.New("router is required")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	q := &Queue{router: opts.Router, chans: make(map[string]chan queue.Job)}
	for _, name := range queue.Names() {
		ch := make(chan queue.Job, buffer)
		q.chans[name] = ch
		for i := 0; i < workers; i++ {
			go q.work(ctx, ch)
		}
	}
	return q, nil
}

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(ctx context.Context, job queue.Job) error {
	ch, ok := q.chans[queue.NameFor(job.Kind)]
	if !ok {
		return errors.New("unknown queue")
	}
	q.pending.Add(1)
	select {
	case ch <- job:
		return nil
	case <-ctx.Done():
		q.pending.Done()
		return ctx.Err()
	}
}

// Wait blocks until all enqueued jobs, and the jobs their handlers enqueued,
// have completed.
func (q *Queue) Wait() {
	q.pending.Wait()
}

// Close stops accepting work. Workers drain what is already queued.
func (q *Queue) Close() {
	q.close.Do(func() {
		for _, ch := range q.chans {
			close(ch)
		}
	})
}

func (q *Queue) work(ctx context.Context, ch <-chan queue.Job) {
	for job := range ch {
		if err := q.router.Dispatch(ctx, job); err != nil {
			log.Errorf(ctx, err, "job %s (%s) failed", job.ID, job.Kind)
		}
		q.pending.Done()
	}
}
