// Package pulseq backs the work queue with Pulse streams over Redis. Each
// queue name maps to one stream; consumers form one sink (consumer group) per
// node so multiple workers share the load. Handler errors are logged and the
// event acked anyway: redelivery would duplicate work the engine's own retry
// policy already covers.
package pulseq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/orcaresearch/orca/queue"
)

type (
	// Queue is a Pulse-stream backed queue.Queue.
	Queue struct {
		rdb    *redis.Client
		node   string
		router *queue.Router

		mu      sync.Mutex
		streams map[string]*streaming.Stream
		sinks   []*streaming.Sink
		wg      sync.WaitGroup
	}

	// Options configures a Queue.
	Options struct {
		// Redis backs the streams. Required.
		Redis *redis.Client
		// Node names this worker's consumer group membership. Required.
		Node string
		// Router dispatches consumed jobs. Required for Start; Enqueue-only
		// clients may omit it.
		Router *queue.Router
	}
)

const streamPrefix = "orca:queue:"

// New creates a Queue.
func New(opts Options) (*Queue, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Node == "" {
		return nil, errors.New("node name is required")
	}
	return &Queue{
		rdb:     opts.Redis,
		node:    opts.Node,
		router:  opts.Router,
		streams: make(map[string]*streaming.Stream),
	}, nil
}

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(ctx context.Context, job queue.Job) error {
	payload, err := queue.Encode(job)
	if err != nil {
		return err
	}
	stream, err := q.stream(queue.NameFor(job.Kind))
	if err != nil {
		return err
	}
	if _, err := stream.Add(ctx, job.Kind, payload); err != nil {
		return fmt.Errorf("enqueue %s job: %w", job.Kind, err)
	}
	return nil
}

// Start opens one sink per queue and consumes until ctx is canceled.
func (q *Queue) Start(ctx context.Context) error {
	if q.router == nil {
		return errors.New("router is required to consume")
	}
	for _, name := range queue.Names() {
		stream, err := q.stream(name)
		if err != nil {
			return err
		}
		sink, err := stream.NewSink(ctx, q.node, streamopts.WithSinkStartAtOldest())
		if err != nil {
			return fmt.Errorf("create sink on %s: %w", name, err)
		}
		q.mu.Lock()
		q.sinks = append(q.sinks, sink)
		q.mu.Unlock()
		q.wg.Add(1)
		go q.consume(ctx, name, sink)
	}
	return nil
}

func (q *Queue) consume(ctx context.Context, name string, sink *streaming.Sink) {
	defer q.wg.Done()
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			job, err := queue.Decode(ev.Payload)
			if err != nil {
				log.Errorf(ctx, err, "drop undecodable event on %s", name)
			} else if err := q.router.Dispatch(ctx, job); err != nil {
				log.Errorf(ctx, err, "job %s (%s) failed", job.ID, job.Kind)
			}
			if err := sink.Ack(ctx, ev); err != nil {
				log.Errorf(ctx, err, "ack event on %s", name)
			}
		}
	}
}

// Close stops the sinks and waits for in-flight handlers to return.
func (q *Queue) Close(ctx context.Context) {
	q.mu.Lock()
	sinks := q.sinks
	q.sinks = nil
	q.mu.Unlock()
	for _, sink := range sinks {
		sink.Close(ctx)
	}
	q.wg.Wait()
}

func (q *Queue) stream(name string) (*streaming.Stream, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.streams[name]; ok {
		return s, nil
	}
	s, err := streaming.NewStream(streamPrefix+name, q.rdb)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", name, err)
	}
	q.streams[name] = s
	return s, nil
}
