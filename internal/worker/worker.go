// Package worker implements the per-thread worker engine (spec §4.6,
// component C8): a loop owning one ring, one buffer pool, and one pipe
// pool, driving up to D FileJobs concurrently to completion.
package worker

import (
	"context"
	"fmt"

	"github.com/bamsammich/uringsync/internal/copyjob"
	"github.com/bamsammich/uringsync/internal/pool"
	"github.com/bamsammich/uringsync/internal/queue"
	"github.com/bamsammich/uringsync/internal/ring"
	"github.com/bamsammich/uringsync/internal/scan"
	"github.com/bamsammich/uringsync/internal/stats"
)

// Config describes one worker engine's resources and run-wide policy.
type Config struct {
	QueueDepth int // D: ring depth, buffer count, pipe count
	ChunkSize  int64
	UseSplice  bool
	Stats      *stats.Collector
}

// Engine is a single OS-thread-equivalent worker: one ring, one buffer
// pool, one pipe pool, no internal locking (spec §5: "only three
// blocking points system-wide").
type Engine struct {
	cfg   Config
	res   *copyjob.Resources
	queue *queue.Queue

	inflight map[*copyjob.Job]struct{}
}

// New builds an Engine's private ring and pools. Callers must Close it.
func New(cfg Config, q *queue.Queue) (*Engine, error) {
	if cfg.QueueDepth <= 0 {
		return nil, fmt.Errorf("worker: queue_depth must be positive")
	}

	r, err := ring.New(uint(cfg.QueueDepth))
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}

	bufs := pool.NewBufferPool(cfg.QueueDepth, int(cfg.ChunkSize))

	var pipes *pool.PipePool
	if cfg.UseSplice {
		pipes, err = pool.NewPipePool(cfg.QueueDepth, int(cfg.ChunkSize))
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("worker: %w", err)
		}
	}

	return &Engine{
		cfg:   cfg,
		queue: q,
		res: &copyjob.Resources{
			Ring:      r,
			Bufs:      bufs,
			Pipes:     pipes,
			ChunkSize: cfg.ChunkSize,
			UseSplice: cfg.UseSplice,
			Stats:     cfg.Stats,
		},
		inflight: make(map[*copyjob.Job]struct{}, cfg.QueueDepth),
	}, nil
}

// Close releases the engine's ring and pools. Safe to call once, after
// Run returns.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.res.Ring.Close(); err != nil {
		firstErr = err
	}
	if e.res.Pipes != nil {
		if err := e.res.Pipes.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run drives the main loop until the queue is closed-and-empty and the
// in-flight set is empty, or ctx is cancelled, or an engine-fatal error
// occurs (spec §4.6/§7).
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		e.admit()

		if _, err := e.res.Ring.Submit(); err != nil {
			return fmt.Errorf("worker: %w", err)
		}

		if len(e.inflight) == 0 {
			if e.queue.IsDone() {
				return nil
			}
			// No work admitted this iteration (queue transiently empty,
			// not yet closed) and nothing in flight to wait on: loop back
			// and block in admit()'s WaitPop.
			continue
		}

		comp, err := e.res.Ring.WaitCompletion(ctx)
		if err != nil {
			return fmt.Errorf("worker: %w", err)
		}
		batch := append([]ring.Completion{comp}, e.res.Ring.DrainCompletions()...)

		for _, c := range batch {
			job, ok := c.Context.(*copyjob.Job)
			if !ok {
				continue
			}
			job.Advance(e.res, c)
			if job.Terminal() {
				delete(e.inflight, job)
			}
		}
	}
}

// admit pulls work items from the queue and starts jobs until the
// in-flight set reaches QueueDepth, the queue runs dry, or a job's
// admission gate (pool acquisition) fails.
func (e *Engine) admit() {
	for len(e.inflight) < e.cfg.QueueDepth {
		var raw queue.Item
		var ok bool

		if len(e.inflight) == 0 {
			// Nothing to advance; block for at least one item rather than
			// busy-spin (spec §5: WaitPop is one of the three blocking
			// points in the system).
			raw, ok = e.queue.WaitPop()
		} else {
			raw, ok = e.queue.TryPop()
		}
		if !ok {
			return
		}

		item := raw.(scan.WorkItem)
		job := copyjob.New(item)
		if !job.Start(e.res) {
			// Admission gate failed: no buffer/pipe loan free. Push back
			// to the front and stop admitting this iteration; the
			// in-flight jobs already running will free a loan shortly.
			e.queue.PushFront(item)
			return
		}
		e.inflight[job] = struct{}{}
	}
}
