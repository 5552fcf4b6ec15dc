// Package taskpool provides a bounded, tomb-supervised worker pool used to
// dispatch settlement-execution tasks with inter-task pacing (§4.6.5),
// adapted from the teacher's TCP-connection dispatch pool to a settlement
// payload.
package taskpool

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const taskChanSize = 100

// WorkerFunction processes one task; a returned error is logged and does not
// stop the pool or kill the tomb it runs under.
type WorkerFunction = func(t *tomb.Tomb, task any) error

// Pool is a fixed-size worker pool over a single task channel, with an
// optional pacing delay applied by each worker between tasks to avoid
// hammering the external ledger (§4.6.5's "small inter-call delay").
type Pool struct {
	n      int
	tasks  chan any
	work   WorkerFunction
	pacing time.Duration
}

func New(size int, pacing time.Duration) *Pool {
	return &Pool{
		tasks:  make(chan any, taskChanSize),
		n:      size,
		pacing: pacing,
	}
}

// Submit enqueues a task. It blocks if the channel is full; callers that
// cannot block should select on a context alongside this.
func (p *Pool) Submit(task any) {
	p.tasks <- task
}

// Setup maintains a full complement of workers under t, restarting any that
// exit without the tomb dying (mirrors the teacher's WorkerPool.Setup loop).
func (p *Pool) Setup(t *tomb.Tomb, work WorkerFunction) {
	p.work = work
	log.Info().Int("workers", p.n).Msg("taskpool: starting workers")
	var active atomic.Int32
	for {
		select {
		case <-t.Dying():
			return
		default:
			if active.Load() < int32(p.n) {
				active.Add(1)
				t.Go(func() error {
					err := p.worker(t)
					active.Add(-1)
					return err
				})
			}
		}
	}
}

// worker processes a single task and returns, mirroring the teacher's
// one-shot-then-respawn shape; Setup immediately replaces it. The pacing
// delay is applied before returning so the replacement's pickup of the next
// task is naturally throttled.
func (p *Pool) worker(t *tomb.Tomb) error {
	select {
	case <-t.Dying():
		return nil
	case task := <-p.tasks:
		if err := p.work(t, task); err != nil {
			log.Error().Err(err).Msg("taskpool: worker task failed")
		}
	}
	if p.pacing > 0 {
		select {
		case <-t.Dying():
		case <-time.After(p.pacing):
		}
	}
	return nil
}
