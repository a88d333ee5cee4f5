// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// DefaultWorkers bounds concurrent sandbox jobs across all sessions.
const DefaultWorkers = 4

// Job is one unit of sandbox work.
type Job func(ctx context.Context)

// Pool runs jobs on a fixed set of workers. Submissions queue when all
// workers are busy; sandbox capacity is the scarce resource being protected.
type Pool struct {
	jobs chan queued
	wg   sync.WaitGroup

	// mu is held shared for the whole submit so Close cannot close the
	// channel under an in-flight send.
	mu     sync.RWMutex
	closed bool
}

type queued struct {
	ctx context.Context
	job Job
}

// NewPool starts workers goroutines. workers <= 0 uses DefaultWorkers.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	p := &Pool{jobs: make(chan queued)}
	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for q := range p.jobs {
		if q.ctx.Err() != nil {
			continue
		}
		q.job(q.ctx)
	}
}

// Submit queues a job, blocking until a worker accepts it or ctx ends.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("pool is closed")
	}
	select {
	case p.jobs <- queued{ctx: ctx, job: job}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for in-flight ones.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.jobs)
	p.wg.Wait()
}
