// Package worker drains the conversion queue. Each worker claims one
// pending room at a time, so a crashed conversion never blocks the rest
// of the queue.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/louisbranch/coplay.space/internal/registry"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers      = 2
	defaultPollInterval = 2 * time.Second
)

// Converter is the unit of work: claim one pending room and convert it.
// registry.ErrNotFound means the queue is empty.
type Converter interface {
	ProcessNext(ctx context.Context) error
}

// Pool polls the conversion queue with a fixed number of workers.
type Pool struct {
	converter    Converter
	workers      int
	pollInterval time.Duration
}

// Option adjusts pool behavior.
type Option func(*Pool)

// WithWorkers overrides the worker count.
func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithPollInterval overrides how long an idle worker sleeps between
// queue checks.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// New builds a pool over the converter.
func New(converter Converter, opts ...Option) *Pool {
	p := &Pool{
		converter:    converter,
		workers:      defaultWorkers,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks until the context is cancelled. Conversion failures are
// logged and recorded on the room; they never stop the pool.
func (p *Pool) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		group.Go(func() error {
			return p.work(ctx)
		})
	}
	return group.Wait()
}

func (p *Pool) work(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		err := p.converter.ProcessNext(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, registry.ErrNotFound):
			if !p.sleep(ctx) {
				return nil
			}
		case ctx.Err() != nil:
			return nil
		default:
			// The room is already marked failed; back off before the
			// next claim.
			log.Printf("conversion worker error=%v", err)
			if !p.sleep(ctx) {
				return nil
			}
		}
	}
}

func (p *Pool) sleep(ctx context.Context) bool {
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
