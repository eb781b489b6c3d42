package simulator

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Pool owns up to N Simulator instances, each bound to a unique starting
// port, and hands them out with fair FIFO ordering via a buffered channel.
type Pool struct {
	mu        sync.Mutex
	instances []*Simulator
	ready     chan *Simulator
	closed    bool
}

// NewPool starts size Simulator instances, each configured from cfg but with
// the first free port at or above cfg.Port + 10*i for instance i, and blocks until every
// instance is ready or one fails to start.
func NewPool(ctx context.Context, cfg Config, size int) (*Pool, error) {
	p := &Pool{ready: make(chan *Simulator, size)}

	for i := 0; i < size; i++ {
		instCfg := cfg
		port, err := FindFreePort(cfg.Port + i*10)
		if err != nil {
			p.Shutdown()
			return nil, fmt.Errorf("pool: %w", err)
		}
		instCfg.Port = port

		sim := New(instCfg)
		if err := sim.Start(ctx); err != nil {
			p.Shutdown()
			return nil, fmt.Errorf("pool: starting instance %d: %w", i, err)
		}

		p.instances = append(p.instances, sim)
		p.ready <- sim
	}

	return p, nil
}

// Acquire blocks until a simulator instance is available or ctx is done.
// The returned release function must be called exactly once on every exit
// path — including panic recovery — to return the instance to the pool.
func (p *Pool) Acquire(ctx context.Context) (*Simulator, func(), error) {
	select {
	case sim := <-p.ready:
		return sim, func() { p.release(sim) }, nil
	case <-ctx.Done():
		return nil, func() {}, ctx.Err()
	}
}

func (p *Pool) release(sim *Simulator) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	p.ready <- sim
}

// Simulate acquires an instance, runs Simulate, and guarantees release even
// on panic.
func (p *Pool) Simulate(ctx context.Context, req func(*Simulator) error) (err error) {
	sim, release, acquireErr := p.Acquire(ctx)
	if acquireErr != nil {
		return acquireErr
	}
	defer release()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pool: recovered panic during simulate: %v", r)
		}
	}()
	return req(sim)
}

// Shutdown stops every owned instance. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	instances := p.instances
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, sim := range instances {
		wg.Add(1)
		go func(s *Simulator) {
			defer wg.Done()
			_ = s.Stop()
		}(sim)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
	}
}
