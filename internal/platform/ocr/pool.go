package ocr

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("ocr adapter pool closed")

// Pool hands out Adapters to one batch at a time. Each adapter, and the
// engine it holds, has a single owner while borrowed.
type Pool struct {
	adapters chan *Adapter
	all      []*Adapter
	closed   chan struct{}
	once     sync.Once
}

// NewPool creates size adapters with newAdapter. size below one is treated
// as one.
func NewPool(size int, newAdapter func() *Adapter) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		adapters: make(chan *Adapter, size),
		all:      make([]*Adapter, 0, size),
		closed:   make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		a := newAdapter()
		p.all = append(p.all, a)
		p.adapters <- a
	}
	return p
}

// Size returns the number of adapters managed by the pool.
func (p *Pool) Size() int { return len(p.all) }

// Acquire blocks until an adapter is free, ctx is done or the pool closes.
func (p *Pool) Acquire(ctx context.Context) (*Adapter, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}
	select {
	case a := <-p.adapters:
		return a, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire ocr adapter: %w", ctx.Err())
	case <-p.closed:
		return nil, ErrPoolClosed
	}
}

// Put returns a borrowed adapter to the pool.
func (p *Pool) Put(a *Adapter) {
	if a == nil {
		return
	}
	select {
	case p.adapters <- a:
	default:
	}
}

// Close stops handing out adapters and releases every engine.
func (p *Pool) Close() error {
	closedNow := false
	p.once.Do(func() {
		close(p.closed)
		closedNow = true
	})
	if !closedNow {
		return nil
	}
	var errs []error
	for _, a := range p.all {
		if err := a.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
