package chat

import (
	"context"
	"sync"
)

// persistPool bounds concurrent background memory writes.
type persistPool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func newPersistPool(workers int) *persistPool {
	if workers <= 0 {
		workers = 8
	}
	return &persistPool{sem: make(chan struct{}, workers)}
}

// Go runs fn once a worker slot is free. The caller's context does not
// bound the job; fn receives its own.
func (p *persistPool) Go(ctx context.Context, fn func(context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		fn(ctx)
	}()
}

// Wait blocks until every submitted job has finished.
func (p *persistPool) Wait() {
	p.wg.Wait()
}
