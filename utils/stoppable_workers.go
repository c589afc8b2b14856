package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers is a set of background goroutines sharing one cancelable context, such as a
// device notifier or a telemetry writer.
type StoppableWorkers interface {
	AddWorkers(...func(context.Context))
	Stop()
	Context() context.Context
}

// stoppableWorkers holds a sync.WaitGroup, so it is only handed out by pointer through the
// interface.
type stoppableWorkers struct {
	mu         sync.Mutex
	ctx        context.Context
	cancelFunc func()
	active     sync.WaitGroup
}

// NewStoppableWorkers runs each function in its own goroutine until Stop.
func NewStoppableWorkers(funcs ...func(context.Context)) StoppableWorkers {
	ctx, cancelFunc := context.WithCancel(context.Background())
	sw := &stoppableWorkers{ctx: ctx, cancelFunc: cancelFunc}
	sw.AddWorkers(funcs...)
	return sw
}

// AddWorkers starts more goroutines. It does nothing once Stop was called.
func (sw *stoppableWorkers) AddWorkers(funcs ...func(context.Context)) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.ctx.Err() != nil {
		return
	}
	sw.active.Add(len(funcs))
	for _, f := range funcs {
		goutils.PanicCapturingGo(func() {
			defer sw.active.Done()
			f(sw.ctx)
		})
	}
}

// Stop cancels the context and waits for every goroutine to return.
func (sw *stoppableWorkers) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.cancelFunc()
	sw.active.Wait()
}

// Context returns the context the workers run with.
func (sw *stoppableWorkers) Context() context.Context {
	return sw.ctx
}
