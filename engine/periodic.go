package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlasgurus/badgestone/types"
)

// Periodic runs a task at a fixed interval, optionally once immediately on
// start.  For long-running tasks the interval is measured from completion,
// so two runs never overlap.
type Periodic struct {
	fn       func(ctx context.Context) error
	interval time.Duration
	runNow   bool
	appctx   *types.AppContext

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPeriodic(fn func(ctx context.Context) error, interval time.Duration,
	runNow bool, appctx *types.AppContext) *Periodic {
	return &Periodic{fn: fn, interval: interval, runNow: runNow, appctx: appctx}
}

func (p *Periodic) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop cancels the task and waits for the current run to finish.
func (p *Periodic) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Periodic) run(ctx context.Context) {
	defer close(p.done)
	if p.runNow {
		p.runOnce(ctx)
	}
	for {
		select {
		case <-time.After(p.interval):
			p.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Periodic) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := p.fn(ctx); err != nil {
		p.appctx.Log.Error("periodic task failed", zap.Error(err))
	}
}
