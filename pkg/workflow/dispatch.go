package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher advances records in the background after a request has been
// answered. Work outlives the request context but not the timeout.
type Dispatcher struct {
	engine  *Engine
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(engine *Engine, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Dispatcher{engine: engine, logger: logger, timeout: timeout}
}

func (d *Dispatcher) Advance(ctx context.Context, id uuid.UUID) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		rec, err := d.engine.Advance(ctx, id)
		if err != nil {
			d.logger.Error("background advance failed", zap.String("workflow_id", id.String()), zap.Error(err))
			return
		}
		d.logger.Debug("background advance finished",
			zap.String("workflow_id", id.String()),
			zap.String("status", string(rec.Status)),
			zap.String("step", string(rec.CurrentStep)),
		)
	}()
}

// Wait blocks until in-flight work finishes or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
