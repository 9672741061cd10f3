package buffer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Drainer periodically replays the recovery buffer in the background.
// Drains also run on demand via Kick, e.g. right after storage recovers.
type Drainer struct {
	buf      *Buffer
	fn       ReplayFunc
	interval time.Duration
	logger   *zap.Logger

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewDrainer wires the buffer to its replay handler.
func NewDrainer(buf *Buffer, fn ReplayFunc, interval time.Duration, logger *zap.Logger) *Drainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drainer{
		buf:      buf,
		fn:       fn,
		interval: interval,
		logger:   logger.Named("drainer"),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the drain loop. An immediate drain picks up records
// left over from a previous run.
func (d *Drainer) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		d.drain(ctx)

		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stop:
				return
			case <-ticker.C:
				d.drain(ctx)
			case <-d.kick:
				d.drain(ctx)
			}
		}
	}()
}

// Kick requests an out-of-cycle drain. Non-blocking; a drain already
// requested absorbs further kicks.
func (d *Drainer) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Stop halts the loop and waits for an in-flight drain to finish.
func (d *Drainer) Stop() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Drainer) drain(ctx context.Context) {
	if _, err := d.buf.Drain(ctx, d.fn); err != nil && ctx.Err() == nil {
		d.logger.Warn("background drain failed", zap.Error(err))
	}
}
