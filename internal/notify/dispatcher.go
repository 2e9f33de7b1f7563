// Package notify delivers order updates to the customer and the board mirror
// off the request path.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/vasiliy-maslov/kds-service/internal/order"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrStopped   = errors.New("notification dispatcher stopped")
)

// Sender delivers a text message to a customer contact handle.
type Sender interface {
	Send(ctx context.Context, contactHandle, message string) error
}

// Mirror copies an order onto the external board.
type Mirror interface {
	Mirror(ctx context.Context, card Card) error
}

type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

type job struct {
	order order.Order
	event order.StatusEvent
}

// Dispatcher is a bounded worker pool. Enqueue never blocks; each delivery
// runs under its own timeout and failures are logged, never returned.
type Dispatcher struct {
	cfg    Config
	sender Sender
	mirror Mirror

	mu      sync.RWMutex
	jobs    chan job
	stopped bool
}

var _ order.Notifier = (*Dispatcher)(nil)

func NewDispatcher(cfg Config, sender Sender, mirror Mirror) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Dispatcher{
		cfg:    cfg,
		sender: sender,
		mirror: mirror,
		jobs:   make(chan job, cfg.QueueSize),
	}
}

func (d *Dispatcher) Enqueue(o order.Order, e order.StatusEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return ErrStopped
	}

	select {
	case d.jobs <- job{order: o, event: e}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run processes jobs until Stop is called and the queue is drained. Cancelling
// ctx abandons whatever is still queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case j, ok := <-d.jobs:
					if !ok {
						return nil
					}
					d.deliver(ctx, j)
				}
			}
		})
	}
	return g.Wait()
}

// Stop refuses new jobs and lets the workers drain the queue.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	close(d.jobs)
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	logger := log.With().Str("order_id", j.order.ID).Str("status", j.event.ToStatus.String()).Int64("sequence", j.event.Sequence).Logger()

	if msg := Message(j.order, j.event); msg != "" && j.order.ContactHandle != "" {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		err := d.sender.Send(sendCtx, j.order.ContactHandle, msg)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("notify: customer notification failed")
		} else {
			logger.Debug().Msg("notify: customer notified")
		}
	}

	mirrorCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	err := d.mirror.Mirror(mirrorCtx, NewCard(j.order, j.event))
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("notify: board mirror failed")
	}
}
