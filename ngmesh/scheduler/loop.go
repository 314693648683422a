// Package scheduler provides the event loop that owns all data plane state.
//
// Goroutines doing I/O never touch peers or sessions directly. They post
// work items to the Loop, which runs them one at a time together with the
// periodic tick.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("scheduler: loop stopped")

const (
	DefaultTickInterval = time.Second
	DefaultQueueSize    = 1024
	// DefaultBatch is how many work items run between checks for a tick.
	DefaultBatch = 256
)

// Periodic is called on every tick with the current time.
type Periodic func(now time.Time)

type Options struct {
	TickInterval time.Duration
	QueueSize    int
	Batch        int
	Clock        clock.Clock
	Logger       *zap.Logger
}

type Loop struct {
	opts     Options
	work     chan func()
	periodic []Periodic
	done     chan struct{}
	logger   *zap.Logger
}

func New(opts Options) *Loop {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Batch <= 0 {
		opts.Batch = DefaultBatch
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Loop{
		opts:   opts,
		work:   make(chan func(), opts.QueueSize),
		done:   make(chan struct{}),
		logger: opts.Logger.Named("loop"),
	}
}

// Every registers fn to run on each tick. Handlers run in registration
// order. It must be called before Run.
func (l *Loop) Every(fn Periodic) {
	l.periodic = append(l.periodic, fn)
}

// Post queues fn without waiting for it to run. It blocks while the queue
// is full until ctx is done.
func (l *Loop) Post(ctx context.Context, fn func()) error {
	select {
	case l.work <- fn:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPost queues fn unless the queue is full.
func (l *Loop) TryPost(fn func()) bool {
	select {
	case l.work <- fn:
		return true
	default:
		return false
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes work and ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	ticker := l.opts.Clock.Ticker(l.opts.TickInterval)
	defer ticker.Stop()

	l.logger.Debug("loop started", zap.Duration("tick", l.opts.TickInterval))
	for {
		// Ticks first so a busy socket cannot starve maintenance.
		select {
		case now := <-ticker.C:
			l.tick(now)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		select {
		case now := <-ticker.C:
			l.tick(now)
		case fn := <-l.work:
			fn()
			l.drain()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drain runs up to Batch-1 more queued items without blocking.
func (l *Loop) drain() {
	for i := 1; i < l.opts.Batch; i++ {
		select {
		case fn := <-l.work:
			fn()
		default:
			return
		}
	}
}

func (l *Loop) tick(now time.Time) {
	for _, fn := range l.periodic {
		fn(now)
	}
}
