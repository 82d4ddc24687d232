package reqctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jsamuelsen/go-reqscope/internal/platform/metrics"
)

// Default pool sizing.
const (
	DefaultPoolLanes     = 4
	DefaultPoolQueueSize = 64
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Lanes is the number of long-lived carriers. Each lane runs its tasks
	// one at a time, in submission order.
	Lanes int

	// QueueSize bounds the tasks waiting per lane. A full lane rejects.
	QueueSize int

	Logger *slog.Logger
}

// Pool is an Executor with a fixed set of lanes. A lane is one goroutine
// that owns one carrier for its whole life, the way an OS thread owns its
// thread-local slot. Every task restores its own captured context on entry
// and clears the slot on exit, so nothing leaks between tasks on a lane.
type Pool struct {
	lanes  []*lane
	next   atomic.Uint64
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type lane struct {
	index   int
	carrier *Carrier
	queue   chan *Task
	depth   prometheus.Gauge
}

// NewPool starts the lanes.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Lanes <= 0 {
		cfg.Lanes = DefaultPoolLanes
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultPoolQueueSize
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pool{
		lanes:  make([]*lane, cfg.Lanes),
		logger: cfg.Logger,
	}

	for i := range p.lanes {
		l := &lane{
			index:   i,
			carrier: NewCarrier(),
			queue:   make(chan *Task, cfg.QueueSize),
			depth:   metrics.PoolQueueDepth.WithLabelValues(strconv.Itoa(i)),
		}
		p.lanes[i] = l

		p.wg.Go(func() {
			p.drain(l)
		})
	}

	p.logger.Debug("propagation pool started",
		slog.Int("lanes", cfg.Lanes),
		slog.Int("queue_size", cfg.QueueSize),
	)

	return p
}

func (p *Pool) drain(l *lane) {
	for task := range l.queue {
		l.depth.Dec()
		task.Run(l.carrier)
	}
}

// Lanes returns the number of lanes.
func (p *Pool) Lanes() int {
	return len(p.lanes)
}

// Submit implements Executor. Lanes are tried round-robin; the task goes to
// the first one with queue space.
func (p *Pool) Submit(task *Task) error {
	start := p.next.Add(1)

	var err error
	for i := range p.lanes {
		l := p.lanes[(start+uint64(i))%uint64(len(p.lanes))]

		err = p.enqueue(l, task)
		if !errors.Is(err, ErrQueueFull) {
			return err
		}
	}

	return err
}

// SubmitOn implements Executor.
func (p *Pool) SubmitOn(lane int, task *Task) error {
	if lane < 0 || lane >= len(p.lanes) {
		return fmt.Errorf("%w: %d", ErrNoSuchLane, lane)
	}

	return p.enqueue(p.lanes[lane], task)
}

func (p *Pool) enqueue(l *lane, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	// Counted before the send so the lane's Dec can never run first.
	l.depth.Inc()

	select {
	case l.queue <- task:
		return nil
	default:
		l.depth.Dec()
		return fmt.Errorf("%w: lane %d", ErrQueueFull, l.index)
	}
}

// PoolStats is a point-in-time view of a pool.
type PoolStats struct {
	Lanes  int   `json:"lanes"`
	Queued []int `json:"queued"`
	Closed bool  `json:"closed"`
}

// Stats reports the queue depth of every lane.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		Lanes:  len(p.lanes),
		Queued: make([]int, len(p.lanes)),
		Closed: p.closed,
	}

	for i, l := range p.lanes {
		stats.Queued[i] = len(l.queue)
	}

	return stats
}

// Close stops accepting work and waits for queued tasks to finish or ctx
// to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}

	p.closed = true
	for _, l := range p.lanes {
		close(l.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("propagation pool drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining pool: %w", ctx.Err())
	}
}

// Name implements ports.HealthChecker.
func (p *Pool) Name() string {
	return "propagation-pool"
}

// Check implements ports.HealthChecker. The pool is unhealthy once closed
// or when every lane queue is full.
func (p *Pool) Check(_ context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	for _, l := range p.lanes {
		if len(l.queue) < cap(l.queue) {
			return nil
		}
	}

	return ErrQueueFull
}
