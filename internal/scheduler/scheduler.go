// Package scheduler runs admitted operations on a fixed worker pool, draining
// a priority queue ordered by tier-weighted urgency with FIFO tie-breaking.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nucleuslabs/adsgateway/internal/quota"
)

// Func is the unit of work a caller submits. The result is delivered through
// the handle returned by Submit.
type Func func(ctx context.Context) (any, error)

// Handle lets the submitter wait for the operation's outcome.
type Handle struct {
	ID   string
	done chan outcome
}

type outcome struct {
	result any
	err    error
}

// Wait blocks until the operation completes or the context expires.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case out := <-h.done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type operation struct {
	id       string
	clientID string
	tier     quota.Tier
	priority int
	seq      uint64
	fn       Func
	done     chan outcome
}

// Lower priority value runs first; equal priorities run in submission order.
type opHeap []*operation

func (h opHeap) Len() int { return len(h) }
func (h opHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h opHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *opHeap) Push(x any)        { *h = append(*h, x.(*operation)) }
func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return op
}

// Priority computes the queue rank from caller urgency and the tenant tier.
// Urgency is clamped to [0,99]; higher urgency and heavier tiers both lower
// the rank, and rank ties fall back to submission order.
func Priority(urgency int, tier quota.Tier) int {
	if urgency < 0 {
		urgency = 0
	}
	if urgency > 99 {
		urgency = 99
	}
	return (100 - urgency) / tier.Weight()
}

// Stats is the scheduler read-out for monitoring endpoints.
type Stats struct {
	Submitted    uint64            `json:"submitted"`
	Completed    uint64            `json:"completed"`
	Failed       uint64            `json:"failed"`
	QueueSize    int               `json:"queue_size"`
	WorkersAlive int               `json:"workers_alive"`
	ByTier       map[string]uint64 `json:"by_tier"`
}

// Scheduler owns the queue and the worker pool.
type Scheduler struct {
	workers int
	logger  *zap.Logger

	mu        sync.Mutex
	queue     opHeap
	cond      *sync.Cond
	seq       uint64
	accepting bool

	running      atomic.Bool
	stopping     atomic.Bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	workersAlive atomic.Int64

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64

	tierMu sync.Mutex
	byTier map[quota.Tier]uint64
}

// New creates a scheduler with the given worker count.
func New(workers int, logger *zap.Logger) *Scheduler {
	if workers <= 0 {
		workers = 4
	}
	s := &Scheduler{
		workers: workers,
		logger:  logger,
		byTier:  make(map[quota.Tier]uint64),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool. Calling Start on a running scheduler is a
// logged no-op.
func (s *Scheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("scheduler already running, ignoring start")
		return
	}
	s.stopping.Store(false)
	s.mu.Lock()
	s.accepting = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.logger.Info("scheduler started", zap.Int("workers", s.workers))
}

// Stop drains the queue, waiting up to timeout for in-flight and queued work
// to finish before cancelling the workers outright. Operations still queued
// after cancellation fail with the shutdown error.
func (s *Scheduler) Stop(timeout time.Duration) {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	// Refuse new submissions under the queue lock so nothing can slip in
	// after the final drain below.
	s.mu.Lock()
	s.accepting = false
	s.mu.Unlock()
	s.stopping.Store(true)
	s.cond.Broadcast()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.logger.Info("scheduler drained cleanly")
	case <-time.After(timeout):
		s.logger.Warn("scheduler drain timed out, cancelling workers",
			zap.Duration("timeout", timeout))
		s.cancel()
		<-drained
	}
	s.cancel()
	s.failRemaining()
}

func (s *Scheduler) failRemaining() {
	s.mu.Lock()
	remaining := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, op := range remaining {
		s.failed.Add(1)
		op.done <- outcome{err: fmt.Errorf("scheduler shut down before operation %s ran", op.id)}
	}
	if len(remaining) > 0 {
		s.logger.Warn("operations abandoned at shutdown", zap.Int("count", len(remaining)))
	}
}

// Submit enqueues fn and returns a handle to wait on. Submitting to a stopped
// scheduler returns an error immediately.
func (s *Scheduler) Submit(clientID string, tier quota.Tier, urgency int, fn Func) (*Handle, error) {
	op := &operation{
		id:       uuid.NewString(),
		clientID: clientID,
		tier:     tier,
		priority: Priority(urgency, tier),
		fn:       fn,
		done:     make(chan outcome, 1),
	}

	// The accepting check and the push share one critical section; Stop
	// flips the flag under the same lock before its final drain, so an
	// admitted operation is always either run or failed at shutdown.
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler is not running")
	}
	s.seq++
	op.seq = s.seq
	heap.Push(&s.queue, op)
	s.mu.Unlock()
	s.cond.Signal()

	s.submitted.Add(1)
	s.tierMu.Lock()
	s.byTier[tier]++
	s.tierMu.Unlock()

	s.logger.Debug("operation queued",
		zap.String("op_id", op.id),
		zap.String("client_id", clientID),
		zap.String("tier", string(tier)),
		zap.Int("priority", op.priority))
	return &Handle{ID: op.id, done: op.done}, nil
}

// next blocks until an operation is available or the scheduler is stopping.
func (s *Scheduler) next() *operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 {
		if s.stopping.Load() {
			return nil
		}
		s.cond.Wait()
	}
	return heap.Pop(&s.queue).(*operation)
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	s.workersAlive.Add(1)
	defer s.workersAlive.Add(-1)

	for {
		op := s.next()
		if op == nil {
			return
		}
		s.run(ctx, op)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Scheduler) run(ctx context.Context, op *operation) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.failed.Add(1)
			s.logger.Error("operation panicked",
				zap.String("op_id", op.id), zap.Any("panic", r))
			op.done <- outcome{err: fmt.Errorf("operation %s panicked: %v", op.id, r)}
		}
	}()

	result, err := op.fn(ctx)
	elapsed := time.Since(start)
	if err != nil {
		s.failed.Add(1)
		s.logger.Debug("operation failed",
			zap.String("op_id", op.id),
			zap.String("client_id", op.clientID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	} else {
		s.completed.Add(1)
		s.logger.Debug("operation completed",
			zap.String("op_id", op.id),
			zap.String("client_id", op.clientID),
			zap.Duration("elapsed", elapsed))
	}
	op.done <- outcome{result: result, err: err}
}

// Stats returns a snapshot of the counters and queue depth.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	depth := len(s.queue)
	s.mu.Unlock()

	s.tierMu.Lock()
	byTier := make(map[string]uint64, len(s.byTier))
	for tier, n := range s.byTier {
		byTier[string(tier)] = n
	}
	s.tierMu.Unlock()

	return Stats{
		Submitted:    s.submitted.Load(),
		Completed:    s.completed.Load(),
		Failed:       s.failed.Load(),
		QueueSize:    depth,
		WorkersAlive: int(s.workersAlive.Load()),
		ByTier:       byTier,
	}
}

// Healthy reports whether the pool is running with all workers alive.
func (s *Scheduler) Healthy() bool {
	return s.running.Load() && int(s.workersAlive.Load()) == s.workers
}
