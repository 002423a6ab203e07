// Package guard implements the protected request queue that fronts the
// external model runtime. Every embedding, NER, and completion call
// funnels through it; nothing else in the process may talk to the
// runtime directly.
//
// Protections, in the order a request meets them: circuit breaker
// checked at submit and again at dispatch, priority scheduling across a
// small worker pool, a token bucket drawn once per downstream call (a
// batch counts as one call), request batching for batchable operations,
// retries with exponential backoff, and an optional deterministic
// fallback that lets callers proceed degraded instead of failing.
package guard

import (
	"container/heap"
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/aico-project/aico/internal/metrics"
)

// Priority orders queued items. Higher runs first; ties resolve by
// arrival order.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// maxRateDelay caps how long a dispatch waits on the token bucket
// before giving up with ErrRateLimited.
const maxRateDelay = 30 * time.Second

// Processor executes one downstream call for a non-batchable
// operation. Wrap transient failures with Retriable.
type Processor func(ctx context.Context, data interface{}) (interface{}, error)

// BatchProcessor executes one downstream call carrying a whole batch.
// It must return exactly len(data) results, index-aligned.
type BatchProcessor func(ctx context.Context, data []interface{}) ([]interface{}, error)

// Fallback produces a deterministic degraded result when the real
// downstream call cannot be made.
type Fallback func(data interface{}) (interface{}, error)

// Result is a completed submission. Degraded marks fallback output.
type Result struct {
	Value    interface{}
	Degraded bool
}

// Config tunes the queue. Zero values fall back to the defaults noted
// per field.
type Config struct {
	Workers                 int           // worker goroutines, default 3
	RateLimitPerSecond      float64       // bucket rate and capacity, default 10
	CircuitFailureThreshold int           // consecutive failures to trip, default 5
	CircuitTimeout          time.Duration // open-state cooldown, default 30s
	BatchSize               int           // items per batch, default 10
	BatchTimeout            time.Duration // partial-batch flush, default 1s
	MaxRetries              int           // per-item retry ceiling, default 2
	Debug                   bool
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = 10
	}
	if c.CircuitFailureThreshold <= 0 {
		c.CircuitFailureThreshold = 5
	}
	if c.CircuitTimeout <= 0 {
		c.CircuitTimeout = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
}

// Stats is a point-in-time snapshot of queue behavior.
type Stats struct {
	Depth           int
	Active          int
	Processed       uint64
	Failed          uint64
	RateLimited     uint64
	CircuitBroken   uint64
	Fallbacks       uint64
	AvgProcessingMS float64
	CircuitState    string
	FailureCount    int
	Tokens          float64
	Batches         uint64
	BatchEfficiency float64
}

type outcome struct {
	value    interface{}
	degraded bool
	err      error
}

type item struct {
	id       string
	op       *operation
	data     interface{}
	priority Priority
	seq      uint64
	created  time.Time
	deadline time.Time
	retries  int

	done      chan outcome
	resolved  atomic.Bool
	cancelled atomic.Bool
}

// resolve delivers the terminal outcome exactly once. Cancelled items
// are never re-resolved.
func (it *item) resolve(o outcome) {
	if it.cancelled.Load() {
		return
	}
	if !it.resolved.CompareAndSwap(false, true) {
		return
	}
	it.done <- o
}

func (it *item) dead() bool {
	return it.resolved.Load() || it.cancelled.Load()
}

type operation struct {
	name      string
	proc      Processor
	batchProc BatchProcessor
	batchable bool
	fallback  Fallback
}

// itemHeap orders by (-priority, seq).
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the protected request queue. Register operations, Start,
// then Submit from any goroutine.
type Queue struct {
	cfg     Config
	limiter *rate.Limiter
	breaker *breaker

	mux     sync.Mutex
	cond    *sync.Cond
	pending itemHeap
	seq     uint64
	stopped bool

	opMux sync.RWMutex
	ops   map[string]*operation

	batchMux sync.Mutex
	batches  map[string]*accumulator

	wg sync.WaitGroup

	statsMux      sync.Mutex
	active        int
	processed     uint64
	failed        uint64
	rateLimited   uint64
	circuitBroken uint64
	fallbacks     uint64
	emaMS         float64
	emaSet        bool
	batchCount    uint64
	batchItems    uint64
}

// NewQueue builds a stopped queue from cfg.
func NewQueue(cfg Config) *Queue {
	cfg.applyDefaults()
	q := &Queue{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), int(cfg.RateLimitPerSecond)),
		breaker: newBreaker(cfg.CircuitFailureThreshold, cfg.CircuitTimeout),
		ops:     make(map[string]*operation),
		batches: make(map[string]*accumulator),
	}
	q.cond = sync.NewCond(&q.mux)
	return q
}

// RegisterOperation binds a non-batchable operation to its downstream
// processor. Panics on duplicate registration.
func (q *Queue) RegisterOperation(name string, proc Processor) {
	q.opMux.Lock()
	defer q.opMux.Unlock()
	if _, dup := q.ops[name]; dup {
		panic(fmt.Sprintf("guard: operation %q registered twice", name))
	}
	q.ops[name] = &operation{name: name, proc: proc}
}

// RegisterBatchOperation binds a batchable operation. Submissions
// accumulate into batches of up to BatchSize items, flushed after
// BatchTimeout, and fire as a single downstream call.
func (q *Queue) RegisterBatchOperation(name string, proc BatchProcessor) {
	q.opMux.Lock()
	defer q.opMux.Unlock()
	if _, dup := q.ops[name]; dup {
		panic(fmt.Sprintf("guard: operation %q registered twice", name))
	}
	q.ops[name] = &operation{name: name, batchProc: proc, batchable: true}
}

// RegisterFallback attaches a degraded-mode producer to an already
// registered operation.
func (q *Queue) RegisterFallback(name string, fb Fallback) error {
	q.opMux.Lock()
	defer q.opMux.Unlock()
	op, ok := q.ops[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	op.fallback = fb
	return nil
}

// Start launches the worker pool.
func (q *Queue) Start() {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	if q.cfg.Debug {
		log.Printf("guard: queue started with %d workers", q.cfg.Workers)
	}
}

// Stop drains queued items for up to timeout, then cancels whatever
// remains, including partially accumulated batches.
func (q *Queue) Stop(timeout time.Duration) {
	q.mux.Lock()
	if q.stopped {
		q.mux.Unlock()
		return
	}
	q.stopped = true
	q.cond.Broadcast()
	q.mux.Unlock()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(timeout):
		if q.cfg.Debug {
			log.Printf("guard: stop grace window elapsed, cancelling remainder")
		}
	}

	q.mux.Lock()
	leftover := q.pending
	q.pending = nil
	q.mux.Unlock()
	for _, it := range leftover {
		it.resolve(outcome{err: ErrQueueStopped})
	}
	metrics.QueueDepth.Set(0)

	q.batchMux.Lock()
	for _, acc := range q.batches {
		if acc.timer != nil {
			acc.timer.Stop()
			acc.timer = nil
		}
		for _, it := range acc.items {
			it.resolve(outcome{err: ErrQueueStopped})
		}
		acc.items = nil
	}
	q.batchMux.Unlock()
}

// Submit runs data through the named operation and blocks until a
// result, a terminal error, the timeout, or ctx cancellation. Failure
// kinds: ErrCircuitOpen, ErrRateLimited, ErrQueueStopped, ErrTimeout,
// or the downstream error itself.
func (q *Queue) Submit(ctx context.Context, opName string, data interface{}, priority Priority, timeout time.Duration) (*Result, error) {
	q.opMux.RLock()
	op, ok := q.ops[opName]
	q.opMux.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, opName)
	}

	now := time.Now()
	if !q.breaker.allow(now) {
		q.count(&q.circuitBroken)
		metrics.QueueCircuitBroken.Inc()
		if res, ok := q.tryFallback(op, data); ok {
			return res, nil
		}
		return nil, ErrCircuitOpen
	}

	it := &item{
		id:       uuid.NewString(),
		op:       op,
		data:     data,
		priority: priority,
		created:  now,
		deadline: now.Add(timeout),
		done:     make(chan outcome, 1),
	}

	if err := q.enqueue(it); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-it.done:
		if o.err != nil {
			return nil, o.err
		}
		return &Result{Value: o.value, Degraded: o.degraded}, nil
	case <-timer.C:
		it.cancelled.Store(true)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, opName, timeout)
	case <-ctx.Done():
		it.cancelled.Store(true)
		return nil, ctx.Err()
	}
}

// Stats returns a point-in-time snapshot.
func (q *Queue) Stats() Stats {
	q.mux.Lock()
	depth := len(q.pending)
	q.mux.Unlock()

	state, failures := q.breaker.snapshot()

	q.statsMux.Lock()
	defer q.statsMux.Unlock()

	efficiency := 0.0
	if q.batchCount > 0 {
		efficiency = float64(q.batchItems) / float64(q.batchCount) / float64(q.cfg.BatchSize)
	}
	return Stats{
		Depth:           depth,
		Active:          q.active,
		Processed:       q.processed,
		Failed:          q.failed,
		RateLimited:     q.rateLimited,
		CircuitBroken:   q.circuitBroken,
		Fallbacks:       q.fallbacks,
		AvgProcessingMS: q.emaMS,
		CircuitState:    state.String(),
		FailureCount:    failures,
		Tokens:          q.limiter.Tokens(),
		Batches:         q.batchCount,
		BatchEfficiency: efficiency,
	}
}

func (q *Queue) enqueue(it *item) error {
	q.mux.Lock()
	defer q.mux.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}
	q.seq++
	it.seq = q.seq
	heap.Push(&q.pending, it)
	metrics.QueueDepth.Set(float64(len(q.pending)))
	q.cond.Signal()
	return nil
}

// next blocks until an item is available; nil means the queue drained
// after Stop.
func (q *Queue) next() *item {
	q.mux.Lock()
	defer q.mux.Unlock()
	for len(q.pending) == 0 && !q.stopped {
		q.cond.Wait()
	}
	if len(q.pending) == 0 {
		return nil
	}
	it := heap.Pop(&q.pending).(*item)
	metrics.QueueDepth.Set(float64(len(q.pending)))
	return it
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()
	for {
		it := q.next()
		if it == nil {
			return
		}
		if it.dead() {
			continue
		}
		if it.op.batchable {
			q.addToBatch(it)
			continue
		}
		q.execute(it)
	}
}

// execute runs one non-batchable item through the token bucket and the
// downstream processor, retrying retriable failures with backoff.
func (q *Queue) execute(it *item) {
	q.setActive(+1)
	defer q.setActive(-1)

	// The breaker may have opened while the item sat in the queue or
	// waited out a retry backoff.
	ok, probe := q.breaker.acquire(time.Now())
	if !ok {
		q.count(&q.circuitBroken)
		metrics.QueueCircuitBroken.Inc()
		q.fail(it, ErrCircuitOpen)
		return
	}

	if err := q.reserveToken(time.Until(it.deadline)); err != nil {
		if probe {
			q.breaker.release()
		}
		q.count(&q.rateLimited)
		metrics.QueueRateLimited.Inc()
		q.fail(it, err)
		return
	}
	if it.dead() {
		if probe {
			q.breaker.release()
		}
		return
	}

	ctx, cancel := context.WithDeadline(context.Background(), it.deadline)
	start := time.Now()
	value, err := it.op.proc(ctx, it.data)
	cancel()
	q.observeDuration(time.Since(start))

	if err == nil {
		q.breaker.success()
		q.count(&q.processed)
		metrics.QueueProcessed.WithLabelValues(it.op.name).Inc()
		it.resolve(outcome{value: value})
		return
	}

	q.breaker.failure(time.Now())
	if IsRetriable(err) && it.retries < q.cfg.MaxRetries {
		backoff := retryBackoff(it.retries)
		it.retries++
		if q.cfg.Debug {
			log.Printf("guard: %s retry %d in %s: %v", it.op.name, it.retries, backoff, err)
		}
		time.AfterFunc(backoff, func() {
			if it.dead() {
				return
			}
			if qerr := q.enqueue(it); qerr != nil {
				q.fail(it, qerr)
			}
		})
		return
	}
	q.fail(it, err)
}

// retryBackoff is min(2^retries, 30) seconds.
func retryBackoff(retries int) time.Duration {
	return time.Duration(math.Min(math.Pow(2, float64(retries)), 30)) * time.Second
}

// reserveToken draws one token, sleeping out the bucket's delay when it
// fits inside maxWait.
func (q *Queue) reserveToken(maxWait time.Duration) error {
	if maxWait > maxRateDelay {
		maxWait = maxRateDelay
	}
	r := q.limiter.Reserve()
	if !r.OK() {
		return ErrRateLimited
	}
	delay := r.Delay()
	if delay > maxWait {
		r.Cancel()
		return ErrRateLimited
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return nil
}

// fail terminally fails an item, preferring its operation's fallback.
func (q *Queue) fail(it *item, err error) {
	if res, ok := q.tryFallback(it.op, it.data); ok {
		it.resolve(outcome{value: res.Value, degraded: true})
		return
	}
	q.count(&q.failed)
	metrics.QueueFailed.WithLabelValues(it.op.name).Inc()
	it.resolve(outcome{err: err})
}

func (q *Queue) tryFallback(op *operation, data interface{}) (*Result, bool) {
	if op.fallback == nil {
		return nil, false
	}
	value, err := op.fallback(data)
	if err != nil {
		return nil, false
	}
	q.count(&q.fallbacks)
	metrics.QueueFallbacks.WithLabelValues(op.name).Inc()
	return &Result{Value: value, Degraded: true}, true
}

func (q *Queue) count(c *uint64) {
	q.statsMux.Lock()
	*c++
	q.statsMux.Unlock()
}

func (q *Queue) setActive(delta int) {
	q.statsMux.Lock()
	q.active += delta
	q.statsMux.Unlock()
}

// observeDuration folds a sample into the EMA (alpha 0.2).
func (q *Queue) observeDuration(d time.Duration) {
	ms := float64(d.Milliseconds())
	q.statsMux.Lock()
	if !q.emaSet {
		q.emaMS = ms
		q.emaSet = true
	} else {
		q.emaMS = 0.2*ms + 0.8*q.emaMS
	}
	q.statsMux.Unlock()
}
