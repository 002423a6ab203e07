package guard

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aico-project/aico/internal/metrics"
)

// accumulator collects submissions for one batchable operation until
// the batch fills or the flush timer fires.
type accumulator struct {
	items []*item
	timer *time.Timer
}

// addToBatch appends an item to its operation's pending batch. A full
// batch dispatches inline on the calling worker; a partial one is
// flushed by the timer started with its first item.
func (q *Queue) addToBatch(it *item) {
	opName := it.op.name

	q.batchMux.Lock()
	acc := q.batches[opName]
	if acc == nil {
		acc = &accumulator{}
		q.batches[opName] = acc
	}
	acc.items = append(acc.items, it)
	if len(acc.items) == 1 {
		acc.timer = time.AfterFunc(q.cfg.BatchTimeout, func() { q.flushBatch(opName) })
	}
	var ready []*item
	if len(acc.items) >= q.cfg.BatchSize {
		ready = acc.items
		acc.items = nil
		if acc.timer != nil {
			acc.timer.Stop()
			acc.timer = nil
		}
	}
	q.batchMux.Unlock()

	if ready != nil {
		q.dispatchBatch(it.op, ready)
	}
}

// flushBatch fires whatever the operation has accumulated, called from
// the batch timer.
func (q *Queue) flushBatch(opName string) {
	q.batchMux.Lock()
	acc := q.batches[opName]
	var ready []*item
	if acc != nil && len(acc.items) > 0 {
		ready = acc.items
		acc.items = nil
		acc.timer = nil
	}
	q.batchMux.Unlock()

	if ready != nil {
		q.dispatchBatch(ready[0].op, ready)
	}
}

// dispatchBatch issues one downstream call for the whole batch and
// distributes results back to each item's future in order. A batch
// failure fails every item with the same error.
func (q *Queue) dispatchBatch(op *operation, items []*item) {
	q.setActive(+1)
	defer q.setActive(-1)

	// The breaker may have opened while the batch accumulated.
	ok, probe := q.breaker.acquire(time.Now())
	if !ok {
		q.count(&q.circuitBroken)
		metrics.QueueCircuitBroken.Inc()
		q.failBatch(items, ErrCircuitOpen)
		return
	}

	q.statsMux.Lock()
	q.batchCount++
	q.batchItems += uint64(len(items))
	q.statsMux.Unlock()
	metrics.QueueBatchSize.Observe(float64(len(items)))

	// One token per downstream call, not per item.
	if err := q.reserveToken(maxRateDelay); err != nil {
		if probe {
			q.breaker.release()
		}
		q.count(&q.rateLimited)
		metrics.QueueRateLimited.Inc()
		q.failBatch(items, err)
		return
	}

	data := make([]interface{}, len(items))
	for i, it := range items {
		data[i] = it.data
	}

	ctx, cancel := context.WithTimeout(context.Background(), maxRateDelay)
	start := time.Now()
	results, err := op.batchProc(ctx, data)
	cancel()
	q.observeDuration(time.Since(start))

	if err == nil && len(results) != len(items) {
		err = fmt.Errorf("guard: batch %s returned %d results for %d items", op.name, len(results), len(items))
	}
	if err != nil {
		q.breaker.failure(time.Now())
		if q.cfg.Debug {
			log.Printf("guard: batch %s (%d items) failed: %v", op.name, len(items), err)
		}
		q.failBatch(items, err)
		return
	}

	q.breaker.success()
	for i, it := range items {
		q.count(&q.processed)
		metrics.QueueProcessed.WithLabelValues(op.name).Inc()
		it.resolve(outcome{value: results[i]})
	}
}

func (q *Queue) failBatch(items []*item, err error) {
	for _, it := range items {
		q.fail(it, err)
	}
}
