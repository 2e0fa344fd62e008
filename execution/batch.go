package execution

import (
	"sync"
	"time"

	"golang.org/x/net/context"
	"golang.org/x/sync/semaphore"
)

// BatchOptions tunes a single ExecuteBatchWithOptimization call.
type BatchOptions struct {
	// MaxConcurrency caps how many of the batch's operations run at once.
	// A non-positive value means "as many as the pool allows". The
	// effective concurrency never exceeds the pool's MaxSize or the number
	// of operations in the batch.
	MaxConcurrency int `json:"max_concurrency"`
}

// BatchItemResult captures the outcome of one operation in a batch.
type BatchItemResult struct {
	// Index is the operation's position in the input slice.
	Index int `json:"index"`

	// Value is the operation's result; nil if the operation failed.
	Value interface{} `json:"value,omitempty"`

	// Error is the operation's failure; nil if the operation succeeded.
	Error error `json:"-"`

	// Duration is the wall-clock time the item spent executing, including
	// its wait for a pooled connection.
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether the item completed without error.
func (r *BatchItemResult) Succeeded() bool {
	return r.Error == nil
}

// BatchResult aggregates the outcome of a batch execution. Partial failure
// is reported here as data, never as an error: one operation's failure does
// not abort or block the others.
type BatchResult struct {
	// Total is the number of operations in the batch.
	Total int `json:"total"`

	// Succeeded and Failed partition Total.
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// Results holds one entry per operation, ordered by original input
	// index regardless of completion order, so callers can zip results
	// back to inputs.
	Results []BatchItemResult `json:"results"`

	// Duration is the total wall-clock time of the batch.
	Duration time.Duration `json:"duration"`
}

// ExecuteBatchWithOptimization runs the given independent operations through
// the pool, at most effectiveConcurrency at a time, where
// effectiveConcurrency = min(options.MaxConcurrency, len(operations), pool
// MaxSize). Each operation's result is captured independently; the batch
// itself never fails because some of its items did.
//
// The per-batch concurrency gate is a secondary limiter scoped to this one
// call; the pool's global limiter still applies underneath it.
func (e *Engine) ExecuteBatchWithOptimization(ctx context.Context, operations []Operation, options *BatchOptions) *BatchResult {
	batchStart := time.Now()

	result := &BatchResult{
		Total:   len(operations),
		Results: make([]BatchItemResult, len(operations)),
	}

	if len(operations) == 0 {
		return result
	}

	concurrency := e.manager.Config().MaxSize
	if options != nil && options.MaxConcurrency > 0 && options.MaxConcurrency < concurrency {
		concurrency = options.MaxConcurrency
	}
	if len(operations) < concurrency {
		concurrency = len(operations)
	}

	e.log.Debug("Executing batch of %d operation(s) with effective concurrency %d.",
		len(operations), concurrency)

	batchSem := semaphore.NewWeighted(int64(concurrency))

	var wg sync.WaitGroup

	for i, operation := range operations {
		if err := batchSem.Acquire(ctx, 1); err != nil {
			// The caller cancelled mid-batch: the remaining items are
			// recorded as failed without ever starting.
			result.Results[i] = BatchItemResult{Index: i, Error: err}
			continue
		}

		wg.Add(1)

		go func(index int, op Operation) {
			defer wg.Done()
			defer batchSem.Release(1)

			itemStart := time.Now()
			value, err := e.ExecuteWithPooling(ctx, op)

			// Each goroutine writes only its own index; no lock needed.
			result.Results[index] = BatchItemResult{
				Index:    index,
				Value:    value,
				Error:    err,
				Duration: time.Since(itemStart),
			}
		}(i, operation)
	}

	wg.Wait()

	for i := range result.Results {
		if result.Results[i].Succeeded() {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}

	result.Duration = time.Since(batchStart)

	e.log.Debug("Batch complete: %d/%d operation(s) succeeded in %v.",
		result.Succeeded, result.Total, result.Duration)

	return result
}
