package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/indexnow-engine/internal/errors"
)

// BatchOptions controls how RunBatches partitions and paces work
type BatchOptions struct {
	// Size is the number of items run concurrently per batch. Required.
	Size int

	// InterBatchDelay is slept between batches, never after the last one.
	InterBatchDelay time.Duration

	// OnBatchComplete runs after every item of a batch has settled.
	// A non-nil error stops the run before the next batch and is returned.
	OnBatchComplete func(ctx context.Context, report BatchReport) error
}

// BatchReport describes one settled batch
type BatchReport struct {
	Index     int // zero-based
	Batches   int
	Start     int // first item index, inclusive
	End       int // last item index, exclusive
	Processed int
	Errors    int
}

// BatchResult aggregates a whole run.
// Processed counts items whose work returned nil, Errors counts the rest.
type BatchResult struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
}

// Add merges another result into r
func (r *BatchResult) Add(other BatchResult) {
	r.Processed += other.Processed
	r.Errors += other.Errors
}

// RunBatches splits items into consecutive batches of opts.Size and runs work for every
// item of a batch concurrently. Batch N+1 starts only after all of batch N has settled, so
// at most opts.Size calls are in flight. Item failures (errors or panics) are counted, never
// propagated. An error is returned only for bad options, context cancellation between
// batches, or an OnBatchComplete error.
func RunBatches[T any](ctx context.Context, items []T, opts BatchOptions, work func(ctx context.Context, item T) error) (BatchResult, error) {
	var result BatchResult
	if len(items) == 0 {
		return result, nil
	}
	if opts.Size <= 0 {
		return result, fmt.Errorf("batch size must be positive, got %d", opts.Size)
	}

	batches := (len(items) + opts.Size - 1) / opts.Size

	for b := 0; b < batches; b++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		start := b * opts.Size
		end := start + opts.Size
		if end > len(items) {
			end = len(items)
		}

		report := runBatch(ctx, items[start:end], work)
		report.Index = b
		report.Batches = batches
		report.Start = start
		report.End = end

		result.Processed += report.Processed
		result.Errors += report.Errors

		if opts.OnBatchComplete != nil {
			if err := opts.OnBatchComplete(ctx, report); err != nil {
				return result, err
			}
		}

		if b < batches-1 && opts.InterBatchDelay > 0 {
			if err := Sleep(ctx, opts.InterBatchDelay); err != nil {
				return result, err
			}
		}
	}

	return result, nil
}

func runBatch[T any](ctx context.Context, batch []T, work func(ctx context.Context, item T) error) BatchReport {
	errs := make([]error, len(batch))

	var wg sync.WaitGroup
	for i := range batch {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = apperrors.NewPanicError("batch item", r)
				}
			}()
			errs[i] = work(ctx, batch[i])
		}(i)
	}
	wg.Wait()

	var report BatchReport
	for _, err := range errs {
		if err != nil {
			report.Errors++
		} else {
			report.Processed++
		}
	}
	return report
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
