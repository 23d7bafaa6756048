// ABOUTME: Buffers fetched records and flushes fixed-size batches to the store concurrently.
// ABOUTME: Bounded by a worker semaphore; results are summed only after every job has finished.

package batch

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/jfeddern/VulnLedger/internal/payload"
	"github.com/jfeddern/VulnLedger/internal/types"
	"github.com/sirupsen/logrus"
)

const (
	DefaultThreshold = 100
	DefaultWorkers   = 4
)

// ErrFlushed is returned by Add once Flush has been called.
var ErrFlushed = errors.New("batch coordinator already flushed")

// WriteFunc persists one batch and reports its counts.
type WriteFunc func(ctx context.Context, records []payload.Object) (types.StoreResult, error)

// Options tunes the flush threshold and write concurrency. Zero values use the defaults.
type Options struct {
	Threshold int
	Workers   int
}

// Coordinator collects records from page callbacks and dispatches store jobs.
type Coordinator struct {
	ctx       context.Context
	write     WriteFunc
	threshold int
	logger    *logrus.Entry

	mu       sync.Mutex
	buffer   []payload.Object
	jobSizes []int
	flushed  bool

	semaphore chan struct{}
	wg        sync.WaitGroup

	resultMu sync.Mutex
	result   types.StoreResult
	errs     *multierror.Error
}

// NewCoordinator creates a coordinator whose jobs run under ctx.
func NewCoordinator(ctx context.Context, write WriteFunc, opts Options, logger *logrus.Logger) *Coordinator {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}

	return &Coordinator{
		ctx:       ctx,
		write:     write,
		threshold: opts.Threshold,
		logger:    logger.WithField("component", "batch_coordinator"),
		semaphore: make(chan struct{}, opts.Workers),
	}
}

// Add appends records to the buffer. When the buffer reaches the threshold the
// oldest threshold records are submitted as one job; at most one job is
// submitted per call and the rest waits for the next call or Flush.
func (c *Coordinator) Add(records []payload.Object) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flushed {
		return ErrFlushed
	}

	c.buffer = append(c.buffer, records...)
	if len(c.buffer) >= c.threshold {
		job := make([]payload.Object, c.threshold)
		copy(job, c.buffer[:c.threshold])
		c.buffer = append([]payload.Object(nil), c.buffer[c.threshold:]...)
		c.submit(job)
	}
	return nil
}

// Flush submits whatever remains as a final job, waits for every job and
// returns the summed counts. If any job failed the counts are discarded and
// the combined error is returned.
func (c *Coordinator) Flush() (types.StoreResult, error) {
	c.mu.Lock()
	if !c.flushed {
		c.flushed = true
		if len(c.buffer) > 0 {
			c.submit(c.buffer)
			c.buffer = nil
		}
	}
	c.mu.Unlock()

	c.wg.Wait()

	c.resultMu.Lock()
	defer c.resultMu.Unlock()

	if err := c.errs.ErrorOrNil(); err != nil {
		return types.StoreResult{}, err
	}
	return c.result, nil
}

// JobSizes returns the record count of every submitted job in submission order.
func (c *Coordinator) JobSizes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.jobSizes...)
}

// submit must be called with c.mu held.
func (c *Coordinator) submit(job []payload.Object) {
	c.jobSizes = append(c.jobSizes, len(job))
	jobNumber := len(c.jobSizes)

	c.wg.Add(1)
	go func(records []payload.Object) {
		defer c.wg.Done()

		c.semaphore <- struct{}{}        // Acquire worker slot
		defer func() { <-c.semaphore }() // Release worker slot

		result, err := c.write(c.ctx, records)

		c.resultMu.Lock()
		defer c.resultMu.Unlock()

		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"job":     jobNumber,
				"records": len(records),
			}).Error("Batch write failed")
			c.errs = multierror.Append(c.errs, err)
			return
		}

		c.logger.WithFields(logrus.Fields{
			"job":        jobNumber,
			"records":    len(records),
			"new":        result.New,
			"updated":    result.Updated,
			"remediated": result.Remediated,
		}).Debug("Batch write completed")
		c.result = c.result.Add(result)
	}(job)
}
