// Package rowbuffer pools items from concurrent submitters into shared bulk
// writes. A flush happens when the item limit is reached, when the timer
// fires, or on shutdown, and each submitter gets back the outcome of its own
// items.
package rowbuffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/common"
)

// ErrNotStarted is returned by Submit before Start or after Stop.
var ErrNotStarted = errors.New("buffer is not started")

// FlushFunc writes items. It returns one entry per item, nil on success, or
// a single error when nothing was written. A nil slice with a nil error
// means every item succeeded.
type FlushFunc[R any] func(ctx context.Context, items []R) ([]error, error)

type Config struct {
	MaxItems      int           // Flush threshold (default: 500)
	FlushInterval time.Duration // Max wait before flush (default: 1s)
	Name          string        // For metrics
}

type result struct {
	errs []error
	err  error
}

// waiter is a submitter blocked on the flush that carries its items.
type waiter struct {
	resultCh chan<- result
	offset   int
	count    int
}

type Buffer[R any] struct {
	mu      sync.Mutex
	items   []R
	waiters []waiter

	config  Config
	flushFn FlushFunc[R]
	log     logrus.FieldLogger

	stopChan chan struct{}
	wg       sync.WaitGroup
	flushes  sync.WaitGroup
	started  bool
}

func New[R any](cfg Config, flushFn FlushFunc[R], log logrus.FieldLogger) *Buffer[R] {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 500
	}

	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	return &Buffer[R]{
		items:    make([]R, 0, cfg.MaxItems),
		waiters:  make([]waiter, 0, 16),
		config:   cfg,
		flushFn:  flushFn,
		log:      log.WithFields(logrus.Fields{"component": "rowbuffer", "buffer": cfg.Name}),
		stopChan: make(chan struct{}),
	}
}

func (b *Buffer[R]) Start(ctx context.Context) error {
	b.mu.Lock()

	if b.started {
		b.mu.Unlock()

		return nil
	}

	b.started = true
	b.mu.Unlock()

	b.wg.Go(func() { b.runFlushTimer(ctx) })

	b.log.WithFields(logrus.Fields{
		"max_items":      b.config.MaxItems,
		"flush_interval": b.config.FlushInterval,
	}).Debug("Document buffer started")

	return nil
}

// Stop flushes what is pending and waits for in-flight flushes.
func (b *Buffer[R]) Stop(ctx context.Context) error {
	b.mu.Lock()

	if !b.started {
		b.mu.Unlock()

		return nil
	}

	b.started = false
	b.mu.Unlock()

	close(b.stopChan)
	b.wg.Wait()

	items, waiters := b.take()

	var err error
	if len(items) > 0 {
		if err = b.doFlush(ctx, items, waiters, "shutdown"); err != nil {
			b.log.WithError(err).Error("Failed to flush remaining documents on shutdown")

			err = fmt.Errorf("failed to flush remaining documents: %w", err)
		}
	}

	b.flushes.Wait()
	b.log.Debug("Document buffer stopped")

	return err
}

// take swaps out the pending batch.
func (b *Buffer[R]) take() ([]R, []waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	items, waiters := b.items, b.waiters
	b.items = make([]R, 0, b.config.MaxItems)
	b.waiters = make([]waiter, 0, 16)

	return items, waiters
}

// Submit adds items and blocks until the flush carrying them completes. The
// returned slice has one entry per item.
func (b *Buffer[R]) Submit(ctx context.Context, items []R) ([]error, error) {
	if len(items) == 0 {
		return nil, nil
	}

	resultCh := make(chan result, 1)

	b.mu.Lock()

	if !b.started {
		b.mu.Unlock()

		return nil, ErrNotStarted
	}

	b.waiters = append(b.waiters, waiter{resultCh: resultCh, offset: len(b.items), count: len(items)})
	b.items = append(b.items, items...)

	common.BulkPendingDocuments.WithLabelValues(b.config.Name).Set(float64(len(b.items)))
	common.BulkPendingWaiters.WithLabelValues(b.config.Name).Set(float64(len(b.waiters)))

	var (
		flushItems   []R
		flushWaiters []waiter
	)

	shouldFlush := len(b.items) >= b.config.MaxItems
	if shouldFlush {
		flushItems, flushWaiters = b.items, b.waiters
		b.items = make([]R, 0, b.config.MaxItems)
		b.waiters = make([]waiter, 0, 16)
	}

	b.mu.Unlock()

	if shouldFlush {
		b.flushes.Go(func() {
			_ = b.doFlush(context.WithoutCancel(ctx), flushItems, flushWaiters, "size")
		})
	}

	select {
	case r := <-resultCh:
		return r.errs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Buffer[R]) runFlushTimer(ctx context.Context) {
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.flushOnTimer(ctx)
		}
	}
}

func (b *Buffer[R]) flushOnTimer(ctx context.Context) {
	items, waiters := b.take()
	if len(items) == 0 {
		return
	}

	_ = b.doFlush(ctx, items, waiters, "timer")
}

func (b *Buffer[R]) doFlush(ctx context.Context, items []R, waiters []waiter, trigger string) error {
	if len(items) == 0 {
		return nil
	}

	start := time.Now()

	errs, err := b.flushFn(ctx, items)
	if err == nil && errs != nil && len(errs) != len(items) {
		err = fmt.Errorf("flush returned %d results for %d items", len(errs), len(items))
	}

	duration := time.Since(start)

	failed := 0

	for _, e := range errs {
		if e != nil {
			failed++
		}
	}

	status := "success"

	switch {
	case err != nil:
		status = "failed"
	case failed > 0:
		status = "partial"
	}

	common.BulkFlushTotal.WithLabelValues(b.config.Name, trigger, status).Inc()
	common.BulkFlushDuration.WithLabelValues(b.config.Name).Observe(duration.Seconds())
	common.BulkFlushSize.WithLabelValues(b.config.Name).Observe(float64(len(items)))

	b.mu.Lock()
	common.BulkPendingDocuments.WithLabelValues(b.config.Name).Set(float64(len(b.items)))
	common.BulkPendingWaiters.WithLabelValues(b.config.Name).Set(float64(len(b.waiters)))
	b.mu.Unlock()

	fields := logrus.Fields{
		"items":    len(items),
		"failed":   failed,
		"waiters":  len(waiters),
		"trigger":  trigger,
		"duration": duration,
	}

	if err != nil {
		b.log.WithError(err).WithFields(fields).Error("Bulk flush failed")
	} else {
		b.log.WithFields(fields).Debug("Bulk flush completed")
	}

	for _, w := range waiters {
		r := result{err: err}

		if err == nil {
			r.errs = make([]error, w.count)
			if errs != nil {
				copy(r.errs, errs[w.offset:w.offset+w.count])
			}
		}

		select {
		case w.resultCh <- r:
		default:
		}
	}

	return err
}

func (b *Buffer[R]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.items)
}

func (b *Buffer[R]) WaiterCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.waiters)
}
