package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/chain-indexer/pkg/claim"
	"github.com/ethpandaops/chain-indexer/pkg/common"
	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/timeout"
)

// releaseTimeout bounds the claim cleanup done after the loop exits.
const releaseTimeout = 10 * time.Second

// Task is what a worker does with one claimed batch.
type Task struct {
	Name  string
	Stage model.Stage
	Next  model.Status
	// Process returns one entry per key, nil for records that may advance.
	Process func(ctx context.Context, keys []string) []error
	// AfterAdvance runs on the keys that advanced.
	AfterAdvance func(ctx context.Context, keys []string)
}

// Worker drives one Task: claim, process, advance the successes and release
// the failures.
type Worker struct {
	task    Task
	claimer claim.Claimer
	config  WorkerConfig

	pollInterval    time.Duration
	maxPollInterval time.Duration
	callTimeout     time.Duration

	log logrus.FieldLogger
}

func NewWorker(log logrus.FieldLogger, task Task, claimer claim.Claimer, wc WorkerConfig, cfg *Config) *Worker {
	return &Worker{
		task:            task,
		claimer:         claimer,
		config:          wc,
		pollInterval:    cfg.PollInterval,
		maxPollInterval: cfg.MaxPollInterval,
		callTimeout:     cfg.CallTimeout,
		log: log.WithFields(logrus.Fields{
			"worker":   task.Name,
			"identity": claimer.Identity(),
			"stage":    task.Stage.String(),
		}),
	}
}

func (w *Worker) Name() string {
	return w.task.Name
}

func (w *Worker) Claimer() claim.Claimer {
	return w.claimer
}

func (w *Worker) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.pollInterval
	b.Multiplier = 1.25
	b.RandomizationFactor = 0
	b.MaxInterval = w.maxPollInterval
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// Run loops until ctx is cancelled. The batch in flight at that moment is
// finished before every remaining claim is released.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Worker started")

	defer w.releaseAll(ctx)

	b := w.newBackOff()

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			w.log.WithError(err).Warn("Worker iteration failed")
		}

		if n > 0 && err == nil {
			b.Reset()

			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.NextBackOff()):
		}
	}
}

func (w *Worker) releaseAll(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	n, err := w.claimer.ReleaseAll(cleanupCtx)
	if err != nil {
		w.log.WithError(err).Error("Failed to release claims on shutdown")

		return
	}

	w.log.WithField("released", n).Info("Worker stopped")
}

// RunOnce processes one batch and returns how many keys were claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	keys, err := timeout.Call(ctx, w.callTimeout, func(ctx context.Context) ([]string, error) {
		return w.claimer.Claim(ctx, w.task.Stage, w.config.BatchSize)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to claim: %w", err)
	}

	if len(keys) == 0 {
		return 0, nil
	}

	// The batch is finished even when ctx is cancelled mid-way; every call
	// inside it carries its own timeout.
	work := context.WithoutCancel(ctx)
	start := time.Now()

	errs := w.task.Process(work, keys)
	if len(errs) != len(keys) {
		w.release(work, keys)

		return len(keys), fmt.Errorf("task %s returned %d results for %d keys", w.task.Name, len(errs), len(keys))
	}

	var succeeded, failed []string

	for i, key := range keys {
		if errs[i] != nil {
			w.log.WithError(errs[i]).WithField("key", key).Warn("Failed to process record")

			failed = append(failed, key)

			continue
		}

		succeeded = append(succeeded, key)
	}

	if len(succeeded) > 0 {
		advanced, err := timeout.Call(work, w.callTimeout, func(ctx context.Context) ([]string, error) {
			return w.claimer.Advance(ctx, w.task.Stage, succeeded, w.task.Next)
		})
		if err != nil {
			w.log.WithError(err).WithFields(logrus.Fields{
				"keys":     len(succeeded),
				"advanced": len(advanced),
			}).Error("Failed to advance records")

			// Only a partial ErrNotHeld reports rows that did move.
			if !errors.Is(err, claim.ErrNotHeld) {
				advanced = nil
			}

			failed = append(failed, without(succeeded, advanced)...)
			succeeded = advanced
		}
	}

	w.release(work, failed)

	common.RecordsProcessed.WithLabelValues(w.task.Name, "success").Add(float64(len(succeeded)))
	common.RecordsProcessed.WithLabelValues(w.task.Name, "failed").Add(float64(len(failed)))
	common.WorkerBatchSize.WithLabelValues(w.task.Name).Observe(float64(len(keys)))
	common.WorkerBatchDuration.WithLabelValues(w.task.Name).Observe(time.Since(start).Seconds())

	if len(succeeded) > 0 && w.task.AfterAdvance != nil {
		w.task.AfterAdvance(work, succeeded)
	}

	w.log.WithFields(logrus.Fields{
		"claimed":  len(keys),
		"advanced": len(succeeded),
		"failed":   len(failed),
		"duration": time.Since(start),
	}).Debug("Processed batch")

	return len(keys), nil
}

func (w *Worker) release(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}

	if err := timeout.Do(ctx, w.callTimeout, func(ctx context.Context) error {
		return w.claimer.Release(ctx, w.task.Stage, keys)
	}); err != nil {
		w.log.WithError(err).WithField("keys", len(keys)).Error("Failed to release records")
	}
}

// without returns keys not in drop, keeping order.
func without(keys, drop []string) []string {
	skip := make(map[string]struct{}, len(drop))
	for _, k := range drop {
		skip[k] = struct{}{}
	}

	out := make([]string, 0, len(keys))

	for _, k := range keys {
		if _, ok := skip[k]; !ok {
			out = append(out, k)
		}
	}

	return out
}

// ForEach runs fn for every key with at most limit in parallel. Errors stay
// with their key and never cancel the siblings.
func ForEach(ctx context.Context, limit int, keys []string, fn func(ctx context.Context, key string) error) []error {
	errs := make([]error, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, key := range keys {
		g.Go(func() error {
			errs[i] = fn(gctx, key)

			return nil
		})
	}

	_ = g.Wait()

	return errs
}
