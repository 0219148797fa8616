// Package backfill imports closed ranges of block numbers outside the live
// watcher, either in-process or as windows distributed over a task queue.
package backfill

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/chain-indexer/pkg/claim"
	"github.com/ethpandaops/chain-indexer/pkg/common"
	"github.com/ethpandaops/chain-indexer/pkg/ethereum"
	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/state"
	"github.com/ethpandaops/chain-indexer/pkg/timeout"
)

var stageBlocksImported = model.NewStage(model.PipelineBlocks, model.StatusImported)

// Persister writes a fetched block and its transactions.
type Persister interface {
	Persist(ctx context.Context, b *ethereum.Block) error
}

// Promoter runs the block fan-in and returns the promoted hashes.
type Promoter interface {
	Blocks(ctx context.Context, hashes []string) []string
}

// Offerer makes keys claimable at a stage.
type Offerer interface {
	Offer(ctx context.Context, stage model.Stage, keys []string) error
}

// Checkpoint records finished windows.
type Checkpoint interface {
	Raise(ctx context.Context, name string, n uint64) (bool, error)
}

// Result summarises one import.
type Result struct {
	Imported int
	// Failed lists the numbers still missing after every attempt.
	Failed []uint64
}

// Importer fetches blocks by number and writes them the way the block
// downloader does, leaving each block at downloaded.
type Importer struct {
	config     *Config
	client     ethereum.Client
	persister  Persister
	status     claim.StatusWriter
	offerer    Offerer
	promoter   Promoter
	checkpoint Checkpoint
	log        logrus.FieldLogger

	sleep func(ctx context.Context, d time.Duration)
}

// NewImporter creates an importer. checkpoint may be nil.
func NewImporter(
	log logrus.FieldLogger,
	config *Config,
	client ethereum.Client,
	persister Persister,
	status claim.StatusWriter,
	offerer Offerer,
	promoter Promoter,
	checkpoint Checkpoint,
) *Importer {
	return &Importer{
		config:     config,
		client:     client,
		persister:  persister,
		status:     status,
		offerer:    offerer,
		promoter:   promoter,
		checkpoint: checkpoint,
		log:        log.WithField("component", "backfill"),
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// CheckRange validates a closed range.
func CheckRange(from, to uint64) error {
	if to < from {
		return fmt.Errorf("%w: to (%d) is below from (%d)", ErrInvalidRange, to, from)
	}

	return nil
}

// Windows splits [from, to] into consecutive closed windows of size.
func Windows(from, to, size uint64) [][2]uint64 {
	var out [][2]uint64

	for start := from; start <= to; {
		end := to
		if to-start >= size {
			end = start + size - 1
		}

		out = append(out, [2]uint64{start, end})

		if end == to {
			break
		}

		start = end + 1
	}

	return out
}

// Import walks [from, to] window by window. Numbers that fail are deferred
// and retried in later rounds, up to MaxAttempts in total. It returns
// ErrIncomplete together with the result when numbers remain. The backfill
// checkpoint never passes a number that is still deferred.
func (i *Importer) Import(ctx context.Context, from, to uint64) (*Result, error) {
	if err := CheckRange(from, to); err != nil {
		return nil, err
	}

	log := i.log.WithFields(logrus.Fields{"from": from, "to": to})
	log.Info("Importing block range")

	result := &Result{}

	var (
		deferred     []uint64
		checkpoint   uint64
		checkpointed bool
	)

	raise := func(n uint64) {
		if checkpointed && n <= checkpoint {
			return
		}

		i.raise(ctx, n)

		checkpoint, checkpointed = n, true
	}

	for _, w := range Windows(from, to, i.config.Window) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		numbers := make([]uint64, 0, w[1]-w[0]+1)
		for n := w[0]; n <= w[1]; n++ {
			numbers = append(numbers, n)
		}

		imported, failed := i.importNumbers(ctx, numbers)
		result.Imported += imported
		deferred = append(deferred, failed...)

		if len(deferred) == 0 {
			raise(w[1])
		}

		log.WithFields(logrus.Fields{
			"window_from": w[0],
			"window_to":   w[1],
			"failed":      len(failed),
		}).Debug("Imported window")
	}

	for attempt := 2; attempt <= i.config.MaxAttempts && len(deferred) > 0; attempt++ {
		i.sleep(ctx, i.config.RetryDelay)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		common.BackfillBlocks.WithLabelValues("retried").Add(float64(len(deferred)))

		var still []uint64

		for chunk := range slices.Chunk(deferred, int(i.config.Window)) {
			imported, failed := i.importNumbers(ctx, chunk)
			result.Imported += imported
			still = append(still, failed...)
		}

		log.WithFields(logrus.Fields{
			"attempt":   attempt,
			"retried":   len(deferred),
			"remaining": len(still),
		}).Info("Retried deferred blocks")

		deferred = still
	}

	slices.Sort(deferred)
	result.Failed = deferred

	switch {
	case len(deferred) == 0:
		raise(to)
	case deferred[0] > from:
		raise(deferred[0] - 1)
	}

	if len(deferred) > 0 {
		common.BackfillBlocks.WithLabelValues("failed").Add(float64(len(deferred)))

		log.WithFields(logrus.Fields{
			"imported": result.Imported,
			"failed":   len(deferred),
			"numbers":  deferred,
		}).Error("Block range import left blocks unresolved")

		return result, fmt.Errorf("%w: %d of %d blocks failed", ErrIncomplete, len(deferred), to-from+1)
	}

	log.WithField("imported", result.Imported).Info("Block range imported")

	return result, nil
}

// importNumbers fetches and writes numbers concurrently and returns the
// count written and the numbers that failed.
func (i *Importer) importNumbers(ctx context.Context, numbers []uint64) (int, []uint64) {
	var (
		mu     sync.Mutex
		done   []string
		failed []uint64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.config.Concurrency)

	for _, n := range numbers {
		g.Go(func() error {
			hash, err := i.importBlock(gctx, n)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				i.log.WithError(err).WithField("number", n).Debug("Deferring block")

				failed = append(failed, n)

				return nil
			}

			done = append(done, hash)

			return nil
		})
	}

	_ = g.Wait()

	if len(done) > 0 {
		moved, err := timeout.Call(ctx, i.config.CallTimeout, func(ctx context.Context) ([]string, error) {
			return i.status.SetStatus(ctx, stageBlocksImported, done, model.StatusDownloaded)
		})
		if err != nil {
			// The rows stay at imported and go to the block downloader
			// instead, so the window still counts as written.
			i.log.WithError(err).WithField("blocks", len(done)).Warn("Failed to advance imported blocks")
			i.offerImported(ctx, done)
		} else {
			// Blocks that were already past imported are promoted by
			// whoever moved them.
			i.promoter.Blocks(ctx, moved)
		}
	}

	common.BackfillBlocks.WithLabelValues("imported").Add(float64(len(done)))

	return len(done), failed
}

func (i *Importer) importBlock(ctx context.Context, n uint64) (string, error) {
	b, err := timeout.Call(ctx, i.config.CallTimeout, func(ctx context.Context) (*ethereum.Block, error) {
		return i.client.BlockByNumber(ctx, n)
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch block: %w", err)
	}

	if err := i.persister.Persist(ctx, b); err != nil {
		return "", err
	}

	return model.NormalizeHex(b.Hash), nil
}

func (i *Importer) offerImported(ctx context.Context, hashes []string) {
	if err := timeout.Do(ctx, i.config.CallTimeout, func(ctx context.Context) error {
		return i.offerer.Offer(ctx, stageBlocksImported, hashes)
	}); err != nil {
		i.log.WithError(err).WithField("blocks", len(hashes)).Error("Failed to offer imported blocks")
	}
}

func (i *Importer) raise(ctx context.Context, n uint64) {
	if i.checkpoint == nil {
		return
	}

	if _, err := timeout.Call(ctx, i.config.CallTimeout, func(ctx context.Context) (bool, error) {
		return i.checkpoint.Raise(ctx, state.CheckpointBackfill, n)
	}); err != nil {
		i.log.WithError(err).WithField("number", n).Warn("Failed to raise backfill checkpoint")
	}
}
