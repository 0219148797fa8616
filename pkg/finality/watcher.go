package finality

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/common"
	"github.com/ethpandaops/chain-indexer/pkg/ethereum"
	"github.com/ethpandaops/chain-indexer/pkg/leaderelection"
	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/state"
	"github.com/ethpandaops/chain-indexer/pkg/timeout"
)

// Committer persists a settled block and hands it to the pipeline.
type Committer interface {
	Commit(ctx context.Context, b *model.Block) error
}

// Checkpoint stores the highest committed block number.
type Checkpoint interface {
	Get(ctx context.Context, name string) (uint64, error)
	Raise(ctx context.Context, name string, n uint64) (bool, error)
}

// GapFiller imports a closed range of block numbers out of band.
type GapFiller interface {
	EnqueueRange(ctx context.Context, from, to uint64) error
}

// Watcher follows the node head and commits blocks once the tracker settles
// them. Only the elected leader polls; a follower keeps no tracker state.
type Watcher struct {
	config     *Config
	client     ethereum.Client
	committer  Committer
	checkpoint Checkpoint
	gaps       GapFiller
	elector    leaderelection.Elector
	log        logrus.FieldLogger

	tracker *Tracker
	leading bool
	next    uint64
	pending []Header
}

// NewWatcher creates a watcher. elector and gaps may be nil: without an
// elector the watcher always leads, without a gap filler a lagging
// checkpoint is only logged.
func NewWatcher(
	log logrus.FieldLogger,
	config *Config,
	client ethereum.Client,
	committer Committer,
	checkpoint Checkpoint,
	gaps GapFiller,
	elector leaderelection.Elector,
) *Watcher {
	return &Watcher{
		config:     config,
		client:     client,
		committer:  committer,
		checkpoint: checkpoint,
		gaps:       gaps,
		elector:    elector,
		log:        log.WithField("component", "watcher"),
	}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.log.WithFields(logrus.Fields{
		"confirmation_depth": w.config.ConfirmationDepth,
		"stale_window":       w.config.StaleWindow,
		"poll_interval":      w.config.PollInterval,
	}).Info("Block watcher started")

	for {
		if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.log.WithError(err).Warn("Block watcher poll failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Watcher) isLeader() bool {
	return w.elector == nil || w.elector.IsLeader()
}

// Poll runs one round: read the head, tick every new block and commit what
// settled.
func (w *Watcher) Poll(ctx context.Context) error {
	if !w.isLeader() {
		if w.leading {
			w.log.Info("Lost leadership, dropping unsettled blocks")

			w.leading = false
			w.tracker = nil
			w.pending = nil
		}

		return nil
	}

	head, err := timeout.Call(ctx, w.config.CallTimeout, w.client.HeadBlock)
	if err != nil {
		return fmt.Errorf("failed to read head: %w", err)
	}

	common.ChainHead.Set(float64(head.Number))

	if !w.leading {
		if err := w.start(ctx, head.Number); err != nil {
			return err
		}

		w.leading = true
	}

	if err := w.follow(ctx, head); err != nil {
		return err
	}

	return w.flush(ctx)
}

// start resumes from the checkpoint. A checkpoint too far behind head to be
// walked by the tracker is handed to the gap filler.
func (w *Watcher) start(ctx context.Context, head uint64) error {
	w.tracker = NewTracker(w.config.ConfirmationDepth, w.config.StaleWindow)
	w.pending = nil

	committed, err := timeout.Call(ctx, w.config.CallTimeout, func(ctx context.Context) (uint64, error) {
		return w.checkpoint.Get(ctx, state.CheckpointWatcher)
	})

	switch {
	case errors.Is(err, state.ErrNoCheckpoint):
		w.next = head
		w.log.WithField("head", head).Info("No watcher checkpoint, following from head")

		return nil
	case err != nil:
		return fmt.Errorf("failed to read watcher checkpoint: %w", err)
	}

	w.next = committed + 1

	depth := uint64(w.config.ConfirmationDepth)
	if head < depth || committed+depth >= head {
		w.log.WithFields(logrus.Fields{"checkpoint": committed, "head": head}).Info("Resuming from watcher checkpoint")

		return nil
	}

	from, to := committed+1, head-depth
	w.next = to + 1

	log := w.log.WithFields(logrus.Fields{"from": from, "to": to, "head": head})

	if w.gaps == nil {
		log.Warn("Watcher checkpoint lags head and no range importer is configured, blocks in the gap are not imported")

		return nil
	}

	if err := timeout.Do(ctx, w.config.CallTimeout, func(ctx context.Context) error {
		return w.gaps.EnqueueRange(ctx, from, to)
	}); err != nil {
		return fmt.Errorf("failed to enqueue gap %d-%d: %w", from, to, err)
	}

	log.Info("Watcher checkpoint lags head, gap handed to range importer")

	return nil
}

// follow ticks the heights from next up to head. A head at a height
// already passed is ticked too when it is new, which is how a reorg that
// does not grow the chain shows up.
func (w *Watcher) follow(ctx context.Context, head *ethereum.Block) error {
	last := head.Number
	if last >= w.next && last-w.next >= w.config.MaxBlocksPerPoll {
		last = w.next + w.config.MaxBlocksPerPoll - 1
	}

	for n := w.next; n <= last; n++ {
		b := head

		if n != head.Number {
			fetched, err := timeout.Call(ctx, w.config.CallTimeout, func(ctx context.Context) (*ethereum.Block, error) {
				return w.client.BlockByNumber(ctx, n)
			})
			if err != nil {
				return fmt.Errorf("failed to fetch block %d: %w", n, err)
			}

			b = fetched
		}

		if err := w.observe(ctx, b); err != nil {
			return err
		}

		w.next = n + 1
	}

	if head.Number < w.next && !w.tracker.Known(head.Hash) {
		return w.observe(ctx, head)
	}

	return nil
}

// observe ticks b. When b hangs off a parent the tracker has never seen,
// the missing branch is fetched by parent hash first, up to the stale
// window, and ticked oldest first.
func (w *Watcher) observe(ctx context.Context, b *ethereum.Block) error {
	var branch []Header

	parent := b.ParentHash

	for range w.config.StaleWindow {
		if w.tracker.Len() == 0 || w.tracker.Known(parent) {
			break
		}

		p, err := timeout.Call(ctx, w.config.CallTimeout, func(ctx context.Context) (*ethereum.Block, error) {
			return w.client.BlockByHash(ctx, parent)
		})
		if err != nil {
			return fmt.Errorf("failed to fetch branch block %s: %w", parent, err)
		}

		branch = append(branch, headerOf(p))
		parent = p.ParentHash
	}

	if len(branch) > 0 {
		w.log.WithFields(logrus.Fields{
			"hash":   b.Hash,
			"number": b.Number,
			"branch": len(branch),
		}).Info("Following new branch")
	}

	for i := len(branch) - 1; i >= 0; i-- {
		w.tick(branch[i])
	}

	w.tick(headerOf(b))

	return nil
}

func (w *Watcher) tick(h Header) {
	for _, ev := range w.tracker.Tick(h) {
		common.TrackerEvents.WithLabelValues(ev.Kind.String()).Inc()

		if ev.Kind == EventCommit {
			w.pending = append(w.pending, ev.Header)

			continue
		}

		w.log.WithFields(logrus.Fields{
			"hash":   ev.Header.Hash,
			"number": ev.Header.Number,
		}).Debug("Discarded stale block")
	}

	common.TrackerNodes.Set(float64(w.tracker.Len()))
}

// flush commits settled blocks in order. A failed commit stays pending for
// the next poll together with everything after it.
func (w *Watcher) flush(ctx context.Context) error {
	for len(w.pending) > 0 {
		h := w.pending[0]

		if err := w.committer.Commit(ctx, &model.Block{Hash: h.Hash, Number: h.Number, ParentHash: h.ParentHash}); err != nil {
			return fmt.Errorf("failed to commit block %d %s: %w", h.Number, h.Hash, err)
		}

		w.pending = w.pending[1:]

		common.LastCommittedBlock.Set(float64(h.Number))

		if _, err := timeout.Call(ctx, w.config.CallTimeout, func(ctx context.Context) (bool, error) {
			return w.checkpoint.Raise(ctx, state.CheckpointWatcher, h.Number)
		}); err != nil {
			w.log.WithError(err).WithField("number", h.Number).Warn("Failed to raise watcher checkpoint")
		}

		w.log.WithFields(logrus.Fields{
			"hash":   h.Hash,
			"number": h.Number,
		}).Debug("Committed block")
	}

	return nil
}

func headerOf(b *ethereum.Block) Header {
	return Header{Number: b.Number, Hash: b.Hash, ParentHash: b.ParentHash}
}
