package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/claim"
	"github.com/ethpandaops/chain-indexer/pkg/common"
	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/store"
	"github.com/ethpandaops/chain-indexer/pkg/timeout"
)

// FanIn promotes records whose dependencies have completed and offers them
// to the next claimable stage. The gate itself lives in the store, so
// concurrent callers promote a record at most once.
type FanIn struct {
	barrier     store.BarrierRepository
	offerer     claim.Claimer
	callTimeout time.Duration
	log         logrus.FieldLogger
}

func NewFanIn(log logrus.FieldLogger, barrier store.BarrierRepository, offerer claim.Claimer, callTimeout time.Duration) *FanIn {
	return &FanIn{
		barrier:     barrier,
		offerer:     offerer,
		callTimeout: callTimeout,
		log:         log.WithField("component", "fanin"),
	}
}

// Blocks tries to move each downloaded block to indexable.
func (f *FanIn) Blocks(ctx context.Context, hashes []string) []string {
	return f.promote(ctx, model.PipelineBlocks, hashes, f.barrier.PromoteBlock)
}

// Transactions tries to move each downloaded transaction to indexable.
func (f *FanIn) Transactions(ctx context.Context, hashes []string) []string {
	return f.promote(ctx, model.PipelineTransactions, hashes, f.barrier.PromoteTransaction)
}

func (f *FanIn) promote(ctx context.Context, p model.Pipeline, hashes []string, gate func(ctx context.Context, hash string) (bool, error)) []string {
	var promoted []string

	for _, hash := range unique(hashes) {
		ok, err := timeout.Call(ctx, f.callTimeout, func(ctx context.Context) (bool, error) {
			return gate(ctx, hash)
		})
		if err != nil {
			f.log.WithError(err).WithFields(logrus.Fields{"pipeline": p, "key": hash}).Warn("Failed to evaluate fan-in gate")

			continue
		}

		if ok {
			promoted = append(promoted, hash)
		}
	}

	if len(promoted) == 0 {
		return nil
	}

	common.FanInPromotions.WithLabelValues(string(p)).Add(float64(len(promoted)))

	stage := model.NewStage(p, model.StatusIndexable)
	if err := timeout.Do(ctx, f.callTimeout, func(ctx context.Context) error {
		return f.offerer.Offer(ctx, stage, promoted)
	}); err != nil {
		// The rows are promoted; a requeue picks them up for the queue backend.
		f.log.WithError(err).WithField("stage", stage.String()).Error("Failed to offer promoted records")
	}

	return promoted
}

// KeyLister pages through the keys held at a stage.
type KeyLister interface {
	KeysByStatus(ctx context.Context, stage model.Stage, after string, limit int) ([]string, error)
}

// Recount re-evaluates the gate for every transaction and block still at
// downloaded. It picks up promotions lost to a failed gate call or to a
// crash between an advance and its fan-in. Transactions go first so their
// promotions count towards their blocks in the same pass.
func (f *FanIn) Recount(ctx context.Context, lister KeyLister, pageSize int) (int, error) {
	promoted := 0

	for _, p := range []model.Pipeline{model.PipelineTransactions, model.PipelineBlocks} {
		stage := model.NewStage(p, model.StatusDownloaded)
		after := ""

		for {
			keys, err := timeout.Call(ctx, f.callTimeout, func(ctx context.Context) ([]string, error) {
				return lister.KeysByStatus(ctx, stage, after, pageSize)
			})
			if err != nil {
				return promoted, fmt.Errorf("failed to list %s: %w", stage, err)
			}

			if len(keys) == 0 {
				break
			}

			if p == model.PipelineBlocks {
				promoted += len(f.Blocks(ctx, keys))
			} else {
				promoted += len(f.Transactions(ctx, keys))
			}

			if len(keys) < pageSize {
				break
			}

			after = keys[len(keys)-1]
		}
	}

	return promoted, nil
}

// unique drops empty and repeated keys, keeping first-seen order.
func unique(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))

	for _, k := range keys {
		if k == "" {
			continue
		}

		if _, ok := seen[k]; ok {
			continue
		}

		seen[k] = struct{}{}
		out = append(out, k)
	}

	return out
}
