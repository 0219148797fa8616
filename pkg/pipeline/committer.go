package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/claim"
	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/store"
	"github.com/ethpandaops/chain-indexer/pkg/timeout"
)

var stageBlocksImported = model.NewStage(model.PipelineBlocks, model.StatusImported)

// Committer hands a final block to the block downloader.
type Committer struct {
	blocks      store.BlockRepository
	offerer     claim.Claimer
	callTimeout time.Duration
	log         logrus.FieldLogger
}

func NewCommitter(log logrus.FieldLogger, blocks store.BlockRepository, offerer claim.Claimer, callTimeout time.Duration) *Committer {
	return &Committer{
		blocks:      blocks,
		offerer:     offerer,
		callTimeout: callTimeout,
		log:         log.WithField("component", "committer"),
	}
}

// Commit records the block stub at imported and offers it for download.
// Committing a known hash again re-offers it only while it is still waiting
// for download.
func (c *Committer) Commit(ctx context.Context, b *model.Block) error {
	stub := &model.Block{Hash: model.NormalizeHex(b.Hash), Number: b.Number, ParentHash: model.NormalizeHex(b.ParentHash)}

	status, err := timeout.Call(ctx, c.callTimeout, func(ctx context.Context) (model.Status, error) {
		return c.blocks.InsertBlockStub(ctx, stub)
	})
	if err != nil {
		return fmt.Errorf("failed to insert block stub %s: %w", stub.Hash, err)
	}

	if status != model.StatusImported {
		c.log.WithFields(logrus.Fields{"hash": stub.Hash, "status": status}).Debug("Block already past download")

		return nil
	}

	if err := timeout.Do(ctx, c.callTimeout, func(ctx context.Context) error {
		return c.offerer.Offer(ctx, stageBlocksImported, []string{stub.Hash})
	}); err != nil {
		return fmt.Errorf("failed to offer block %s: %w", stub.Hash, err)
	}

	c.log.WithFields(logrus.Fields{"hash": stub.Hash, "number": stub.Number}).Debug("Committed block")

	return nil
}
