package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/claim"
	"github.com/ethpandaops/chain-indexer/pkg/ethereum"
	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/store"
	"github.com/ethpandaops/chain-indexer/pkg/timeout"
)

var (
	stageTransactionsImported = model.NewStage(model.PipelineTransactions, model.StatusImported)
	stageInternalPending      = model.NewStage(model.PipelineInternalTransactions, model.StatusPending)
)

// Persister writes a fetched block with its transactions and offers the new
// transactions downstream. The block itself is left at its current status.
type Persister struct {
	store        store.Store
	offerer      claim.Claimer
	withInternal bool
	callTimeout  time.Duration
}

func NewPersister(s store.Store, offerer claim.Claimer, withInternal bool, callTimeout time.Duration) *Persister {
	return &Persister{store: s, offerer: offerer, withInternal: withInternal, callTimeout: callTimeout}
}

func (p *Persister) Persist(ctx context.Context, b *ethereum.Block) error {
	block := b.Block
	block.Hash = model.NormalizeHex(block.Hash)
	block.ParentHash = model.NormalizeHex(block.ParentHash)
	block.TransactionCount = len(b.Transactions)
	block.Status = ""

	if _, err := timeout.Call(ctx, p.callTimeout, func(ctx context.Context) (*model.Block, error) {
		return p.store.UpsertBlock(ctx, &block)
	}); err != nil {
		return fmt.Errorf("failed to upsert block: %w", err)
	}

	if len(b.Transactions) == 0 {
		return nil
	}

	internal := model.StatusPending
	if !p.withInternal {
		internal = model.StatusSkipped
	}

	txs := make([]*model.Transaction, 0, len(b.Transactions))

	for _, tx := range b.Transactions {
		c := *tx
		c.BlockHash = block.Hash
		c.BlockNumber = block.Number
		c.Status = model.StatusImported
		c.InternalStatus = internal
		txs = append(txs, &c)
	}

	inserted, err := timeout.Call(ctx, p.callTimeout, func(ctx context.Context) ([]string, error) {
		return p.store.InsertTransactions(ctx, txs)
	})
	if err != nil {
		return fmt.Errorf("failed to insert transactions: %w", err)
	}

	imported, pending := inserted, inserted

	if len(inserted) < len(txs) {
		// A retried persist re-offers the existing rows that have not moved on.
		imported, pending, err = p.waiting(ctx, txs)
		if err != nil {
			return err
		}
	}

	if len(imported) > 0 {
		if err := p.offer(ctx, stageTransactionsImported, imported); err != nil {
			return err
		}
	}

	if p.withInternal && len(pending) > 0 {
		return p.offer(ctx, stageInternalPending, pending)
	}

	return nil
}

// waiting returns the hashes of txs still at imported and those whose
// internal transactions are still pending.
func (p *Persister) waiting(ctx context.Context, txs []*model.Transaction) ([]string, []string, error) {
	hashes := make([]string, 0, len(txs))
	for _, tx := range txs {
		hashes = append(hashes, tx.Hash)
	}

	stored, err := timeout.Call(ctx, p.callTimeout, func(ctx context.Context) ([]*model.Transaction, error) {
		return p.store.GetTransactions(ctx, hashes)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read transactions: %w", err)
	}

	var imported, pending []string

	for _, tx := range stored {
		if tx.Status == model.StatusImported {
			imported = append(imported, tx.Hash)
		}

		if tx.InternalStatus == model.StatusPending {
			pending = append(pending, tx.Hash)
		}
	}

	return imported, pending, nil
}

func (p *Persister) offer(ctx context.Context, stage model.Stage, keys []string) error {
	if err := timeout.Do(ctx, p.callTimeout, func(ctx context.Context) error {
		return p.offerer.Offer(ctx, stage, keys)
	}); err != nil {
		return fmt.Errorf("failed to offer %d keys to %s: %w", len(keys), stage, err)
	}

	return nil
}

// BlockDownloader fetches committed blocks by hash and persists them.
type BlockDownloader struct {
	client      ethereum.Client
	persister   *Persister
	fanIn       *FanIn
	concurrency int
	callTimeout time.Duration
	log         logrus.FieldLogger
}

func NewBlockDownloader(log logrus.FieldLogger, client ethereum.Client, persister *Persister, fanIn *FanIn, concurrency int, callTimeout time.Duration) *BlockDownloader {
	return &BlockDownloader{
		client:      client,
		persister:   persister,
		fanIn:       fanIn,
		concurrency: concurrency,
		callTimeout: callTimeout,
		log:         log.WithField("component", WorkerBlockDownloader),
	}
}

func (d *BlockDownloader) Task() Task {
	return Task{
		Name:    WorkerBlockDownloader,
		Stage:   stageBlocksImported,
		Next:    model.StatusDownloaded,
		Process: d.process,
		// Blocks without transactions are complete as soon as they are downloaded.
		AfterAdvance: func(ctx context.Context, keys []string) { d.fanIn.Blocks(ctx, keys) },
	}
}

func (d *BlockDownloader) process(ctx context.Context, keys []string) []error {
	return ForEach(ctx, d.concurrency, keys, d.download)
}

func (d *BlockDownloader) download(ctx context.Context, hash string) error {
	b, err := timeout.Call(ctx, d.callTimeout, func(ctx context.Context) (*ethereum.Block, error) {
		return d.client.BlockByHash(ctx, hash)
	})
	if err != nil {
		return fmt.Errorf("failed to fetch block: %w", err)
	}

	if model.NormalizeHex(b.Hash) != hash {
		return fmt.Errorf("node returned block %s for %s", b.Hash, hash)
	}

	if err := d.persister.Persist(ctx, b); err != nil {
		return err
	}

	d.log.WithFields(logrus.Fields{
		"hash":         hash,
		"number":       b.Number,
		"transactions": len(b.Transactions),
	}).Debug("Downloaded block")

	return nil
}
