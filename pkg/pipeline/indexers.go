package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/projector"
	"github.com/ethpandaops/chain-indexer/pkg/rowbuffer"
	"github.com/ethpandaops/chain-indexer/pkg/search"
	"github.com/ethpandaops/chain-indexer/pkg/store"
	"github.com/ethpandaops/chain-indexer/pkg/timeout"
)

var (
	stageBlocksIndexable       = model.NewStage(model.PipelineBlocks, model.StatusIndexable)
	stageTransactionsIndexable = model.NewStage(model.PipelineTransactions, model.StatusIndexable)
)

// batch collects the documents of several keys and maps write results back.
type batch struct {
	keys  []string
	index map[string]int
	errs  []error
	docs  []search.Document
	owner []int
}

func newBatch(keys []string) *batch {
	b := &batch{keys: keys, index: make(map[string]int, len(keys)), errs: make([]error, len(keys))}

	for i, k := range keys {
		b.index[k] = i
	}

	return b
}

func (b *batch) add(key string, docs ...search.Document) {
	i := b.index[key]

	for _, d := range docs {
		b.docs = append(b.docs, d)
		b.owner = append(b.owner, i)
	}
}

// missing fails every key that got neither documents nor an error.
func (b *batch) missing(what string) {
	has := make([]bool, len(b.keys))
	for _, o := range b.owner {
		has[o] = true
	}

	for i, k := range b.keys {
		if !has[i] && b.errs[i] == nil {
			b.errs[i] = fmt.Errorf("%s %s: %w", what, k, store.ErrNotFound)
		}
	}
}

// failAll sets err on every key that has not failed yet.
func (b *batch) failAll(err error) {
	for i := range b.errs {
		if b.errs[i] == nil {
			b.errs[i] = err
		}
	}
}

// submit writes the documents. A key succeeds only if all of its documents did.
func (b *batch) submit(ctx context.Context, buf *rowbuffer.Buffer[search.Document], d time.Duration) {
	if len(b.docs) == 0 {
		return
	}

	results, err := timeout.Call(ctx, d, func(ctx context.Context) ([]error, error) {
		return buf.Submit(ctx, b.docs)
	})
	if err != nil {
		b.failAll(fmt.Errorf("failed to write documents: %w", err))

		return
	}

	for i, e := range results {
		if e != nil && b.errs[b.owner[i]] == nil {
			b.errs[b.owner[i]] = fmt.Errorf("failed to write document %s: %w", b.docs[i].ID, e)
		}
	}
}

func (b *batch) succeeded() []string {
	var out []string

	for i, k := range b.keys {
		if b.errs[i] == nil {
			out = append(out, k)
		}
	}

	return out
}

// Indexer projects rows into search documents.
type Indexer struct {
	store        store.Store
	projector    *projector.Projector
	documents    *rowbuffer.Buffer[search.Document]
	fanIn        *FanIn
	callTimeout  time.Duration
	indexTimeout time.Duration
	log          logrus.FieldLogger
}

func NewIndexer(log logrus.FieldLogger, s store.Store, p *projector.Projector, documents *rowbuffer.Buffer[search.Document], fanIn *FanIn, callTimeout, indexTimeout time.Duration) *Indexer {
	return &Indexer{
		store:        s,
		projector:    p,
		documents:    documents,
		fanIn:        fanIn,
		callTimeout:  callTimeout,
		indexTimeout: indexTimeout,
		log:          log.WithField("component", "indexer"),
	}
}

func (x *Indexer) BlockTask() Task {
	return Task{
		Name:    WorkerBlockIndexer,
		Stage:   stageBlocksIndexable,
		Next:    model.StatusIndexed,
		Process: x.indexBlocks,
	}
}

func (x *Indexer) TransactionTask() Task {
	return Task{
		Name:         WorkerTransactionIndexer,
		Stage:        stageTransactionsIndexable,
		Next:         model.StatusIndexed,
		Process:      x.indexTransactions,
		AfterAdvance: x.promoteBlocks,
	}
}

func (x *Indexer) AddressTask() Task {
	return Task{
		Name:    WorkerAddressIndexer,
		Stage:   stageAddressesDownloaded,
		Next:    model.StatusIndexed,
		Process: x.indexAddresses,
	}
}

func (x *Indexer) indexBlocks(ctx context.Context, keys []string) []error {
	b := newBatch(keys)

	blocks, err := timeout.Call(ctx, x.callTimeout, func(ctx context.Context) ([]*model.Block, error) {
		return x.store.GetBlocks(ctx, keys)
	})
	if err != nil {
		b.failAll(fmt.Errorf("failed to load blocks: %w", err))

		return b.errs
	}

	for _, block := range blocks {
		b.add(block.Hash, x.projector.Block(block))
	}

	b.missing("block")
	b.submit(ctx, x.documents, x.indexTimeout)

	return b.errs
}

func (x *Indexer) indexAddresses(ctx context.Context, keys []string) []error {
	b := newBatch(keys)

	addresses, err := timeout.Call(ctx, x.callTimeout, func(ctx context.Context) ([]*model.Address, error) {
		return x.store.GetAddresses(ctx, keys)
	})
	if err != nil {
		b.failAll(fmt.Errorf("failed to load addresses: %w", err))

		return b.errs
	}

	for _, a := range addresses {
		b.add(a.Address, x.projector.Address(a))
	}

	b.missing("address")
	b.submit(ctx, x.documents, x.indexTimeout)

	return b.errs
}

func (x *Indexer) indexTransactions(ctx context.Context, keys []string) []error {
	b := newBatch(keys)

	sets, err := x.loadTransactionSets(ctx, keys)
	if err != nil {
		b.failAll(err)

		return b.errs
	}

	for _, set := range sets {
		b.add(set.Transaction.Hash, x.projector.Transaction(set)...)
	}

	b.missing("transaction")
	b.submit(ctx, x.documents, x.indexTimeout)

	written := b.succeeded()
	if len(written) == 0 {
		return b.errs
	}

	// Children are marked before the transaction advances, so an indexed
	// transaction always has indexed logs.
	if err := timeout.Do(ctx, x.callTimeout, func(ctx context.Context) error {
		if err := x.store.MarkLogsIndexed(ctx, written); err != nil {
			return fmt.Errorf("failed to mark logs indexed: %w", err)
		}

		if err := x.store.MarkInternalTransactionsIndexed(ctx, written); err != nil {
			return fmt.Errorf("failed to mark internal transactions indexed: %w", err)
		}

		return nil
	}); err != nil {
		b.failAll(err)
	}

	return b.errs
}

func (x *Indexer) loadTransactionSets(ctx context.Context, keys []string) ([]*projector.TransactionSet, error) {
	return timeout.Call(ctx, x.callTimeout, func(ctx context.Context) ([]*projector.TransactionSet, error) {
		txs, err := x.store.GetTransactions(ctx, keys)
		if err != nil {
			return nil, fmt.Errorf("failed to load transactions: %w", err)
		}

		logs, err := x.store.LogsByTransactions(ctx, keys)
		if err != nil {
			return nil, fmt.Errorf("failed to load logs: %w", err)
		}

		internal, err := x.store.InternalTransactionsByTransactions(ctx, keys)
		if err != nil {
			return nil, fmt.Errorf("failed to load internal transactions: %w", err)
		}

		parties := make([]string, 0, 2*len(txs))
		for _, tx := range txs {
			parties = append(parties, tx.From, tx.Counterparty())
		}

		addresses, err := x.store.GetAddresses(ctx, unique(parties))
		if err != nil {
			return nil, fmt.Errorf("failed to load addresses: %w", err)
		}

		byAddress := make(map[string]*model.Address, len(addresses))
		for _, a := range addresses {
			byAddress[a.Address] = a
		}

		sets := make(map[string]*projector.TransactionSet, len(txs))
		out := make([]*projector.TransactionSet, 0, len(txs))

		for _, tx := range txs {
			set := &projector.TransactionSet{
				Transaction: tx,
				From:        byAddress[tx.From],
				To:          byAddress[tx.Counterparty()],
			}
			sets[tx.Hash] = set
			out = append(out, set)
		}

		for _, l := range logs {
			if set, ok := sets[l.TransactionHash]; ok {
				set.Logs = append(set.Logs, l)
			}
		}

		for _, itx := range internal {
			if set, ok := sets[itx.TransactionHash]; ok {
				set.Internal = append(set.Internal, itx)
			}
		}

		return out, nil
	})
}

// promoteBlocks runs the block gate for the blocks of freshly indexed transactions.
func (x *Indexer) promoteBlocks(ctx context.Context, keys []string) {
	txs, err := timeout.Call(ctx, x.callTimeout, func(ctx context.Context) ([]*model.Transaction, error) {
		return x.store.GetTransactions(ctx, keys)
	})
	if err != nil {
		x.log.WithError(err).Warn("Failed to load transactions for block promotion")

		return
	}

	hashes := make([]string, 0, len(txs))
	for _, tx := range txs {
		hashes = append(hashes, tx.BlockHash)
	}

	x.fanIn.Blocks(ctx, hashes)
}
