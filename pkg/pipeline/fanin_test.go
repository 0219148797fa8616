package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/chain-indexer/internal/testutil"
	"github.com/ethpandaops/chain-indexer/pkg/ethereum"
	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/projector"
	"github.com/ethpandaops/chain-indexer/pkg/search"
	"github.com/ethpandaops/chain-indexer/pkg/store/storetest"
)

// failingBarrier fails the first n block promotions.
type failingBarrier struct {
	*storetest.Store

	mu    sync.Mutex
	fails int
}

func (f *failingBarrier) PromoteBlock(ctx context.Context, hash string) (bool, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()

		return false, errors.New("connection reset")
	}
	f.mu.Unlock()

	return f.Store.PromoteBlock(ctx, hash)
}

func TestManager_RecountPromotesAfterFailedGate(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	s := storetest.New()
	client := ethereum.NewMockClient()
	es := search.NewMockClient()
	log := testutil.NewLogger()

	client.AddBlock(&ethereum.Block{Block: model.Block{Hash: blockHash, Number: 100, ParentHash: "0x00"}})

	deps := &Deps{
		Log:       log,
		Store:     &failingBarrier{Store: s, fails: 1},
		Client:    client,
		Claimers:  storetest.Factory(s),
		Projector: projector.New(search.Names{Prefix: "test"}),
		Documents: NewDocumentBuffer(log, es, cfg.Buffer),
	}

	m, err := NewManager(cfg, deps)
	require.NoError(t, err)

	require.NoError(t, deps.Documents.Start(ctx))
	t.Cleanup(func() { _ = deps.Documents.Stop(context.Background()) })

	require.NoError(t, m.Committer().Commit(ctx, &model.Block{Hash: blockHash, Number: 100}))

	for range 3 {
		for _, w := range m.Workers() {
			_, err := w.RunOnce(ctx)
			require.NoError(t, err)
		}
	}

	// The only gate evaluation failed, and no worker claims downloaded blocks.
	assert.Equal(t, model.StatusDownloaded, s.StatusOf(model.PipelineBlocks, blockHash))

	m.Recount(ctx)

	assert.Equal(t, model.StatusIndexable, s.StatusOf(model.PipelineBlocks, blockHash))

	for _, w := range m.Workers() {
		if w.Name() == WorkerBlockIndexer {
			_, err := w.RunOnce(ctx)
			require.NoError(t, err)
		}
	}

	assert.Equal(t, model.StatusIndexed, s.StatusOf(model.PipelineBlocks, blockHash))
}

func TestFanIn_RecountPagesThroughDownloaded(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()

	hashes := make([]string, 0, 5)
	for i := 1; i <= 5; i++ {
		hashes = append(hashes, txHash(i))
	}

	s.Seed(model.NewStage(model.PipelineTransactions, model.StatusDownloaded), hashes...)
	s.Seed(model.NewStage(model.PipelineInternalTransactions, model.StatusSkipped), hashes[:4]...)

	f := NewFanIn(testutil.NewLogger(), s, storetest.NewClaimer(s, "recount"), 0)

	n, err := f.Recount(ctx, s, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	for _, h := range hashes[:4] {
		assert.Equal(t, model.StatusIndexable, s.StatusOf(model.PipelineTransactions, h))
	}

	// Its internal transactions are still pending.
	assert.Equal(t, model.StatusDownloaded, s.StatusOf(model.PipelineTransactions, hashes[4]))

	n, err = f.Recount(ctx, s, 2)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// Every child finishing at once rechecks the gate; only one promotes.
func TestFanIn_ConcurrentChildrenPromoteOnce(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()

	const children = 16

	_, err := s.UpsertBlock(ctx, &model.Block{Hash: blockHash, Number: 100, TransactionCount: children})
	require.NoError(t, err)
	s.Seed(model.NewStage(model.PipelineBlocks, model.StatusDownloaded), blockHash)

	txs := make([]*model.Transaction, 0, children)
	for i := 1; i <= children; i++ {
		tx := transfer(i)
		tx.Status = model.StatusIndexable
		tx.InternalStatus = model.StatusSkipped
		txs = append(txs, tx)
	}

	_, err = s.InsertTransactions(ctx, txs)
	require.NoError(t, err)

	f := NewFanIn(testutil.NewLogger(), s, storetest.NewClaimer(s, "fanin"), time.Second)

	var (
		promotions atomic.Int32
		wg         sync.WaitGroup
		start      = make(chan struct{})
	)

	for _, tx := range txs {
		wg.Add(1)

		go func() {
			defer wg.Done()

			<-start

			if _, err := s.SetStatus(ctx, stageTransactionsIndexable, []string{tx.Hash}, model.StatusIndexed); err != nil {
				t.Error(err)

				return
			}

			promotions.Add(int32(len(f.Blocks(ctx, []string{blockHash}))))
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), promotions.Load())
	assert.Equal(t, model.StatusIndexable, s.StatusOf(model.PipelineBlocks, blockHash))

	keys, err := storetest.NewClaimer(s, "indexer").Claim(ctx, stageBlocksIndexable, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{blockHash}, keys)
}
