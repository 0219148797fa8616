package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/chain-indexer/internal/testutil"
	"github.com/ethpandaops/chain-indexer/pkg/ethereum"
	"github.com/ethpandaops/chain-indexer/pkg/ethereum/trace"
	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/projector"
	"github.com/ethpandaops/chain-indexer/pkg/search"
	"github.com/ethpandaops/chain-indexer/pkg/store/storetest"
)

const (
	blockHash = "0x00000000000000000000000000000000000000000000000000000000000000b1"
	sender    = "0x00000000000000000000000000000000000000a1"
	recipient = "0x00000000000000000000000000000000000000a2"
)

func txHash(n int) string {
	return "0x" + strings.Repeat("0", 62) + string(rune('0'+n/10)) + string(rune('0'+n%10))
}

type fakeSource struct {
	traces map[string][]trace.Trace
	err    error
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Traces(_ context.Context, hash string) ([]trace.Trace, error) {
	if f.err != nil {
		return nil, f.err
	}

	return f.traces[hash], nil
}

type env struct {
	t       *testing.T
	cfg     *Config
	store   *storetest.Store
	client  *ethereum.MockClient
	search  *search.MockClient
	names   search.Names
	deps    *Deps
	manager *Manager
}

func newEnv(t *testing.T, traces trace.Source) *env {
	t.Helper()

	e := &env{
		t:      t,
		cfg:    testConfig(t),
		store:  storetest.New(),
		client: ethereum.NewMockClient(),
		search: search.NewMockClient(),
		names:  search.Names{Prefix: "test"},
	}

	log := testutil.NewLogger()

	e.deps = &Deps{
		Log:       log,
		Store:     e.store,
		Client:    e.client,
		Claimers:  storetest.Factory(e.store),
		Projector: projector.New(e.names),
		Traces:    traces,
		Documents: NewDocumentBuffer(log, e.search, e.cfg.Buffer),
	}

	m, err := NewManager(e.cfg, e.deps)
	require.NoError(t, err)

	e.manager = m

	require.NoError(t, e.deps.Documents.Start(context.Background()))
	t.Cleanup(func() { _ = e.deps.Documents.Stop(context.Background()) })

	return e
}

// run processes one batch with the worker built for name.
func (e *env) run(name string) int {
	e.t.Helper()

	for _, w := range e.manager.Workers() {
		if w.Name() == name {
			n, err := w.RunOnce(context.Background())
			require.NoError(e.t, err)

			return n
		}
	}

	e.t.Fatalf("no worker %s", name)

	return 0
}

func (e *env) status(p model.Pipeline, key string) model.Status {
	return e.store.StatusOf(p, key)
}

func (e *env) addBlock(txs ...*model.Transaction) *ethereum.Block {
	b := &ethereum.Block{
		Block:        model.Block{Hash: blockHash, Number: 100, ParentHash: "0x00", TransactionCount: len(txs)},
		Transactions: txs,
	}
	e.client.AddBlock(b)

	return b
}

func transfer(n int) *model.Transaction {
	return &model.Transaction{
		Hash:             txHash(n),
		BlockHash:        blockHash,
		BlockNumber:      100,
		TransactionIndex: uint(n),
		From:             sender,
		To:               recipient,
		Value:            "1000000000000000000",
	}
}

func TestBlockDownloader_PersistsBlockAndTransactions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, &fakeSource{})
	e.addBlock(transfer(1), transfer(2))

	require.NoError(t, e.manager.Committer().Commit(ctx, &model.Block{Hash: blockHash, Number: 100}))
	assert.Equal(t, model.StatusImported, e.status(model.PipelineBlocks, blockHash))

	assert.Equal(t, 1, e.run(WorkerBlockDownloader))

	assert.Equal(t, model.StatusDownloaded, e.status(model.PipelineBlocks, blockHash))

	blocks, err := e.store.GetBlocks(ctx, []string{blockHash})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, 2, blocks[0].TransactionCount)

	txs, err := e.store.GetTransactions(ctx, []string{txHash(1), txHash(2)})
	require.NoError(t, err)
	require.Len(t, txs, 2)

	for _, tx := range txs {
		assert.Equal(t, model.StatusImported, tx.Status)
		assert.Equal(t, model.StatusPending, tx.InternalStatus)
	}
}

func TestBlockDownloader_SkipsInternalStageWithoutSource(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.addBlock(transfer(1))

	require.NoError(t, e.manager.Committer().Commit(ctx, &model.Block{Hash: blockHash, Number: 100}))
	e.run(WorkerBlockDownloader)

	assert.Equal(t, model.StatusSkipped, e.status(model.PipelineInternalTransactions, txHash(1)))
}

func TestBlockDownloader_EmptyBlockIsPromotedImmediately(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.addBlock()

	require.NoError(t, e.manager.Committer().Commit(ctx, &model.Block{Hash: blockHash, Number: 100}))
	e.run(WorkerBlockDownloader)

	assert.Equal(t, model.StatusIndexable, e.status(model.PipelineBlocks, blockHash))
}

func TestBlockDownloader_NotFoundIsRetried(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	require.NoError(t, e.manager.Committer().Commit(ctx, &model.Block{Hash: blockHash, Number: 100}))
	e.run(WorkerBlockDownloader)

	assert.Equal(t, model.StatusImported, e.status(model.PipelineBlocks, blockHash))

	e.addBlock()
	e.run(WorkerBlockDownloader)

	assert.Equal(t, model.StatusIndexable, e.status(model.PipelineBlocks, blockHash))
}

// An unknown contract emits an event nothing can decode; the transaction
// still travels all the way to indexed.
func TestTransactionFlow_UndecodableLogStillIndexes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.addBlock(transfer(1))

	e.client.SetReceipt(&ethereum.Receipt{
		TransactionHash: txHash(1),
		GasUsed:         21000,
		Status:          1,
		Logs: []*model.Log{{
			LogIndex: 0,
			Address:  recipient,
			Data:     "0x",
			Topics:   []string{"0x" + strings.Repeat("ab", 32)},
		}},
	})

	require.NoError(t, e.manager.Committer().Commit(ctx, &model.Block{Hash: blockHash, Number: 100}))
	e.run(WorkerBlockDownloader)
	e.run(WorkerTransactionDownloader)

	assert.Equal(t, model.StatusIndexable, e.status(model.PipelineTransactions, txHash(1)))

	logs, err := e.store.LogsByTransactions(ctx, []string{txHash(1)})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Decoded.Empty())
	assert.Equal(t, blockHash, logs[0].BlockHash)

	txs, err := e.store.GetTransactions(ctx, []string{txHash(1)})
	require.NoError(t, err)
	require.NotNil(t, txs[0].ReceiptStatus)
	assert.Equal(t, uint64(21000), txs[0].GasUsed)

	// Both parties were imported inline.
	assert.Equal(t, model.StatusDownloaded, e.status(model.PipelineAddresses, sender))
	assert.Equal(t, model.StatusDownloaded, e.status(model.PipelineAddresses, recipient))

	e.run(WorkerTransactionIndexer)

	assert.Equal(t, model.StatusIndexed, e.status(model.PipelineTransactions, txHash(1)))
	assert.Equal(t, model.StatusIndexed, e.status(model.PipelineLogs, txHash(1)))
	assert.Equal(t, model.StatusIndexable, e.status(model.PipelineBlocks, blockHash))

	doc, ok := e.search.Doc(e.names.BlocksTransactions(), projector.ID(projector.RoleTransaction, txHash(1)))
	require.True(t, ok)
	assert.Equal(t, projector.ID(projector.RoleBlock, blockHash), doc.Routing)

	_, ok = e.search.Doc(e.names.Addresses(), projector.ID(projector.RoleToTransaction, txHash(1)))
	assert.True(t, ok)

	e.run(WorkerBlockIndexer)
	e.run(WorkerAddressIndexer)

	assert.Equal(t, model.StatusIndexed, e.status(model.PipelineBlocks, blockHash))
	assert.Equal(t, model.StatusIndexed, e.status(model.PipelineAddresses, sender))

	_, ok = e.search.Doc(e.names.BlocksTransactions(), projector.ID(projector.RoleBlock, blockHash))
	assert.True(t, ok)
}

func TestTransactionDownloader_FailedInlineImportIsDeferred(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.addBlock(transfer(1))
	e.client.SetReceipt(&ethereum.Receipt{TransactionHash: txHash(1), Status: 1})
	e.client.Fail("CodeAt", errors.New("node overloaded"))

	require.NoError(t, e.manager.Committer().Commit(ctx, &model.Block{Hash: blockHash, Number: 100}))
	e.run(WorkerBlockDownloader)
	e.run(WorkerTransactionDownloader)

	assert.Equal(t, model.StatusIndexable, e.status(model.PipelineTransactions, txHash(1)))
	assert.Equal(t, model.StatusImported, e.status(model.PipelineAddresses, recipient))

	e.client.Fail("CodeAt", nil)
	e.client.SetCode(recipient, "0x6080604052")

	assert.Equal(t, 2, e.run(WorkerAddressDownloader))
	assert.Equal(t, model.StatusDownloaded, e.status(model.PipelineAddresses, recipient))

	addresses, err := e.store.GetAddresses(ctx, []string{recipient})
	require.NoError(t, err)
	require.Len(t, addresses, 1)
	assert.True(t, addresses[0].IsContract)
	assert.Equal(t, "0x6080604052", addresses[0].Bytecode)
}

func TestTransactionDownloader_MissingReceiptIsRetried(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.addBlock(transfer(1))

	require.NoError(t, e.manager.Committer().Commit(ctx, &model.Block{Hash: blockHash, Number: 100}))
	e.run(WorkerBlockDownloader)
	e.run(WorkerTransactionDownloader)

	assert.Equal(t, model.StatusImported, e.status(model.PipelineTransactions, txHash(1)))
}

func TestInternalTransactionDownloader(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{traces: map[string][]trace.Trace{
		txHash(1): {
			{Type: trace.TypeCall, From: sender, To: recipient, Value: "5", TraceAddress: []int{}},
			{Type: trace.TypeCall, From: recipient, To: sender, Value: "2", TraceAddress: []int{0}},
			{Type: trace.TypeCall, From: recipient, To: sender, Value: "0", TraceAddress: []int{1}},
			{Type: trace.TypeCreate, From: recipient, ContractAddress: "0x00000000000000000000000000000000000000c1", Value: "0", TraceAddress: []int{2}},
		},
	}}

	e := newEnv(t, source)

	tx := transfer(1)
	tx.Status = model.StatusDownloaded

	_, err := e.store.InsertTransactions(ctx, []*model.Transaction{tx})
	require.NoError(t, err)

	assert.Equal(t, 1, e.run(WorkerInternalDownloader))

	assert.Equal(t, model.StatusDownloaded, e.status(model.PipelineInternalTransactions, txHash(1)))
	assert.Equal(t, model.StatusIndexable, e.status(model.PipelineTransactions, txHash(1)))

	itxs, err := e.store.InternalTransactionsByTransactions(ctx, []string{txHash(1)})
	require.NoError(t, err)
	require.Len(t, itxs, 2)
	assert.Equal(t, trace.TypeCall, itxs[0].Type)
	assert.Equal(t, trace.TypeCreate, itxs[1].Type)
	assert.Equal(t, "0x00000000000000000000000000000000000000c1", itxs[1].To)

	e.run(WorkerTransactionIndexer)

	itxs, err = e.store.InternalTransactionsByTransactions(ctx, []string{txHash(1)})
	require.NoError(t, err)

	for _, itx := range itxs {
		assert.Equal(t, model.StatusIndexed, itx.Status)
	}
}

func TestInternalTransactionDownloader_NotFoundStaysPending(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, &fakeSource{err: ethereum.ErrTransactionNotFound})

	_, err := e.store.InsertTransactions(ctx, []*model.Transaction{transfer(1)})
	require.NoError(t, err)

	e.run(WorkerInternalDownloader)

	assert.Equal(t, model.StatusPending, e.status(model.PipelineInternalTransactions, txHash(1)))
}

func seedIndexableTransactions(t *testing.T, e *env, n int) {
	t.Helper()

	ctx := context.Background()

	_, err := e.store.UpsertBlock(ctx, &model.Block{Hash: blockHash, Number: 100, TransactionCount: n})
	require.NoError(t, err)
	e.store.Seed(model.NewStage(model.PipelineBlocks, model.StatusDownloaded), blockHash)

	txs := make([]*model.Transaction, 0, n)

	for i := 1; i <= n; i++ {
		tx := transfer(i)
		tx.Status = model.StatusIndexable
		tx.InternalStatus = model.StatusSkipped
		txs = append(txs, tx)
	}

	_, err = e.store.InsertTransactions(ctx, txs)
	require.NoError(t, err)
}

// A block is promoted exactly when its last transaction is indexed.
func TestFanIn_BlockWaitsForEveryTransaction(t *testing.T) {
	e := newEnv(t, nil)
	e.cfg.TransactionIndexer.BatchSize = 1

	m, err := NewManager(e.cfg, e.deps)
	require.NoError(t, err)

	e.manager = m

	seedIndexableTransactions(t, e, 3)

	for i := 1; i <= 3; i++ {
		assert.Equal(t, model.StatusDownloaded, e.status(model.PipelineBlocks, blockHash), "before transaction %d", i)
		assert.Equal(t, 1, e.run(WorkerTransactionIndexer))
	}

	assert.Equal(t, model.StatusIndexable, e.status(model.PipelineBlocks, blockHash))

	promoted := e.manager.FanIn().Blocks(context.Background(), []string{blockHash})
	assert.Empty(t, promoted)
}

func TestTransactionIndexer_RejectedDocumentKeepsRecordBack(t *testing.T) {
	e := newEnv(t, nil)
	seedIndexableTransactions(t, e, 2)

	e.search.Reject(projector.ID(projector.RoleFromTransaction, txHash(2)), errors.New("mapper_parsing_exception"))

	assert.Equal(t, 2, e.run(WorkerTransactionIndexer))

	assert.Equal(t, model.StatusIndexed, e.status(model.PipelineTransactions, txHash(1)))
	assert.Equal(t, model.StatusIndexable, e.status(model.PipelineTransactions, txHash(2)))
	assert.Equal(t, model.StatusDownloaded, e.status(model.PipelineBlocks, blockHash))

	e.search.Reject(projector.ID(projector.RoleFromTransaction, txHash(2)), nil)

	assert.Equal(t, 1, e.run(WorkerTransactionIndexer))
	assert.Equal(t, model.StatusIndexable, e.status(model.PipelineBlocks, blockHash))
}

func TestIndexer_BulkFailureReleasesBatch(t *testing.T) {
	e := newEnv(t, nil)
	e.search.BulkFunc = func(context.Context, []search.Document) ([]error, error) {
		return nil, errors.New("cluster unavailable")
	}

	_, err := e.store.UpsertBlock(context.Background(), &model.Block{Hash: blockHash, Number: 100})
	require.NoError(t, err)
	e.store.Seed(stageBlocksIndexable, blockHash)

	e.run(WorkerBlockIndexer)

	assert.Equal(t, model.StatusIndexable, e.status(model.PipelineBlocks, blockHash))
}

func TestMonitor_PagesThroughBlocks(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	for i, h := range []string{"0x01", "0x02", "0x03"} {
		_, err := e.store.UpsertBlock(ctx, &model.Block{Hash: h, Number: uint64(i + 1)})
		require.NoError(t, err)
	}

	mon := NewMonitor(testutil.NewLogger(), e.store, e.deps.Projector, e.deps.Documents, 2, e.cfg.CallTimeout)

	require.NoError(t, mon.Pass(ctx))
	assert.Equal(t, uint64(3), mon.cursor)
	assert.Equal(t, 2, e.search.Count(e.names.Monitoring()))

	require.NoError(t, mon.Pass(ctx))
	assert.Equal(t, uint64(0), mon.cursor)
	assert.Equal(t, 3, e.search.Count(e.names.Monitoring()))

	doc, ok := e.search.Doc(e.names.Monitoring(), projector.ID(projector.RoleBlock, "0x03"))
	require.True(t, ok)
	assert.Equal(t, uint64(3), doc.Body["number"])
}
