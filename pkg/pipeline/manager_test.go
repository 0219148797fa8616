package pipeline

import (
	"context"
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

func testDeps(s *storetest.Store, client ethereum.Client, c search.ClientInterface, buf BufferConfig) *Deps {
	log := testutil.NewLogger()

	return &Deps{
		Log:       log,
		Store:     s,
		Client:    client,
		Claimers:  storetest.Factory(s),
		Projector: projector.New(search.Names{Prefix: "test"}),
		Documents: NewDocumentBuffer(log, c, buf),
	}
}

func workerNames(m *Manager) map[string]int {
	out := make(map[string]int)
	for _, w := range m.Workers() {
		out[w.Name()]++
	}

	return out
}

func TestNewManager_Workers(t *testing.T) {
	tests := []struct {
		name   string
		traces bool
		modify func(*Config)
		expect map[string]int
	}{
		{
			name: "without internal transactions",
			expect: map[string]int{
				WorkerBlockDownloader:       1,
				WorkerTransactionDownloader: 1,
				WorkerAddressDownloader:     1,
				WorkerBlockIndexer:          1,
				WorkerTransactionIndexer:    1,
				WorkerAddressIndexer:        1,
			},
		},
		{
			name:   "with internal transactions",
			traces: true,
			expect: map[string]int{
				WorkerBlockDownloader:       1,
				WorkerTransactionDownloader: 1,
				WorkerInternalDownloader:    1,
				WorkerAddressDownloader:     1,
				WorkerBlockIndexer:          1,
				WorkerTransactionIndexer:    1,
				WorkerAddressIndexer:        1,
			},
		},
		{
			name:   "disabled and scaled workers",
			traces: true,
			modify: func(c *Config) {
				c.BlockIndexer.Enabled = false
				c.AddressIndexer.Enabled = false
				c.InternalTransactionDownloader.Enabled = false
				c.TransactionDownloader.Instances = 3
			},
			expect: map[string]int{
				WorkerBlockDownloader:       1,
				WorkerTransactionDownloader: 3,
				WorkerAddressDownloader:     1,
				WorkerTransactionIndexer:    1,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			if tt.modify != nil {
				tt.modify(cfg)
			}

			deps := testDeps(storetest.New(), ethereum.NewMockClient(), search.NewMockClient(), cfg.Buffer)
			if tt.traces {
				deps.Traces = &fakeSource{}
			}

			m, err := NewManager(cfg, deps)
			require.NoError(t, err)
			assert.Equal(t, tt.expect, workerNames(m))
		})
	}
}

func TestNewManager_EachInstanceHasItsOwnClaimer(t *testing.T) {
	cfg := testConfig(t)
	cfg.BlockDownloader.Instances = 2

	m, err := NewManager(cfg, testDeps(storetest.New(), ethereum.NewMockClient(), search.NewMockClient(), cfg.Buffer))
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, w := range m.Workers() {
		id := w.Claimer().Identity()
		assert.False(t, seen[id], "identity %s reused", id)
		seen[id] = true
	}
}

func TestDeps_Validate(t *testing.T) {
	full := func() *Deps {
		return testDeps(storetest.New(), ethereum.NewMockClient(), search.NewMockClient(), BufferConfig{MaxDocuments: 1, FlushInterval: time.Second})
	}

	tests := []struct {
		name   string
		modify func(*Deps)
		errMsg string
	}{
		{name: "complete", modify: func(*Deps) {}},
		{name: "traces are optional", modify: func(d *Deps) { d.Traces = nil }},
		{name: "no logger", modify: func(d *Deps) { d.Log = nil }, errMsg: "logger"},
		{name: "no store", modify: func(d *Deps) { d.Store = nil }, errMsg: "store"},
		{name: "no client", modify: func(d *Deps) { d.Client = nil }, errMsg: "chain client"},
		{name: "no claimers", modify: func(d *Deps) { d.Claimers = nil }, errMsg: "claimer factory"},
		{name: "no projector", modify: func(d *Deps) { d.Projector = nil }, errMsg: "projector"},
		{name: "no documents", modify: func(d *Deps) { d.Documents = nil }, errMsg: "document buffer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := full()
			tt.modify(d)

			err := d.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		errMsg string
		check  func(t *testing.T, c *Config)
	}{
		{
			name: "defaults",
			check: func(t *testing.T, c *Config) {
				t.Helper()

				assert.Equal(t, BackendRowLock, c.Claimer.Backend)
				assert.Equal(t, 5*time.Minute, c.Claimer.LockTTL)
				assert.Equal(t, 30*time.Second, c.Claimer.HeartbeatInterval)
				assert.Equal(t, 500*time.Millisecond, c.PollInterval)
				assert.Equal(t, 500*time.Millisecond, c.MaxPollInterval)
				assert.Equal(t, 20, c.BlockDownloader.BatchSize)
				assert.Equal(t, 5, c.InternalTransactionDownloader.BatchSize)
				assert.Equal(t, 200, c.AddressIndexer.BatchSize)
				assert.Equal(t, 10, c.TransactionDownloader.Concurrency)
				assert.Equal(t, 1, c.BlockIndexer.Instances)
			},
		},
		{
			name:   "queue backend",
			config: Config{Claimer: ClaimerConfig{Backend: BackendQueue}},
		},
		{
			name:   "unknown backend",
			config: Config{Claimer: ClaimerConfig{Backend: "zookeeper"}},
			errMsg: "invalid claimer backend",
		},
		{
			name:   "heartbeat not shorter than ttl",
			config: Config{Claimer: ClaimerConfig{LockTTL: time.Minute, HeartbeatInterval: time.Minute}},
			errMsg: "must be shorter than lockTTL",
		},
		{
			name:   "negative batch size",
			config: Config{BlockIndexer: WorkerConfig{BatchSize: -1}},
			errMsg: "must not be negative",
		},
		{
			name:   "explicit values kept",
			config: Config{PollInterval: time.Second, MaxPollInterval: 5 * time.Second, AddressDownloader: WorkerConfig{BatchSize: 7, Concurrency: 2}},
			check: func(t *testing.T, c *Config) {
				t.Helper()

				assert.Equal(t, 5*time.Second, c.MaxPollInterval)
				assert.Equal(t, 7, c.AddressDownloader.BatchSize)
				assert.Equal(t, 2, c.AddressDownloader.Concurrency)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)

				return
			}

			require.NoError(t, err)

			if tt.check != nil {
				tt.check(t, &tt.config)
			}
		})
	}
}

func TestManager_RunIndexesCommittedBlock(t *testing.T) {
	cfg := testConfig(t)
	s := storetest.New()
	client := ethereum.NewMockClient()
	es := search.NewMockClient()

	client.AddBlock(&ethereum.Block{Block: model.Block{Hash: blockHash, Number: 100}})

	m, err := NewManager(cfg, testDeps(s, client, es, cfg.Buffer))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- m.Run(ctx) }()

	require.NoError(t, m.Committer().Commit(ctx, &model.Block{Hash: blockHash, Number: 100}))

	assert.Eventually(t, func() bool {
		return s.StatusOf(model.PipelineBlocks, blockHash) == model.StatusIndexed
	}, 5*time.Second, 10*time.Millisecond)

	_, ok := es.Doc(search.Names{Prefix: "test"}.BlocksTransactions(), projector.ID(projector.RoleBlock, blockHash))
	assert.True(t, ok)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestManager_SweepReleasesStaleClaims(t *testing.T) {
	cfg := testConfig(t)
	s := storetest.New()
	s.Seed(stageBlocksImported, "0x01")

	m, err := NewManager(cfg, testDeps(s, ethereum.NewMockClient(), search.NewMockClient(), cfg.Buffer))
	require.NoError(t, err)

	ctx := context.Background()

	// A claim taken long ago by a process that never released it.
	s.Now = func() time.Time { return time.Now().Add(-cfg.Claimer.LockTTL - time.Minute) }

	keys, err := storetest.NewClaimer(s, "crashed").Claim(ctx, stageBlocksImported, 1)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	s.Now = time.Now

	m.Sweep(ctx)

	keys, err = storetest.NewClaimer(s, "other").Claim(ctx, stageBlocksImported, 1)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}
