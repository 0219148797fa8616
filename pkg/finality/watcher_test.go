package finality

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/chain-indexer/internal/testutil"
	"github.com/ethpandaops/chain-indexer/pkg/ethereum"
	"github.com/ethpandaops/chain-indexer/pkg/leaderelection"
	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/state"
)

type recordingCommitter struct {
	mu      sync.Mutex
	blocks  []*model.Block
	failing error
}

func (c *recordingCommitter) Commit(_ context.Context, b *model.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failing != nil {
		return c.failing
	}

	c.blocks = append(c.blocks, b)

	return nil
}

func (c *recordingCommitter) hashes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.blocks))
	for _, b := range c.blocks {
		out = append(out, b.Hash)
	}

	return out
}

type recordingGaps struct {
	ranges [][2]uint64
}

func (g *recordingGaps) EnqueueRange(_ context.Context, from, to uint64) error {
	g.ranges = append(g.ranges, [2]uint64{from, to})

	return nil
}

type staticElector struct {
	leader bool
}

var _ leaderelection.Elector = (*staticElector)(nil)

func (e *staticElector) Start(context.Context) error                          { return nil }
func (e *staticElector) Stop(context.Context) error                           { return nil }
func (e *staticElector) IsLeader() bool                                       { return e.leader }
func (e *staticElector) OnLeadershipChange(leaderelection.LeadershipCallback) {}
func (e *staticElector) LeaderID(context.Context) (string, error)             { return "", nil }

func blockHashOf(branch string, number uint64) string {
	return fmt.Sprintf("0x%s%d", branch, number)
}

// grow appends linked blocks from..to on branch, forking off parent.
func grow(client *ethereum.MockClient, branch string, from, to uint64, parent string) {
	for n := from; n <= to; n++ {
		h := blockHashOf(branch, n)
		client.AddBlock(&ethereum.Block{Block: model.Block{Hash: h, Number: n, ParentHash: parent}})
		parent = h
	}
}

type watcherEnv struct {
	client    *ethereum.MockClient
	committer *recordingCommitter
	state     *state.Manager
	gaps      *recordingGaps
	watcher   *Watcher
}

func newWatcherEnv(t *testing.T, elector leaderelection.Elector) *watcherEnv {
	t.Helper()

	redisClient, _ := testutil.NewMiniredisClient(t)

	cfg := &Config{ConfirmationDepth: 6, StaleWindow: 10, PollInterval: 5 * time.Millisecond}
	require.NoError(t, cfg.Validate())

	e := &watcherEnv{
		client:    ethereum.NewMockClient(),
		committer: &recordingCommitter{},
		state:     state.NewManager(redisClient, "test", testutil.NewLogger()),
		gaps:      &recordingGaps{},
	}

	e.watcher = NewWatcher(testutil.NewLogger(), cfg, e.client, e.committer, e.state, e.gaps, elector)

	return e
}

func (e *watcherEnv) checkpoint(t *testing.T) uint64 {
	t.Helper()

	n, err := e.state.Get(context.Background(), state.CheckpointWatcher)
	require.NoError(t, err)

	return n
}

func TestWatcher_FollowsFromHeadWithoutCheckpoint(t *testing.T) {
	ctx := context.Background()
	e := newWatcherEnv(t, nil)

	grow(e.client, "a", 100, 110, "0xroot")

	require.NoError(t, e.watcher.Poll(ctx))
	assert.Empty(t, e.committer.hashes())
	assert.Zero(t, e.client.CallCount("BlockByNumber"))

	grow(e.client, "a", 111, 115, blockHashOf("a", 110))
	require.NoError(t, e.watcher.Poll(ctx))
	assert.Empty(t, e.committer.hashes())

	grow(e.client, "a", 116, 117, blockHashOf("a", 115))
	require.NoError(t, e.watcher.Poll(ctx))

	assert.Equal(t, []string{blockHashOf("a", 110), blockHashOf("a", 111)}, e.committer.hashes())
	assert.Equal(t, uint64(111), e.checkpoint(t))
}

func TestWatcher_LaggingCheckpointEnqueuesGap(t *testing.T) {
	ctx := context.Background()
	e := newWatcherEnv(t, nil)

	_, err := e.state.Raise(ctx, state.CheckpointWatcher, 50)
	require.NoError(t, err)

	grow(e.client, "a", 40, 110, "0xroot")

	require.NoError(t, e.watcher.Poll(ctx))
	assert.Equal(t, [][2]uint64{{51, 104}}, e.gaps.ranges)
	assert.Empty(t, e.committer.hashes())

	grow(e.client, "a", 111, 111, blockHashOf("a", 110))
	require.NoError(t, e.watcher.Poll(ctx))

	assert.Equal(t, []string{blockHashOf("a", 105)}, e.committer.hashes())
}

func TestWatcher_ResumesFromRecentCheckpoint(t *testing.T) {
	ctx := context.Background()
	e := newWatcherEnv(t, nil)

	_, err := e.state.Raise(ctx, state.CheckpointWatcher, 107)
	require.NoError(t, err)

	grow(e.client, "a", 100, 113, "0xroot")

	require.NoError(t, e.watcher.Poll(ctx))
	assert.Empty(t, e.gaps.ranges)
	assert.Empty(t, e.committer.hashes())
	assert.Equal(t, 5, e.client.CallCount("BlockByNumber"))

	grow(e.client, "a", 114, 114, blockHashOf("a", 113))
	require.NoError(t, e.watcher.Poll(ctx))

	assert.Equal(t, []string{blockHashOf("a", 108)}, e.committer.hashes())
	assert.Equal(t, uint64(108), e.checkpoint(t))
}

func TestWatcher_FollowerDoesNotPoll(t *testing.T) {
	ctx := context.Background()
	elector := &staticElector{}
	e := newWatcherEnv(t, elector)

	grow(e.client, "a", 100, 120, "0xroot")

	require.NoError(t, e.watcher.Poll(ctx))
	assert.Zero(t, e.client.CallCount("HeadBlock"))

	elector.leader = true
	require.NoError(t, e.watcher.Poll(ctx))
	assert.Equal(t, 1, e.client.CallCount("HeadBlock"))

	elector.leader = false
	require.NoError(t, e.watcher.Poll(ctx))
	assert.Nil(t, e.watcher.tracker)
}

func TestWatcher_ReorgCommitsNewBranch(t *testing.T) {
	ctx := context.Background()
	e := newWatcherEnv(t, nil)

	grow(e.client, "a", 100, 103, "0xroot")

	// Start at a100 and follow a101..a103.
	e.client.SetHead(blockHashOf("a", 100))
	require.NoError(t, e.watcher.Poll(ctx))
	e.client.SetHead(blockHashOf("a", 103))
	require.NoError(t, e.watcher.Poll(ctx))

	// A longer branch replaces a101 onwards.
	grow(e.client, "b", 101, 104, blockHashOf("a", 100))
	require.NoError(t, e.watcher.Poll(ctx))

	grow(e.client, "b", 105, 106, blockHashOf("b", 104))
	require.NoError(t, e.watcher.Poll(ctx))

	committed := e.committer.hashes()
	require.NotEmpty(t, committed)
	assert.Equal(t, blockHashOf("a", 100), committed[0])
	assert.NotContains(t, committed, blockHashOf("a", 101))

	// The branch blocks below the new head were fetched by hash.
	assert.Positive(t, e.client.CallCount("BlockByHash"))

	grow(e.client, "b", 107, 120, blockHashOf("b", 106))
	require.NoError(t, e.watcher.Poll(ctx))

	committed = e.committer.hashes()
	assert.Contains(t, committed, blockHashOf("b", 101))
	assert.NotContains(t, committed, blockHashOf("a", 101))
	assert.NotContains(t, committed, blockHashOf("a", 103))
}

func TestWatcher_FailedCommitIsRetried(t *testing.T) {
	ctx := context.Background()
	e := newWatcherEnv(t, nil)

	grow(e.client, "a", 100, 100, "0xroot")
	require.NoError(t, e.watcher.Poll(ctx))

	e.committer.failing = errors.New("database unavailable")

	grow(e.client, "a", 101, 106, blockHashOf("a", 100))
	require.Error(t, e.watcher.Poll(ctx))
	assert.Empty(t, e.committer.hashes())

	e.committer.failing = nil

	require.NoError(t, e.watcher.Poll(ctx))
	assert.Equal(t, []string{blockHashOf("a", 100)}, e.committer.hashes())
}

func TestWatcher_CapsBlocksPerPoll(t *testing.T) {
	ctx := context.Background()
	e := newWatcherEnv(t, nil)
	e.watcher.config.MaxBlocksPerPoll = 3

	_, err := e.state.Raise(ctx, state.CheckpointWatcher, 99)
	require.NoError(t, err)

	grow(e.client, "a", 100, 105, "0xroot")

	require.NoError(t, e.watcher.Poll(ctx))
	assert.Equal(t, uint64(103), e.watcher.next)

	require.NoError(t, e.watcher.Poll(ctx))
	assert.Equal(t, uint64(106), e.watcher.next)
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	e := newWatcherEnv(t, nil)
	grow(e.client, "a", 100, 100, "0xroot")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- e.watcher.Run(ctx) }()

	assert.Eventually(t, func() bool { return e.client.CallCount("HeadBlock") >= 2 }, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		errMsg string
	}{
		{name: "defaults", config: Config{}},
		{name: "stale window too small", config: Config{ConfirmationDepth: 6, StaleWindow: 6}, errMsg: "must exceed confirmationDepth"},
		{
			name:   "leader election checked when enabled",
			config: Config{LeaderElection: LeaderElectionConfig{Enabled: true}},
			errMsg: "invalid leader election config",
		},
		{
			name: "leader election config",
			config: Config{LeaderElection: LeaderElectionConfig{
				Enabled: true,
				Config:  leaderelection.Config{TTL: 10 * time.Second, RenewalInterval: 3 * time.Second},
			}},
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
			assert.Equal(t, DefaultConfirmationDepth, tt.config.ConfirmationDepth)
			assert.Equal(t, time.Second, tt.config.PollInterval)
		})
	}
}
