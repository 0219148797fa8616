package ethereum_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/chain-indexer/pkg/ethereum"
	"github.com/ethpandaops/chain-indexer/pkg/model"
)

func newLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func mockFactory(nodes map[string]*ethereum.MockNode) ethereum.NodeFactory {
	return func(_ logrus.FieldLogger, conf *ethereum.NodeConfig) ethereum.Node {
		n := ethereum.NewMockNode(conf.Name, 1, nil)
		nodes[conf.Name] = n

		return n
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  ethereum.Config
		wantErr bool
	}{
		{"no nodes", ethereum.Config{}, true},
		{"missing address", ethereum.Config{Execution: []*ethereum.NodeConfig{{Name: "a"}}}, true},
		{"missing name", ethereum.Config{Execution: []*ethereum.NodeConfig{{NodeAddress: "http://localhost:8545"}}}, true},
		{"negative rate", ethereum.Config{Execution: []*ethereum.NodeConfig{{Name: "a", NodeAddress: "http://x", RateLimit: -1}}}, true},
		{"valid", ethereum.Config{Execution: []*ethereum.NodeConfig{{Name: "a", NodeAddress: "http://x", RateLimit: 10}}}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.config.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateFillsBurst(t *testing.T) {
	c := ethereum.Config{Execution: []*ethereum.NodeConfig{{Name: "a", NodeAddress: "http://x", RateLimit: 5}}}
	require.NoError(t, c.Validate())
	assert.Equal(t, 1, c.Execution[0].RateBurst)
}

func TestPool_EmptyConfig(t *testing.T) {
	pool := ethereum.NewPoolWithNodes(newLogger(), "test", nil, nil)

	assert.False(t, pool.HasExecutionNodes())
	assert.False(t, pool.HasHealthyExecutionNodes())
	assert.Nil(t, pool.GetHealthyExecutionNode())
	assert.Empty(t, pool.GetHealthyExecutionNodes())

	_, err := pool.HeadBlock(context.Background())
	assert.ErrorIs(t, err, ethereum.ErrNoHealthyNode)
}

func TestPool_WaitForHealthyNode_NoNodes(t *testing.T) {
	pool := ethereum.NewPoolWithNodes(newLogger(), "test", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	node, err := pool.WaitForHealthyExecutionNode(ctx)
	assert.Error(t, err)
	assert.Nil(t, node)
	assert.Contains(t, err.Error(), "no execution nodes configured")
}

func TestPool_WaitForHealthyNode_Timeout(t *testing.T) {
	node := ethereum.NewMockNode("never-ready", 1, nil)
	pool := ethereum.NewPoolWithNodes(newLogger(), "test", []ethereum.Node{node}, nil)
	pool.Start(context.Background())

	defer func() { _ = pool.Stop(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	got, err := pool.WaitForHealthyExecutionNode(ctx)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_BecomesHealthyOnReady(t *testing.T) {
	ctx := context.Background()
	nodes := map[string]*ethereum.MockNode{}

	config := &ethereum.Config{Execution: []*ethereum.NodeConfig{
		{Name: "node-1", NodeAddress: "http://localhost:8545"},
		{Name: "node-2", NodeAddress: "http://localhost:8546"},
	}}

	pool := ethereum.NewPool(newLogger(), "test", config, mockFactory(nodes))
	require.True(t, pool.HasExecutionNodes())

	pool.Start(ctx)

	assert.False(t, pool.HasHealthyExecutionNodes())

	require.NoError(t, nodes["node-1"].MarkReady(ctx))

	got, err := pool.WaitForHealthyExecutionNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-1", got.Name())
	assert.Len(t, pool.GetHealthyExecutionNodes(), 1)

	require.NoError(t, pool.Stop(ctx))
	assert.True(t, nodes["node-1"].Stopped())
	assert.True(t, nodes["node-2"].Stopped())
}

func TestPool_DelegatesToHealthyNode(t *testing.T) {
	ctx := context.Background()

	client := ethereum.NewMockClient()
	client.AddBlock(&ethereum.Block{Block: model.Block{Hash: "0xaa", Number: 7}})
	client.SetCode("0xC0DE", "0x6080")

	node := ethereum.NewMockNode("node", 1, client)
	pool := ethereum.NewPoolWithNodes(newLogger(), "test", []ethereum.Node{node}, nil)
	pool.Start(ctx)

	defer func() { _ = pool.Stop(ctx) }()

	require.NoError(t, node.MarkReady(ctx))

	head, err := pool.HeadBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), head.Number)

	b, err := pool.BlockByNumber(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "0xaa", b.Hash)

	_, err = pool.BlockByHash(ctx, "0xbb")
	assert.ErrorIs(t, err, ethereum.ErrBlockNotFound)
	assert.True(t, ethereum.IsNotFoundError(err))

	code, err := pool.CodeAt(ctx, "0xc0de")
	require.NoError(t, err)
	assert.Equal(t, "0x6080", code)
}

func TestPool_RateLimit(t *testing.T) {
	ctx := context.Background()
	nodes := map[string]*ethereum.MockNode{}

	config := &ethereum.Config{Execution: []*ethereum.NodeConfig{
		{Name: "slow", NodeAddress: "http://localhost:8545", RateLimit: 20, RateBurst: 1},
	}}

	pool := ethereum.NewPool(newLogger(), "test", config, mockFactory(nodes))
	pool.Start(ctx)

	defer func() { _ = pool.Stop(ctx) }()

	require.NoError(t, nodes["slow"].MarkReady(ctx))

	start := time.Now()

	for range 5 {
		_, _ = pool.CodeAt(ctx, "0x01")
	}

	// One call rides the burst, the remaining four wait 50ms each.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, 5, nodes["slow"].CallCount("CodeAt"))
}

func TestPool_RateLimitRespectsContext(t *testing.T) {
	nodes := map[string]*ethereum.MockNode{}

	config := &ethereum.Config{Execution: []*ethereum.NodeConfig{
		{Name: "slow", NodeAddress: "http://localhost:8545", RateLimit: 0.1, RateBurst: 1},
	}}

	pool := ethereum.NewPool(newLogger(), "test", config, mockFactory(nodes))
	pool.Start(context.Background())

	defer func() { _ = pool.Stop(context.Background()) }()

	require.NoError(t, nodes["slow"].MarkReady(context.Background()))

	_, err := pool.CodeAt(context.Background(), "0x01")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = pool.CodeAt(ctx, "0x01")
	assert.Error(t, err)
	assert.Equal(t, 1, nodes["slow"].CallCount("CodeAt"))
}

func TestPool_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	a := ethereum.NewMockNode("a", 1, nil)
	b := ethereum.NewMockNode("b", 1, nil)

	pool := ethereum.NewPoolWithNodes(newLogger(), "test", []ethereum.Node{a, b}, nil)
	pool.Start(ctx)

	defer func() { _ = pool.Stop(ctx) }()

	var wg sync.WaitGroup

	for range 10 {
		wg.Go(func() {
			for range 5 {
				pool.HasHealthyExecutionNodes()
				pool.GetHealthyExecutionNode()
				pool.GetHealthyExecutionNodes()
			}
		})
	}

	require.NoError(t, a.MarkReady(ctx))
	require.NoError(t, b.MarkReady(ctx))

	wg.Wait()

	assert.Len(t, pool.GetHealthyExecutionNodes(), 2)
}

func TestPool_NetworkNameOverride(t *testing.T) {
	testCases := []struct {
		name         string
		override     *string
		chainID      int64
		expectedName string
		expectError  bool
	}{
		{"with override", stringPtr("custom-network"), 1, "custom-network", false},
		{"without override mainnet", nil, 1, "mainnet", false},
		{"without override classic", nil, 61, "classic", false},
		{"without override unknown", nil, 999999, "", true},
		{"empty override", stringPtr(""), 1, "mainnet", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pool := ethereum.NewPoolWithNodes(newLogger(), "test", nil, &ethereum.Config{OverrideNetworkName: tc.override})

			network, err := pool.GetNetworkByChainID(tc.chainID)

			if tc.expectError {
				assert.ErrorIs(t, err, ethereum.ErrUnsupportedChainID)
				assert.Nil(t, network)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expectedName, network.Name)
			assert.Equal(t, tc.chainID, network.ID)
		})
	}
}

func TestIsNotFoundError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ethereum.ErrBlockNotFound, true},
		{ethereum.ErrTransactionNotFound, true},
		{errors.New("not found"), true},
		{errors.New("Transaction Not Found in pool"), true},
		{errors.New("connection refused"), false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, ethereum.IsNotFoundError(tc.err), "%v", tc.err)
	}
}

func stringPtr(s string) *string {
	return &s
}
