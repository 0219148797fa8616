package leaderelection_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/chain-indexer/internal/testutil"
	"github.com/ethpandaops/chain-indexer/pkg/leaderelection"
)

func fastConfig(nodeID string) *leaderelection.Config {
	return &leaderelection.Config{
		TTL:             time.Second,
		RenewalInterval: 50 * time.Millisecond,
		NodeID:          nodeID,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  leaderelection.Config
		wantErr bool
	}{
		{"defaults", *leaderelection.DefaultConfig(), false},
		{"zero ttl", leaderelection.Config{RenewalInterval: time.Second}, true},
		{"renewal beyond ttl", leaderelection.Config{TTL: time.Second, RenewalInterval: 2 * time.Second}, true},
		{"zero renewal", leaderelection.Config{TTL: time.Second}, true},
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

func TestKey(t *testing.T) {
	assert.Equal(t, "idx:leader:watcher", leaderelection.Key("idx", "watcher"))
}

func TestRedisElector_GeneratesNodeID(t *testing.T) {
	client, _ := testutil.NewMiniredisClient(t)

	a := leaderelection.NewRedisElector(client, testutil.NewLogger(), "test", "watcher", nil)
	b := leaderelection.NewRedisElector(client, testutil.NewLogger(), "test", "watcher", nil)

	assert.NotEmpty(t, a.NodeID())
	assert.NotEqual(t, a.NodeID(), b.NodeID())
}

func TestRedisElector_AcquireAndRelease(t *testing.T) {
	client, _ := testutil.NewMiniredisClient(t)
	ctx := context.Background()

	e := leaderelection.NewRedisElector(client, testutil.NewLogger(), "test", "watcher", fastConfig("node-1"))

	var gained, lost atomic.Bool

	e.OnLeadershipChange(func(_ context.Context, isLeader bool) {
		if isLeader {
			gained.Store(true)
		} else {
			lost.Store(true)
		}
	})

	_, err := e.LeaderID(ctx)
	require.ErrorIs(t, err, leaderelection.ErrNoLeader)

	require.NoError(t, e.Start(ctx))

	require.Eventually(t, gained.Load, time.Second, 10*time.Millisecond)
	assert.True(t, e.IsLeader())

	id, err := e.LeaderID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-1", id)

	require.NoError(t, e.Stop(ctx))
	assert.False(t, e.IsLeader())
	assert.True(t, lost.Load())

	_, err = e.LeaderID(ctx)
	assert.ErrorIs(t, err, leaderelection.ErrNoLeader)
}

func TestRedisElector_SingleLeader(t *testing.T) {
	client, _ := testutil.NewMiniredisClient(t)
	ctx := context.Background()

	electors := []*leaderelection.RedisElector{
		leaderelection.NewRedisElector(client, testutil.NewLogger(), "test", "watcher", fastConfig("node-1")),
		leaderelection.NewRedisElector(client, testutil.NewLogger(), "test", "watcher", fastConfig("node-2")),
		leaderelection.NewRedisElector(client, testutil.NewLogger(), "test", "watcher", fastConfig("node-3")),
	}

	for _, e := range electors {
		require.NoError(t, e.Start(ctx))
	}

	defer func() {
		for _, e := range electors {
			_ = e.Stop(ctx)
		}
	}()

	count := func() int {
		n := 0

		for _, e := range electors {
			if e.IsLeader() {
				n++
			}
		}

		return n
	}

	require.Eventually(t, func() bool { return count() == 1 }, time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, count())
}

func TestRedisElector_Failover(t *testing.T) {
	client, _ := testutil.NewMiniredisClient(t)
	ctx := context.Background()

	first := leaderelection.NewRedisElector(client, testutil.NewLogger(), "test", "watcher", fastConfig("node-1"))
	require.NoError(t, first.Start(ctx))
	require.Eventually(t, first.IsLeader, time.Second, 10*time.Millisecond)

	second := leaderelection.NewRedisElector(client, testutil.NewLogger(), "test", "watcher", fastConfig("node-2"))
	require.NoError(t, second.Start(ctx))

	defer func() { _ = second.Stop(ctx) }()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, second.IsLeader())

	require.NoError(t, first.Stop(ctx))

	require.Eventually(t, second.IsLeader, time.Second, 10*time.Millisecond)
}

func TestRedisElector_LosesLockToOtherNode(t *testing.T) {
	client, _ := testutil.NewMiniredisClient(t)
	ctx := context.Background()

	e := leaderelection.NewRedisElector(client, testutil.NewLogger(), "test", "watcher", fastConfig("node-1"))

	var lost atomic.Bool

	e.OnLeadershipChange(func(_ context.Context, isLeader bool) {
		if !isLeader {
			lost.Store(true)
		}
	})

	require.NoError(t, e.Start(ctx))

	defer func() { _ = e.Stop(ctx) }()

	require.Eventually(t, e.IsLeader, time.Second, 10*time.Millisecond)

	require.NoError(t, client.Set(ctx, leaderelection.Key("test", "watcher"), "intruder", time.Minute).Err())

	require.Eventually(t, lost.Load, time.Second, 10*time.Millisecond)
	assert.False(t, e.IsLeader())

	id, err := e.LeaderID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "intruder", id)
}

func TestRedisElector_StopIsIdempotent(t *testing.T) {
	client, _ := testutil.NewMiniredisClient(t)
	ctx := context.Background()

	e := leaderelection.NewRedisElector(client, testutil.NewLogger(), "test", "watcher", fastConfig("node-1"))

	require.NoError(t, e.Stop(ctx), "stop before start")

	e2 := leaderelection.NewRedisElector(client, testutil.NewLogger(), "test", "watcher", fastConfig("node-2"))
	require.NoError(t, e2.Start(ctx))
	require.NoError(t, e2.Stop(ctx))
	require.NoError(t, e2.Stop(ctx))
}
