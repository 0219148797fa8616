package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/chain-indexer/internal/testutil"
	"github.com/ethpandaops/chain-indexer/pkg/claim"
	"github.com/ethpandaops/chain-indexer/pkg/claim/claimtest"
	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/store/storetest"
)

const testPrefix = "test"

type harness struct {
	client *redis.Client
	store  *storetest.Store
}

func (h *harness) NewClaimer(role string) claim.Claimer {
	return NewClaimer(h.client, testPrefix, h.store, testutil.NewLogger(), role)
}

func (h *harness) Seed(t *testing.T, stage model.Stage, keys ...string) {
	t.Helper()

	h.store.Seed(stage, keys...)
	require.NoError(t, h.NewClaimer("seed").Offer(context.Background(), stage, keys))
}

func (h *harness) Status(_ *testing.T, pipeline model.Pipeline, key string) model.Status {
	return h.store.StatusOf(pipeline, key)
}

func newHarness(t *testing.T) *harness {
	client, _ := testutil.NewMiniredisClient(t)

	return &harness{client: client, store: storetest.New()}
}

func TestQueueClaimer(t *testing.T) {
	claimtest.Run(t, func(t *testing.T) claimtest.Harness {
		return newHarness(t)
	})
}

func TestKeyspace(t *testing.T) {
	k := Keyspace{Prefix: "idx"}
	stage := model.NewStage(model.PipelineInternalTransactions, model.StatusPending)

	assert.Equal(t, "idx:internal_transactions:pending", k.Set(stage))
	assert.Equal(t, "idx:inflight:internal_transactions:pending", k.InFlight(stage))
	assert.Len(t, k.pairs(), 2*len(model.ClaimableStages()))
}

func TestQueueClaimer_OfferSkipsInFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	stage := model.NewStage(model.PipelineTransactions, model.StatusImported)

	h.Seed(t, stage, "0x01", "0x02")

	c := h.NewClaimer("worker")

	got, err := c.Claim(ctx, stage, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, c.Offer(ctx, stage, []string{"0x01", "0x02"}))

	members, err := h.client.SMembers(ctx, Keyspace{Prefix: testPrefix}.Set(stage)).Result()
	require.NoError(t, err)
	assert.Len(t, members, 1)
	assert.NotContains(t, members, got[0])
}

func TestQueueClaimer_OfferIgnoresNonClaimableStage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	stage := model.NewStage(model.PipelineBlocks, model.StatusDownloaded)

	require.NoError(t, h.NewClaimer("worker").Offer(ctx, stage, []string{"0x01"}))

	exists, err := h.client.Exists(ctx, Keyspace{Prefix: testPrefix}.Set(stage)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

type failingWriter struct{}

func (failingWriter) SetStatus(context.Context, model.Stage, []string, model.Status) ([]string, error) {
	return nil, errors.New("store down")
}

func TestQueueClaimer_AdvanceRestoresClaimOnWriteFailure(t *testing.T) {
	ctx := context.Background()
	client, _ := testutil.NewMiniredisClient(t)
	stage := model.NewStage(model.PipelineBlocks, model.StatusImported)

	c := NewClaimer(client, testPrefix, failingWriter{}, testutil.NewLogger(), "blocks")
	require.NoError(t, c.Offer(ctx, stage, []string{"0xb1"}))

	got, err := c.Claim(ctx, stage, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"0xb1"}, got)

	_, err = c.Advance(ctx, stage, got, model.StatusDownloaded)
	require.Error(t, err)

	owner, err := client.HGet(ctx, Keyspace{Prefix: testPrefix}.InFlight(stage), "0xb1").Result()
	require.NoError(t, err)
	assert.Contains(t, owner, c.Identity()+"|")

	require.NoError(t, c.Release(ctx, stage, got))

	again, err := c.Claim(ctx, stage, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xb1"}, again)
}

func TestQueueClaimer_AdvanceOffersOnlyMovedRows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	imported := model.NewStage(model.PipelineAddresses, model.StatusImported)
	downloaded := model.NewStage(model.PipelineAddresses, model.StatusDownloaded)

	h.Seed(t, imported, "0xa1", "0xa2")

	c := h.NewClaimer("addresses")

	got, err := c.Claim(ctx, imported, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Another writer moved 0xa2 on while the claim was out.
	_, err = h.store.SetStatus(ctx, imported, []string{"0xa2"}, model.StatusDownloaded)
	require.NoError(t, err)

	moved, err := c.Advance(ctx, imported, got, model.StatusDownloaded)
	require.ErrorIs(t, err, claim.ErrNotHeld)
	assert.Equal(t, []string{"0xa1"}, moved)

	members, err := h.client.SMembers(ctx, Keyspace{Prefix: testPrefix}.Set(downloaded)).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"0xa1"}, members)

	inflight, err := h.client.HLen(ctx, Keyspace{Prefix: testPrefix}.InFlight(imported)).Result()
	require.NoError(t, err)
	assert.Zero(t, inflight)
}

func TestQueueClaimer_SweepUsesClaimTimestamp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	stage := model.NewStage(model.PipelineAddresses, model.StatusImported)

	h.Seed(t, stage, "0xa1")

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	c := NewClaimer(h.client, testPrefix, h.store, testutil.NewLogger(), "addresses")
	c.now = func() time.Time { return base }

	_, err := c.Claim(ctx, stage, 1)
	require.NoError(t, err)

	n, err := c.SweepStale(ctx, base)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, c.Heartbeat(ctx))

	n, err = c.SweepStale(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n, "heartbeat moved the claim past the cutoff")

	n, err = c.SweepStale(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.store.Seed(model.NewStage(model.PipelineBlocks, model.StatusImported), "0x01", "0x02", "0x03")
	h.store.Seed(model.NewStage(model.PipelineAddresses, model.StatusDownloaded), "0xaa")
	h.store.Seed(model.NewStage(model.PipelineBlocks, model.StatusIndexed), "0x04")

	c := h.NewClaimer("requeue")

	counts, err := Requeue(ctx, testutil.NewLogger(), h.store, c, 2)
	require.NoError(t, err)

	assert.Equal(t, 3, counts[model.NewStage(model.PipelineBlocks, model.StatusImported)])
	assert.Equal(t, 1, counts[model.NewStage(model.PipelineAddresses, model.StatusDownloaded)])

	got, err := c.Claim(ctx, model.NewStage(model.PipelineBlocks, model.StatusImported), 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"0x01", "0x02", "0x03"}, got)
}
