// Package claimtest is a behavioural suite every claim.Claimer backend must pass.
package claimtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/chain-indexer/pkg/claim"
	"github.com/ethpandaops/chain-indexer/pkg/model"
)

// Harness gives the suite access to one isolated backend instance.
type Harness interface {
	// NewClaimer returns a claimer with its own identity.
	NewClaimer(role string) claim.Claimer
	// Seed creates records at stage and makes them claimable.
	Seed(t *testing.T, stage model.Stage, keys ...string)
	// Status reads a record's current status from the store of record.
	Status(t *testing.T, pipeline model.Pipeline, key string) model.Status
}

var (
	txImported      = model.NewStage(model.PipelineTransactions, model.StatusImported)
	blockImported   = model.NewStage(model.PipelineBlocks, model.StatusImported)
	addrImported    = model.NewStage(model.PipelineAddresses, model.StatusImported)
	addrDownloaded  = model.NewStage(model.PipelineAddresses, model.StatusDownloaded)
	internalPending = model.NewStage(model.PipelineInternalTransactions, model.StatusPending)
)

func keys(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%04d", prefix, i)
	}

	return out
}

// Run executes the suite. newHarness is called once per case.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, h Harness)
	}{
		{"ClaimReturnsOnlyEligible", testClaimReturnsOnlyEligible},
		{"ReleaseRestoresEligibility", testReleaseRestoresEligibility},
		{"AdvanceMovesStatus", testAdvanceMovesStatus},
		{"AdvanceIntoClaimableStage", testAdvanceIntoClaimableStage},
		{"AdvanceRejectsIllegalTransition", testAdvanceRejectsIllegalTransition},
		{"AdvanceRequiresOwnership", testAdvanceRequiresOwnership},
		{"PartialAdvanceReturnsMoved", testPartialAdvanceReturnsMoved},
		{"InternalPipelineIsolated", testInternalPipelineIsolated},
		{"ConcurrentClaimersNeverOverlap", testConcurrentClaimersNeverOverlap},
		{"ReleaseAllDropsOwnClaimsOnly", testReleaseAllDropsOwnClaimsOnly},
		{"SweepStaleReclaims", testSweepStaleReclaims},
		{"HeartbeatKeepsClaimsFresh", testHeartbeatKeepsClaimsFresh},
		{"RejectsNonClaimableStage", testRejectsNonClaimableStage},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newHarness(t))
		})
	}
}

func testClaimReturnsOnlyEligible(t *testing.T, h Harness) {
	ctx := context.Background()
	h.Seed(t, txImported, keys("0xa", 3)...)

	first := h.NewClaimer("first")
	second := h.NewClaimer("second")

	got, err := first.Claim(ctx, txImported, 5)
	require.NoError(t, err)
	assert.ElementsMatch(t, keys("0xa", 3), got)

	got, err = second.Claim(ctx, txImported, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testReleaseRestoresEligibility(t *testing.T, h Harness) {
	ctx := context.Background()
	h.Seed(t, txImported, keys("0xb", 3)...)

	first := h.NewClaimer("first")
	second := h.NewClaimer("second")

	got, err := first.Claim(ctx, txImported, 5)
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.NoError(t, first.Release(ctx, txImported, got))

	for _, key := range got {
		assert.Equal(t, model.StatusImported, h.Status(t, model.PipelineTransactions, key))
	}

	again, err := second.Claim(ctx, txImported, 5)
	require.NoError(t, err)
	assert.ElementsMatch(t, got, again)
}

func testAdvanceMovesStatus(t *testing.T, h Harness) {
	ctx := context.Background()
	h.Seed(t, blockImported, keys("0xc", 2)...)

	c := h.NewClaimer("blocks")

	got, err := c.Claim(ctx, blockImported, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	advanced, err := c.Advance(ctx, blockImported, got, model.StatusDownloaded)
	require.NoError(t, err)
	assert.ElementsMatch(t, got, advanced)

	for _, key := range got {
		assert.Equal(t, model.StatusDownloaded, h.Status(t, model.PipelineBlocks, key))
	}

	again, err := h.NewClaimer("other").Claim(ctx, blockImported, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func testAdvanceIntoClaimableStage(t *testing.T, h Harness) {
	ctx := context.Background()
	h.Seed(t, addrImported, keys("0xd", 2)...)

	c := h.NewClaimer("addresses")

	got, err := c.Claim(ctx, addrImported, 10)
	require.NoError(t, err)
	_, err = c.Advance(ctx, addrImported, got, model.StatusDownloaded)
	require.NoError(t, err)

	next, err := h.NewClaimer("indexer").Claim(ctx, addrDownloaded, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, got, next)
}

func testAdvanceRejectsIllegalTransition(t *testing.T, h Harness) {
	ctx := context.Background()
	h.Seed(t, blockImported, "0xe0")

	c := h.NewClaimer("blocks")

	got, err := c.Claim(ctx, blockImported, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = c.Advance(ctx, blockImported, got, model.StatusIndexed)
	require.ErrorIs(t, err, model.ErrIllegalTransition)
	assert.Equal(t, model.StatusImported, h.Status(t, model.PipelineBlocks, "0xe0"))

	// The claim is still held, so the record is not handed out again.
	other, err := h.NewClaimer("other").Claim(ctx, blockImported, 1)
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, c.Release(ctx, blockImported, got))
}

func testAdvanceRequiresOwnership(t *testing.T, h Harness) {
	ctx := context.Background()
	h.Seed(t, txImported, "0xf0")

	owner := h.NewClaimer("owner")
	thief := h.NewClaimer("thief")

	got, err := owner.Claim(ctx, txImported, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	stolen, err := thief.Advance(ctx, txImported, got, model.StatusDownloaded)
	require.ErrorIs(t, err, claim.ErrNotHeld)
	assert.Empty(t, stolen)
	assert.Equal(t, model.StatusImported, h.Status(t, model.PipelineTransactions, "0xf0"))

	require.NoError(t, thief.Release(ctx, txImported, got))

	other, err := thief.Claim(ctx, txImported, 1)
	require.NoError(t, err)
	assert.Empty(t, other, "release by a non-owner must not free the record")

	_, err = owner.Advance(ctx, txImported, got, model.StatusDownloaded)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDownloaded, h.Status(t, model.PipelineTransactions, "0xf0"))
}

func testPartialAdvanceReturnsMoved(t *testing.T, h Harness) {
	ctx := context.Background()
	h.Seed(t, txImported, "0x30", "0x31")

	mine := h.NewClaimer("mine")
	theirs := h.NewClaimer("theirs")

	a, err := mine.Claim(ctx, txImported, 1)
	require.NoError(t, err)
	require.Len(t, a, 1)

	b, err := theirs.Claim(ctx, txImported, 1)
	require.NoError(t, err)
	require.Len(t, b, 1)

	moved, err := mine.Advance(ctx, txImported, append(append([]string{}, a...), b...), model.StatusDownloaded)
	require.ErrorIs(t, err, claim.ErrNotHeld)
	assert.Equal(t, a, moved)

	assert.Equal(t, model.StatusDownloaded, h.Status(t, model.PipelineTransactions, a[0]))
	assert.Equal(t, model.StatusImported, h.Status(t, model.PipelineTransactions, b[0]))

	moved, err = theirs.Advance(ctx, txImported, b, model.StatusDownloaded)
	require.NoError(t, err)
	assert.Equal(t, b, moved)
}

func testInternalPipelineIsolated(t *testing.T, h Harness) {
	ctx := context.Background()
	h.Seed(t, txImported, "0x10")
	h.Seed(t, internalPending, "0x10")

	receipts := h.NewClaimer("receipts")
	traces := h.NewClaimer("traces")

	a, err := receipts.Claim(ctx, txImported, 1)
	require.NoError(t, err)
	b, err := traces.Claim(ctx, internalPending, 1)
	require.NoError(t, err)

	assert.Equal(t, []string{"0x10"}, a)
	assert.Equal(t, []string{"0x10"}, b)

	_, err = traces.Advance(ctx, internalPending, b, model.StatusSkipped)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSkipped, h.Status(t, model.PipelineInternalTransactions, "0x10"))
	assert.Equal(t, model.StatusImported, h.Status(t, model.PipelineTransactions, "0x10"))
}

func testConcurrentClaimersNeverOverlap(t *testing.T, h Harness) {
	ctx := context.Background()
	all := keys("0x2", 120)
	h.Seed(t, txImported, all...)

	const workers = 8

	var (
		mu   sync.Mutex
		seen = make(map[string]string, len(all))
		dups []string
		wg   sync.WaitGroup
	)

	for i := range workers {
		c := h.NewClaimer(fmt.Sprintf("worker-%d", i))

		wg.Go(func() {
			for {
				got, err := c.Claim(ctx, txImported, 7)
				if !assert.NoError(t, err) || len(got) == 0 {
					return
				}

				mu.Lock()

				for _, key := range got {
					if _, ok := seen[key]; ok {
						dups = append(dups, key)
					}

					seen[key] = c.Identity()
				}

				mu.Unlock()
			}
		})
	}

	wg.Wait()

	assert.Empty(t, dups)
	assert.Len(t, seen, len(all))
}

func testReleaseAllDropsOwnClaimsOnly(t *testing.T, h Harness) {
	ctx := context.Background()
	h.Seed(t, txImported, keys("0x3", 4)...)
	h.Seed(t, addrImported, keys("0x4", 2)...)

	mine := h.NewClaimer("mine")
	theirs := h.NewClaimer("theirs")

	a, err := mine.Claim(ctx, txImported, 2)
	require.NoError(t, err)
	b, err := mine.Claim(ctx, addrImported, 2)
	require.NoError(t, err)
	c, err := theirs.Claim(ctx, txImported, 2)
	require.NoError(t, err)
	require.Len(t, c, 2)

	n, err := mine.ReleaseAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(a)+len(b), n)

	reclaimer := h.NewClaimer("reclaimer")

	got, err := reclaimer.Claim(ctx, txImported, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, a, got)

	got, err = reclaimer.Claim(ctx, addrImported, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, b, got)
}

func testSweepStaleReclaims(t *testing.T, h Harness) {
	ctx := context.Background()
	h.Seed(t, txImported, keys("0x5", 3)...)

	crashed := h.NewClaimer("crashed")
	survivor := h.NewClaimer("survivor")

	held, err := crashed.Claim(ctx, txImported, 3)
	require.NoError(t, err)
	require.Len(t, held, 3)

	n, err := survivor.SweepStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "fresh claims are not swept")

	n, err = survivor.SweepStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := survivor.Claim(ctx, txImported, 10)
	require.NoError(t, err)

	sort.Strings(held)
	sort.Strings(got)
	assert.Equal(t, held, got)
}

func testHeartbeatKeepsClaimsFresh(t *testing.T, h Harness) {
	ctx := context.Background()
	h.Seed(t, addrImported, keys("0x6", 2)...)

	c := h.NewClaimer("beating")

	got, err := c.Claim(ctx, addrImported, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NoError(t, c.Heartbeat(ctx))

	n, err := h.NewClaimer("sweeper").SweepStale(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	other, err := h.NewClaimer("other").Claim(ctx, addrImported, 2)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testRejectsNonClaimableStage(t *testing.T, h Harness) {
	ctx := context.Background()
	c := h.NewClaimer("bad")

	_, err := c.Claim(ctx, model.NewStage(model.PipelineLogs, model.StatusDownloaded), 1)
	assert.ErrorIs(t, err, claim.ErrNotClaimable)

	_, err = c.Claim(ctx, txImported, 0)
	assert.Error(t, err)
}
