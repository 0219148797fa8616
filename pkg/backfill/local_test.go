package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/chain-indexer/internal/testutil"
	"github.com/ethpandaops/chain-indexer/pkg/model"
)

func TestLocal_ImportsQueuedRange(t *testing.T) {
	e := newImporterEnv(t, &Config{Window: 4, Concurrency: 2})
	e.chain(1, 10)

	l := NewLocal(testutil.NewLogger(), e.importer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- l.Run(ctx) }()

	require.NoError(t, l.EnqueueRange(ctx, 1, 10))

	assert.Eventually(t, func() bool {
		return e.store.StatusOf(model.PipelineBlocks, hashOf(9)) == model.StatusIndexable &&
			e.store.StatusOf(model.PipelineBlocks, hashOf(10)) == model.StatusDownloaded
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestLocal_EnqueueRange(t *testing.T) {
	l := NewLocal(testutil.NewLogger(), nil)
	ctx := context.Background()

	require.ErrorIs(t, l.EnqueueRange(ctx, 10, 9), ErrInvalidRange)

	for i := range localQueueSize {
		require.NoError(t, l.EnqueueRange(ctx, uint64(i), uint64(i)))
	}

	// Nothing drains the queue, so the next range is refused right away.
	require.ErrorIs(t, l.EnqueueRange(ctx, 100, 200), ErrBusy)
}
