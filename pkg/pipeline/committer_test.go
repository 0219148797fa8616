package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/chain-indexer/internal/testutil"
	"github.com/ethpandaops/chain-indexer/pkg/claim"
	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/store/storetest"
)

type recordingOfferer struct {
	claim.Claimer

	offered []string
}

func (r *recordingOfferer) Offer(ctx context.Context, stage model.Stage, keys []string) error {
	r.offered = append(r.offered, keys...)

	return r.Claimer.Offer(ctx, stage, keys)
}

func TestCommitter_OffersOnlyBlocksAwaitingDownload(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	offerer := &recordingOfferer{Claimer: storetest.NewClaimer(s, "offerer")}
	c := NewCommitter(testutil.NewLogger(), s, offerer, 0)

	require.NoError(t, c.Commit(ctx, &model.Block{Hash: "0xAA", Number: 7, ParentHash: "0x99"}))
	assert.Equal(t, []string{"0xaa"}, offerer.offered)

	// Still imported, so a repeated commit offers it again.
	require.NoError(t, c.Commit(ctx, &model.Block{Hash: "0xaa", Number: 7, ParentHash: "0x99"}))
	assert.Equal(t, []string{"0xaa", "0xaa"}, offerer.offered)

	_, err := s.SetStatus(ctx, stageBlocksImported, []string{"0xaa"}, model.StatusDownloaded)
	require.NoError(t, err)

	require.NoError(t, c.Commit(ctx, &model.Block{Hash: "0xaa", Number: 7, ParentHash: "0x99"}))
	assert.Len(t, offerer.offered, 2)
	assert.Equal(t, model.StatusDownloaded, s.StatusOf(model.PipelineBlocks, "0xaa"))
}
