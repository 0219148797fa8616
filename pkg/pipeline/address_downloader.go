package pipeline

import (
	"context"

	"github.com/ethpandaops/chain-indexer/pkg/model"
)

// AddressDownloader imports the addresses the inline path could not.
type AddressDownloader struct {
	importer    *AddressImporter
	concurrency int
}

func NewAddressDownloader(importer *AddressImporter, concurrency int) *AddressDownloader {
	return &AddressDownloader{importer: importer, concurrency: concurrency}
}

func (d *AddressDownloader) Task() Task {
	return Task{
		Name:  WorkerAddressDownloader,
		Stage: stageAddressesImported,
		Next:  model.StatusDownloaded,
		Process: func(ctx context.Context, keys []string) []error {
			return ForEach(ctx, d.concurrency, keys, func(ctx context.Context, address string) error {
				_, err := d.importer.Import(ctx, address)

				return err
			})
		},
	}
}
