package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/chain-indexer/pkg/ethereum"
	"github.com/ethpandaops/chain-indexer/pkg/ethereum/contracts"
	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/store"
	"github.com/ethpandaops/chain-indexer/pkg/timeout"
)

// AddressImporter fills an address row from the chain: bytecode, detected
// interfaces and constant metadata. The status is not touched.
type AddressImporter struct {
	client      ethereum.Client
	addresses   store.AddressRepository
	metadata    *contracts.MetadataReader
	callTimeout time.Duration
}

func NewAddressImporter(client ethereum.Client, addresses store.AddressRepository, callTimeout time.Duration) *AddressImporter {
	return &AddressImporter{
		client:      client,
		addresses:   addresses,
		metadata:    contracts.NewMetadataReader(client),
		callTimeout: callTimeout,
	}
}

func (i *AddressImporter) Import(ctx context.Context, address string) (*model.Address, error) {
	code, err := timeout.Call(ctx, i.callTimeout, func(ctx context.Context) (string, error) {
		return i.client.CodeAt(ctx, address)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch code of %s: %w", address, err)
	}

	a := &model.Address{Address: address}

	if contracts.IsContract(code) {
		a.IsContract = true
		a.Bytecode = code
		a.Implements = contracts.Detect(code)

		// Failed reads leave their field empty; a timeout leaves all of them empty.
		a.Metadata, _ = timeout.Call(ctx, i.callTimeout, func(ctx context.Context) (model.Metadata, error) {
			return i.metadata.Read(ctx, address, code), nil
		})
	}

	if err := timeout.Do(ctx, i.callTimeout, func(ctx context.Context) error {
		return i.addresses.UpdateAddress(ctx, a)
	}); err != nil {
		return nil, fmt.Errorf("failed to update address %s: %w", address, err)
	}

	return a, nil
}
