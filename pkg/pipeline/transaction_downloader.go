package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/claim"
	"github.com/ethpandaops/chain-indexer/pkg/ethereum"
	"github.com/ethpandaops/chain-indexer/pkg/ethereum/contracts"
	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/store"
	"github.com/ethpandaops/chain-indexer/pkg/timeout"
)

var (
	stageAddressesImported   = model.NewStage(model.PipelineAddresses, model.StatusImported)
	stageAddressesDownloaded = model.NewStage(model.PipelineAddresses, model.StatusDownloaded)
)

// loadTransaction reads one transaction row.
func loadTransaction(ctx context.Context, txs store.TransactionRepository, hash string, d time.Duration) (*model.Transaction, error) {
	rows, err := timeout.Call(ctx, d, func(ctx context.Context) ([]*model.Transaction, error) {
		return txs.GetTransactions(ctx, []string{hash})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("transaction %s: %w", hash, store.ErrNotFound)
	}

	return rows[0], nil
}

// TransactionDownloader fetches receipts, decodes logs and makes sure both
// parties of a transaction exist as addresses.
type TransactionDownloader struct {
	client      ethereum.Client
	store       store.Store
	importer    *AddressImporter
	offerer     claim.Claimer
	fanIn       *FanIn
	concurrency int
	callTimeout time.Duration
	log         logrus.FieldLogger
}

func NewTransactionDownloader(
	log logrus.FieldLogger,
	client ethereum.Client,
	s store.Store,
	importer *AddressImporter,
	offerer claim.Claimer,
	fanIn *FanIn,
	concurrency int,
	callTimeout time.Duration,
) *TransactionDownloader {
	return &TransactionDownloader{
		client:      client,
		store:       s,
		importer:    importer,
		offerer:     offerer,
		fanIn:       fanIn,
		concurrency: concurrency,
		callTimeout: callTimeout,
		log:         log.WithField("component", WorkerTransactionDownloader),
	}
}

func (d *TransactionDownloader) Task() Task {
	return Task{
		Name:         WorkerTransactionDownloader,
		Stage:        stageTransactionsImported,
		Next:         model.StatusDownloaded,
		Process:      func(ctx context.Context, keys []string) []error { return ForEach(ctx, d.concurrency, keys, d.download) },
		AfterAdvance: func(ctx context.Context, keys []string) { d.fanIn.Transactions(ctx, keys) },
	}
}

func (d *TransactionDownloader) download(ctx context.Context, hash string) error {
	tx, err := loadTransaction(ctx, d.store, hash, d.callTimeout)
	if err != nil {
		return err
	}

	receipt, err := timeout.Call(ctx, d.callTimeout, func(ctx context.Context) (*ethereum.Receipt, error) {
		return d.client.TransactionReceipt(ctx, hash)
	})
	if err != nil {
		return fmt.Errorf("failed to fetch receipt: %w", err)
	}

	status := receipt.Status
	tx.GasUsed = receipt.GasUsed
	tx.CumulativeGasUsed = receipt.CumulativeGasUsed
	tx.ReceiptStatus = &status
	tx.LogsBloom = receipt.LogsBloom
	tx.ContractAddress = model.NormalizeHex(receipt.ContractAddress)

	logs, err := d.decodeLogs(ctx, tx, receipt.Logs)
	if err != nil {
		return err
	}

	if len(logs) > 0 {
		if err := timeout.Do(ctx, d.callTimeout, func(ctx context.Context) error {
			return d.store.UpsertLogs(ctx, logs)
		}); err != nil {
			return fmt.Errorf("failed to upsert logs: %w", err)
		}
	}

	if err := timeout.Do(ctx, d.callTimeout, func(ctx context.Context) error {
		return d.store.UpdateReceipt(ctx, tx)
	}); err != nil {
		return fmt.Errorf("failed to update receipt: %w", err)
	}

	created, err := timeout.Call(ctx, d.callTimeout, func(ctx context.Context) ([]string, error) {
		return d.store.EnsureAddresses(ctx, []string{tx.From, tx.Counterparty()})
	})
	if err != nil {
		return fmt.Errorf("failed to ensure addresses: %w", err)
	}

	d.importAddresses(ctx, created)

	return nil
}

// decodeLogs ties each log to tx and decodes it with the stored ABI of the
// emitting contract, falling back to the generic token events.
func (d *TransactionDownloader) decodeLogs(ctx context.Context, tx *model.Transaction, logs []*model.Log) ([]*model.Log, error) {
	decoders := make(map[string]*contracts.Decoder)
	out := make([]*model.Log, 0, len(logs))

	for _, l := range logs {
		c := *l
		c.TransactionHash = tx.Hash
		c.BlockHash = tx.BlockHash
		c.BlockNumber = tx.BlockNumber
		c.Address = model.NormalizeHex(c.Address)

		dec, ok := decoders[c.Address]
		if !ok {
			contractABI, err := timeout.Call(ctx, d.callTimeout, func(ctx context.Context) ([]byte, error) {
				return d.store.ContractABI(ctx, c.Address)
			})
			if err != nil {
				return nil, fmt.Errorf("failed to load abi of %s: %w", c.Address, err)
			}

			dec = contracts.NewDecoder(contractABI)
			decoders[c.Address] = dec
		}

		c.Decoded = dec.Decode(&c)
		out = append(out, &c)
	}

	return out, nil
}

// importAddresses imports new addresses inline. A failed import leaves the
// address at imported for the address downloader.
func (d *TransactionDownloader) importAddresses(ctx context.Context, addresses []string) {
	var done, deferred []string

	for _, address := range addresses {
		if _, err := d.importer.Import(ctx, address); err != nil {
			d.log.WithError(err).WithField("address", address).Debug("Inline address import failed, deferring")

			deferred = append(deferred, address)

			continue
		}

		done = append(done, address)
	}

	if len(done) > 0 {
		moved, err := timeout.Call(ctx, d.callTimeout, func(ctx context.Context) ([]string, error) {
			return d.store.SetStatus(ctx, stageAddressesImported, done, model.StatusDownloaded)
		})
		if err != nil {
			d.log.WithError(err).Warn("Failed to advance imported addresses, deferring")

			deferred = append(deferred, done...)
		}

		done = moved
	}

	d.offer(ctx, stageAddressesDownloaded, done)
	d.offer(ctx, stageAddressesImported, deferred)
}

func (d *TransactionDownloader) offer(ctx context.Context, stage model.Stage, keys []string) {
	if len(keys) == 0 {
		return
	}

	if err := timeout.Do(ctx, d.callTimeout, func(ctx context.Context) error {
		return d.offerer.Offer(ctx, stage, keys)
	}); err != nil {
		d.log.WithError(err).WithField("stage", stage.String()).Warn("Failed to offer addresses")
	}
}
