package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/ethereum/trace"
	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/store"
	"github.com/ethpandaops/chain-indexer/pkg/timeout"
)

// InternalTransactionDownloader stores the value-moving and contract-creating
// internal calls of a transaction.
type InternalTransactionDownloader struct {
	source      trace.Source
	store       store.Store
	fanIn       *FanIn
	concurrency int
	callTimeout time.Duration
	log         logrus.FieldLogger
}

func NewInternalTransactionDownloader(log logrus.FieldLogger, source trace.Source, s store.Store, fanIn *FanIn, concurrency int, callTimeout time.Duration) *InternalTransactionDownloader {
	return &InternalTransactionDownloader{
		source:      source,
		store:       s,
		fanIn:       fanIn,
		concurrency: concurrency,
		callTimeout: callTimeout,
		log:         log.WithFields(logrus.Fields{"component": WorkerInternalDownloader, "source": source.Name()}),
	}
}

func (d *InternalTransactionDownloader) Task() Task {
	return Task{
		Name:         WorkerInternalDownloader,
		Stage:        stageInternalPending,
		Next:         model.StatusDownloaded,
		Process:      func(ctx context.Context, keys []string) []error { return ForEach(ctx, d.concurrency, keys, d.download) },
		AfterAdvance: func(ctx context.Context, keys []string) { d.fanIn.Transactions(ctx, keys) },
	}
}

func (d *InternalTransactionDownloader) download(ctx context.Context, hash string) error {
	tx, err := loadTransaction(ctx, d.store, hash, d.callTimeout)
	if err != nil {
		return err
	}

	traces, err := timeout.Call(ctx, d.callTimeout, func(ctx context.Context) ([]trace.Trace, error) {
		return d.source.Traces(ctx, hash)
	})
	if err != nil {
		return fmt.Errorf("failed to fetch traces: %w", err)
	}

	itxs := trace.Build(tx, traces)
	if len(itxs) == 0 {
		return nil
	}

	if err := timeout.Do(ctx, d.callTimeout, func(ctx context.Context) error {
		return d.store.UpsertInternalTransactions(ctx, itxs)
	}); err != nil {
		return fmt.Errorf("failed to upsert internal transactions: %w", err)
	}

	d.log.WithFields(logrus.Fields{"key": hash, "traces": len(traces), "kept": len(itxs)}).Debug("Downloaded internal transactions")

	return nil
}
