package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/common"
	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/projector"
	"github.com/ethpandaops/chain-indexer/pkg/rowbuffer"
	"github.com/ethpandaops/chain-indexer/pkg/search"
	"github.com/ethpandaops/chain-indexer/pkg/store"
	"github.com/ethpandaops/chain-indexer/pkg/timeout"
)

// Monitor publishes per-block progress documents and stage depth gauges.
// Each pass covers one page of blocks, continuing where the last pass ended
// and wrapping around at the top.
type Monitor struct {
	store       store.StatusRepository
	projector   *projector.Projector
	documents   *rowbuffer.Buffer[search.Document]
	pageSize    int
	callTimeout time.Duration
	log         logrus.FieldLogger

	cursor uint64
}

func NewMonitor(log logrus.FieldLogger, s store.StatusRepository, p *projector.Projector, documents *rowbuffer.Buffer[search.Document], pageSize int, callTimeout time.Duration) *Monitor {
	return &Monitor{
		store:       s,
		projector:   p,
		documents:   documents,
		pageSize:    pageSize,
		callTimeout: callTimeout,
		log:         log.WithField("component", "monitor"),
	}
}

// Pass is run by the scheduler; calls are not concurrent.
func (m *Monitor) Pass(ctx context.Context) error {
	if err := m.updateDepths(ctx); err != nil {
		m.log.WithError(err).Warn("Failed to update stage depths")
	}

	page, err := timeout.Call(ctx, m.callTimeout, func(ctx context.Context) ([]model.BlockProgress, error) {
		return m.store.BlockProgress(ctx, m.cursor, m.pageSize)
	})
	if err != nil {
		return fmt.Errorf("failed to load block progress: %w", err)
	}

	if len(page) < m.pageSize {
		m.cursor = 0
	} else {
		m.cursor = page[len(page)-1].Number + 1
	}

	if len(page) == 0 {
		return nil
	}

	docs := make([]search.Document, 0, len(page))
	for i := range page {
		docs = append(docs, m.projector.Progress(&page[i]))
	}

	errs, err := timeout.Call(ctx, m.callTimeout, func(ctx context.Context) ([]error, error) {
		return m.documents.Submit(ctx, docs)
	})
	if err != nil {
		return fmt.Errorf("failed to write progress documents: %w", err)
	}

	failed := 0

	for _, e := range errs {
		if e != nil {
			failed++
		}
	}

	m.log.WithFields(logrus.Fields{
		"blocks": len(page),
		"failed": failed,
		"next":   m.cursor,
	}).Debug("Published block progress")

	return nil
}

func (m *Monitor) updateDepths(ctx context.Context) error {
	for _, p := range model.Pipelines() {
		counts, err := timeout.Call(ctx, m.callTimeout, func(ctx context.Context) (map[model.Status]int64, error) {
			return m.store.CountByStatus(ctx, p)
		})
		if err != nil {
			return fmt.Errorf("failed to count %s: %w", p, err)
		}

		for status, n := range counts {
			common.StageDepth.WithLabelValues(string(p), string(status)).Set(float64(n))
		}
	}

	return nil
}
