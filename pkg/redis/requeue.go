package redis

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/claim"
	"github.com/ethpandaops/chain-indexer/pkg/model"
)

// KeyLister pages through keys at a stage in key order.
type KeyLister interface {
	KeysByStatus(ctx context.Context, stage model.Stage, after string, limit int) ([]string, error)
}

// Requeue rebuilds every claimable stage's set from the store of record.
func Requeue(ctx context.Context, log logrus.FieldLogger, lister KeyLister, offerer claim.Claimer, pageSize int) (map[model.Stage]int, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}

	counts := make(map[model.Stage]int)

	for _, stage := range model.ClaimableStages() {
		after := ""

		for {
			keys, err := lister.KeysByStatus(ctx, stage, after, pageSize)
			if err != nil {
				return counts, fmt.Errorf("failed to list %s: %w", stage, err)
			}

			if len(keys) == 0 {
				break
			}

			if err := offerer.Offer(ctx, stage, keys); err != nil {
				return counts, err
			}

			counts[stage] += len(keys)
			after = keys[len(keys)-1]

			if len(keys) < pageSize {
				break
			}
		}

		log.WithFields(logrus.Fields{"stage": stage.String(), "keys": counts[stage]}).Info("Requeued stage")
	}

	return counts, nil
}
