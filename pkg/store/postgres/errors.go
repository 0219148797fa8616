package postgres

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ethpandaops/chain-indexer/pkg/store"
)

const uniqueViolation = "23505"

// wrapErr maps driver errors onto store sentinels.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", store.ErrDuplicateKey, pqErr.Constraint)
	}

	return err
}
