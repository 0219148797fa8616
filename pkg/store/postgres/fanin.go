package postgres

import (
	"context"
	"fmt"
)

// PromoteBlock moves a downloaded block to indexable once every one of its
// transactions is indexed. The count is read in the same statement, and the
// status predicate means only one caller ever sees true.
func (s *Store) PromoteBlock(ctx context.Context, hash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE blocks SET status = 'indexable'
		WHERE hash = $1
			AND status = 'downloaded'
			AND transaction_count = (
				SELECT count(*) FROM transactions WHERE block_hash = $1 AND status = 'indexed'
			)`, hash)
	if err != nil {
		return false, fmt.Errorf("failed to promote block %s: %w", hash, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

// PromoteTransaction moves a downloaded transaction to indexable once its
// internal transactions are downloaded or skipped.
func (s *Store) PromoteTransaction(ctx context.Context, hash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET status = 'indexable'
		WHERE hash = $1
			AND status = 'downloaded'
			AND internal_transaction_status IN ('downloaded', 'skipped')`, hash)
	if err != nil {
		return false, fmt.Errorf("failed to promote transaction %s: %w", hash, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}
