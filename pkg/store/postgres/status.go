package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/store"
)

// SetStatus moves rows at stage to next without requiring a claim. Any claim
// on a moved row is dropped.
func (s *Store) SetStatus(ctx context.Context, stage model.Stage, keys []string, next model.Status) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	if err := model.ValidateTransition(stage.Pipeline, stage.Status, next); err != nil {
		return nil, err
	}

	t, err := tableFor(stage.Pipeline)
	if err != nil {
		return nil, err
	}

	set := fmt.Sprintf("%s = $1", t.status)

	if t.lockedBy != "" {
		set += fmt.Sprintf(", %s = NULL, %s = NULL", t.lockedBy, t.lockedAt)
	}

	if _, at, ok := t.stamp(next); ok {
		set += fmt.Sprintf(", %s = now()", at)
	}

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s = ANY($2) AND %s = $3 RETURNING %s`, t.table, set, t.key, t.status, t.key)

	moved, err := queryStrings(ctx, s.db, query, string(next), pq.Array(keys), string(stage.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to set %s to %s: %w", stage, next, err)
	}

	// Logs return their transaction hash once per row.
	return distinct(moved), nil
}

func distinct(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]

	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}

		seen[k] = struct{}{}
		out = append(out, k)
	}

	return out
}

func (s *Store) KeysByStatus(ctx context.Context, stage model.Stage, after string, limit int) ([]string, error) {
	t, err := tableFor(stage.Pipeline)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT DISTINCT %s FROM %s WHERE %s = $1 AND %s > $2 ORDER BY %s LIMIT $3`,
		t.key, t.table, t.status, t.key, t.key)

	keys, err := queryStrings(ctx, s.db, query, string(stage.Status), after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", stage, err)
	}

	return keys, nil
}

func (s *Store) CountByStatus(ctx context.Context, pipeline model.Pipeline) (map[model.Status]int64, error) {
	t, err := tableFor(pipeline)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s, count(*) FROM %s GROUP BY %s`, t.status, t.table, t.status))
	if err != nil {
		return nil, fmt.Errorf("failed to count %s: %w", pipeline, err)
	}
	defer rows.Close()

	out := make(map[model.Status]int64)

	for _, st := range pipeline.Statuses() {
		out[st] = 0
	}

	for rows.Next() {
		var (
			status string
			count  int64
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}

		out[model.Status(status)] = count
	}

	return out, rows.Err()
}

const progressQuery = `
	SELECT b.hash, b.number, b.status, b.transaction_count,
		count(t.hash) AS imported_count,
		count(t.hash) FILTER (WHERE t.status = 'indexed') AS indexed_count
	FROM blocks b
	LEFT JOIN transactions t ON t.block_hash = b.hash`

func scanProgress(rows *sql.Rows) ([]model.BlockProgress, error) {
	var out []model.BlockProgress

	for rows.Next() {
		var (
			p      model.BlockProgress
			number int64
			status string
		)

		if err := rows.Scan(&p.Hash, &number, &status, &p.TransactionCount, &p.ImportedCount, &p.IndexedCount); err != nil {
			return nil, fmt.Errorf("failed to scan block progress: %w", err)
		}

		p.Number = uint64(number)
		p.Status = model.Status(status)

		out = append(out, p)
	}

	return out, rows.Err()
}

func (s *Store) BlockProgress(ctx context.Context, fromNumber uint64, limit int) ([]model.BlockProgress, error) {
	rows, err := s.db.QueryContext(ctx, progressQuery+`
		WHERE b.number >= $1
		GROUP BY b.hash
		ORDER BY b.number, b.hash
		LIMIT $2`, int64(fromNumber), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query block progress: %w", err)
	}
	defer rows.Close()

	return scanProgress(rows)
}

func (s *Store) BlockProgressByHash(ctx context.Context, hash string) (*model.BlockProgress, error) {
	rows, err := s.db.QueryContext(ctx, progressQuery+`
		WHERE b.hash = $1
		GROUP BY b.hash`, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to query block progress: %w", err)
	}
	defer rows.Close()

	out, err := scanProgress(rows)
	if err != nil {
		return nil, err
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("block %s: %w", hash, store.ErrNotFound)
	}

	return &out[0], nil
}

// resetStatements walk indexed records back so that every indexer runs again.
// Blocks without transactions skip straight to indexable because no
// transaction will ever promote them.
var resetStatements = []string{
	`UPDATE blocks SET status = 'indexable', locked_by = NULL, locked_at = NULL
		WHERE status IN ('indexable', 'indexed') AND transaction_count = 0`,
	`UPDATE blocks SET status = 'downloaded', locked_by = NULL, locked_at = NULL
		WHERE status IN ('indexable', 'indexed') AND transaction_count > 0`,
	`UPDATE transactions SET status = 'indexable', locked_by = NULL, locked_at = NULL
		WHERE status = 'indexed'`,
	`UPDATE addresses SET status = 'downloaded', locked_by = NULL, locked_at = NULL
		WHERE status = 'indexed'`,
	`UPDATE logs SET status = 'downloaded' WHERE status = 'indexed'`,
	`UPDATE internal_transactions SET status = 'downloaded' WHERE status = 'indexed'`,
}

func (s *Store) ResetIndexed(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range resetStatements {
			res, err := tx.ExecContext(ctx, stmt)
			if err != nil {
				return fmt.Errorf("failed to reset statuses: %w", err)
			}

			n, _ := res.RowsAffected()
			s.log.WithField("rows", n).Debug("Reset statement applied")
		}

		return nil
	})
}
