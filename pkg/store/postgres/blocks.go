package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/ethpandaops/chain-indexer/pkg/model"
)

var blockUpsert = UpsertSpec{
	Table:    "blocks",
	Conflict: []string{"hash"},
	Columns: []string{
		"hash", "number", "parent_hash", "difficulty", "gas_limit", "gas_used",
		"miner", "nonce", "timestamp", "size", "base_fee", "transaction_count", "status",
	},
	Immutable: []string{"status"},
}

var blockStubUpsert = UpsertSpec{
	Table:     "blocks",
	Conflict:  []string{"hash"},
	Columns:   []string{"hash", "number", "parent_hash", "status"},
	Immutable: []string{"status"},
	Returning: []string{"status"},
}

const blockColumns = `hash, number, parent_hash, difficulty, gas_limit, gas_used, miner, nonce,
	timestamp, size, base_fee, transaction_count, status`

// UpsertBlock writes b and returns the row as stored.
func (s *Store) UpsertBlock(ctx context.Context, b *model.Block) (*model.Block, error) {
	status := b.Status
	if status == "" {
		status = model.StatusImported
	}

	row := s.db.QueryRowContext(ctx, blockUpsert.SQL(1)+" RETURNING "+blockColumns,
		b.Hash, int64(b.Number), b.ParentHash, b.Difficulty, int64(b.GasLimit), int64(b.GasUsed),
		b.Miner, b.Nonce, int64(b.Timestamp), int64(b.Size), b.BaseFee, b.TransactionCount, string(status))

	stored, err := scanBlock(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert block %s: %w", b.Hash, wrapErr(err))
	}

	return stored, nil
}

func (s *Store) InsertBlockStub(ctx context.Context, b *model.Block) (model.Status, error) {
	status, err := upsert(ctx, s.db, blockStubUpsert, [][]any{{
		b.Hash, int64(b.Number), b.ParentHash, string(model.StatusImported),
	}})
	if err != nil {
		return "", fmt.Errorf("failed to insert block stub %s: %w", b.Hash, err)
	}

	if len(status) != 1 {
		return "", fmt.Errorf("block stub %s returned %d rows", b.Hash, len(status))
	}

	return model.Status(status[0]), nil
}

func (s *Store) GetBlocks(ctx context.Context, hashes []string) ([]*model.Block, error) {
	if len(hashes) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE hash = ANY($1) ORDER BY number`, pq.Array(hashes))
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	var out []*model.Block

	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}

		out = append(out, b)
	}

	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanBlock reads one row selected with blockColumns.
func scanBlock(row rowScanner) (*model.Block, error) {
	var (
		b                                   model.Block
		number, gasLimit, gasUsed, ts, size int64
		status                              string
	)

	if err := row.Scan(&b.Hash, &number, &b.ParentHash, &b.Difficulty, &gasLimit, &gasUsed,
		&b.Miner, &b.Nonce, &ts, &size, &b.BaseFee, &b.TransactionCount, &status); err != nil {
		return nil, err
	}

	b.Number = uint64(number)
	b.GasLimit = uint64(gasLimit)
	b.GasUsed = uint64(gasUsed)
	b.Timestamp = uint64(ts)
	b.Size = uint64(size)
	b.Status = model.Status(status)

	return &b, nil
}
