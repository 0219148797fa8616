package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/ethpandaops/chain-indexer/pkg/model"
)

var internalUpsert = UpsertSpec{
	Table:    "internal_transactions",
	Conflict: []string{"transaction_hash", "internal_transaction_index"},
	Columns: []string{
		"transaction_hash", "internal_transaction_index", "block_hash", "block_number", "type",
		"from_address", "to_address", "value", "gas", "gas_used", "input", "contract_address",
		"trace_address", "error", "status",
	},
	Immutable: []string{"status"},
}

func (s *Store) UpsertInternalTransactions(ctx context.Context, itxs []*model.InternalTransaction) error {
	if len(itxs) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(itxs))

	for _, itx := range itxs {
		trace := make([]int64, len(itx.TraceAddress))
		for i, v := range itx.TraceAddress {
			trace[i] = int64(v)
		}

		rows = append(rows, []any{
			itx.TransactionHash, itx.Index, itx.BlockHash, int64(itx.BlockNumber), itx.Type,
			itx.From, itx.To, itx.Value, int64(itx.Gas), int64(itx.GasUsed), itx.Input, itx.ContractAddress,
			pq.Array(trace), itx.Error, string(model.StatusDownloaded),
		})
	}

	if _, err := upsert(ctx, s.db, internalUpsert, rows); err != nil {
		return fmt.Errorf("failed to upsert internal transactions: %w", err)
	}

	return nil
}

func (s *Store) InternalTransactionsByTransactions(ctx context.Context, txHashes []string) ([]*model.InternalTransaction, error) {
	if len(txHashes) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_hash, internal_transaction_index, block_hash, block_number, type,
			from_address, to_address, value, gas, gas_used, input, contract_address, trace_address, error, status
		FROM internal_transactions WHERE transaction_hash = ANY($1)
		ORDER BY transaction_hash, internal_transaction_index`, pq.Array(txHashes))
	if err != nil {
		return nil, fmt.Errorf("failed to query internal transactions: %w", err)
	}
	defer rows.Close()

	var out []*model.InternalTransaction

	for rows.Next() {
		var (
			itx                       model.InternalTransaction
			blockNumber, gas, gasUsed int64
			trace                     pq.Int64Array
			status                    string
		)

		if err := rows.Scan(&itx.TransactionHash, &itx.Index, &itx.BlockHash, &blockNumber, &itx.Type,
			&itx.From, &itx.To, &itx.Value, &gas, &gasUsed, &itx.Input, &itx.ContractAddress,
			&trace, &itx.Error, &status); err != nil {
			return nil, fmt.Errorf("failed to scan internal transaction: %w", err)
		}

		itx.BlockNumber = uint64(blockNumber)
		itx.Gas = uint64(gas)
		itx.GasUsed = uint64(gasUsed)
		itx.Status = model.Status(status)

		itx.TraceAddress = make([]int, len(trace))
		for i, v := range trace {
			itx.TraceAddress[i] = int(v)
		}

		out = append(out, &itx)
	}

	return out, rows.Err()
}

func (s *Store) MarkInternalTransactionsIndexed(ctx context.Context, txHashes []string) error {
	if len(txHashes) == 0 {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE internal_transactions SET status = $1, indexed_at = now()
		WHERE transaction_hash = ANY($2) AND status = $3`,
		string(model.StatusIndexed), pq.Array(txHashes), string(model.StatusDownloaded))
	if err != nil {
		return fmt.Errorf("failed to mark internal transactions indexed: %w", err)
	}

	return nil
}
