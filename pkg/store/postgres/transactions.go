package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ethpandaops/chain-indexer/pkg/model"
)

var transactionInsert = UpsertSpec{
	Table:    "transactions",
	Conflict: []string{"hash"},
	Columns: []string{
		"hash", "block_hash", "block_number", "transaction_index", "from_address", "to_address",
		"value", "gas", "gas_price", "nonce", "input", "status", "internal_transaction_status",
	},
	Immutable: []string{
		"hash", "block_hash", "block_number", "transaction_index", "from_address", "to_address",
		"value", "gas", "gas_price", "nonce", "input", "status", "internal_transaction_status",
	},
	Returning: []string{"hash"},
}

const transactionColumns = `hash, block_hash, block_number, transaction_index, from_address, to_address,
	value, gas, gas_price, nonce, input, gas_used, cumulative_gas_used, receipt_status, logs_bloom,
	contract_address, status, internal_transaction_status`

func (s *Store) InsertTransactions(ctx context.Context, txs []*model.Transaction) ([]string, error) {
	if len(txs) == 0 {
		return nil, nil
	}

	rows := make([][]any, 0, len(txs))

	for _, tx := range txs {
		status := tx.Status
		if status == "" {
			status = model.StatusImported
		}

		internal := tx.InternalStatus
		if internal == "" {
			internal = model.StatusPending
		}

		rows = append(rows, []any{
			tx.Hash, tx.BlockHash, int64(tx.BlockNumber), int64(tx.TransactionIndex), tx.From, tx.To,
			tx.Value, int64(tx.Gas), tx.GasPrice, int64(tx.Nonce), tx.Input, string(status), string(internal),
		})
	}

	inserted, err := upsert(ctx, s.db, transactionInsert, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transactions: %w", err)
	}

	return inserted, nil
}

func (s *Store) UpdateReceipt(ctx context.Context, tx *model.Transaction) error {
	var receiptStatus sql.NullInt64
	if tx.ReceiptStatus != nil {
		receiptStatus = sql.NullInt64{Int64: int64(*tx.ReceiptStatus), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET to_address = $2, gas_used = $3, cumulative_gas_used = $4, receipt_status = $5,
			logs_bloom = $6, contract_address = $7
		WHERE hash = $1`,
		tx.Hash, tx.To, int64(tx.GasUsed), int64(tx.CumulativeGasUsed), receiptStatus,
		tx.LogsBloom, tx.ContractAddress,
	)
	if err != nil {
		return fmt.Errorf("failed to update receipt for %s: %w", tx.Hash, wrapErr(err))
	}

	return nil
}

func (s *Store) GetTransactions(ctx context.Context, hashes []string) ([]*model.Transaction, error) {
	if len(hashes) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE hash = ANY($1) ORDER BY block_number, transaction_index`,
		pq.Array(hashes))
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []*model.Transaction

	for rows.Next() {
		var (
			tx                                            model.Transaction
			blockNumber, index, gas, nonce, used, cumUsed int64
			receiptStatus                                 sql.NullInt64
			status, internal                              string
		)

		if err := rows.Scan(&tx.Hash, &tx.BlockHash, &blockNumber, &index, &tx.From, &tx.To,
			&tx.Value, &gas, &tx.GasPrice, &nonce, &tx.Input, &used, &cumUsed, &receiptStatus,
			&tx.LogsBloom, &tx.ContractAddress, &status, &internal); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}

		tx.BlockNumber = uint64(blockNumber)
		tx.TransactionIndex = uint(index)
		tx.Gas = uint64(gas)
		tx.Nonce = uint64(nonce)
		tx.GasUsed = uint64(used)
		tx.CumulativeGasUsed = uint64(cumUsed)
		tx.Status = model.Status(status)
		tx.InternalStatus = model.Status(internal)

		if receiptStatus.Valid {
			v := uint64(receiptStatus.Int64)
			tx.ReceiptStatus = &v
		}

		out = append(out, &tx)
	}

	return out, rows.Err()
}
