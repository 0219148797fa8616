package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/ethpandaops/chain-indexer/pkg/model"
)

var logUpsert = UpsertSpec{
	Table:    "logs",
	Conflict: []string{"transaction_hash", "log_index"},
	Columns: []string{
		"transaction_hash", "log_index", "block_hash", "block_number", "address",
		"data", "topics", "removed", "decoded", "status",
	},
	Immutable: []string{"status"},
}

func (s *Store) UpsertLogs(ctx context.Context, logs []*model.Log) error {
	if len(logs) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(logs))

	for _, l := range logs {
		decoded, err := json.Marshal(l.Decoded)
		if err != nil {
			return fmt.Errorf("failed to encode decoded log %s/%d: %w", l.TransactionHash, l.LogIndex, err)
		}

		topics := l.Topics
		if topics == nil {
			topics = []string{}
		}

		rows = append(rows, []any{
			l.TransactionHash, int64(l.LogIndex), l.BlockHash, int64(l.BlockNumber), l.Address,
			l.Data, pq.Array(topics), l.Removed, string(decoded), string(model.StatusDownloaded),
		})
	}

	if _, err := upsert(ctx, s.db, logUpsert, rows); err != nil {
		return fmt.Errorf("failed to upsert logs: %w", err)
	}

	return nil
}

func (s *Store) LogsByTransactions(ctx context.Context, txHashes []string) ([]*model.Log, error) {
	if len(txHashes) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_hash, log_index, block_hash, block_number, address, data, topics, removed, decoded, status
		FROM logs WHERE transaction_hash = ANY($1)
		ORDER BY transaction_hash, log_index`, pq.Array(txHashes))
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var out []*model.Log

	for rows.Next() {
		var (
			l                  model.Log
			index, blockNumber int64
			topics             pq.StringArray
			decoded            []byte
			status             string
		)

		if err := rows.Scan(&l.TransactionHash, &index, &l.BlockHash, &blockNumber, &l.Address,
			&l.Data, &topics, &l.Removed, &decoded, &status); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}

		l.LogIndex = uint(index)
		l.BlockNumber = uint64(blockNumber)
		l.Topics = []string(topics)
		l.Status = model.Status(status)

		if len(decoded) > 0 {
			if err := json.Unmarshal(decoded, &l.Decoded); err != nil {
				s.log.WithError(err).WithField("transaction_hash", l.TransactionHash).Warn("Ignoring undecodable stored log decoding")
			}
		}

		out = append(out, &l)
	}

	return out, rows.Err()
}

func (s *Store) MarkLogsIndexed(ctx context.Context, txHashes []string) error {
	_, err := s.SetStatus(ctx, model.NewStage(model.PipelineLogs, model.StatusDownloaded), txHashes, model.StatusIndexed)

	return err
}
