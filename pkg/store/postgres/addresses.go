package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/store"
)

var addressEnsure = UpsertSpec{
	Table:     "addresses",
	Conflict:  []string{"address"},
	Columns:   []string{"address", "status"},
	Immutable: []string{"status"},
	Returning: []string{"address"},
}

func (s *Store) EnsureAddresses(ctx context.Context, addresses []string) ([]string, error) {
	seen := make(map[string]struct{}, len(addresses))
	rows := make([][]any, 0, len(addresses))

	for _, a := range addresses {
		a = model.NormalizeHex(a)
		if a == "" {
			continue
		}

		if _, ok := seen[a]; ok {
			continue
		}

		seen[a] = struct{}{}
		rows = append(rows, []any{a, string(model.StatusImported)})
	}

	if len(rows) == 0 {
		return nil, nil
	}

	inserted, err := upsert(ctx, s.db, addressEnsure, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure addresses: %w", err)
	}

	return inserted, nil
}

func (s *Store) UpdateAddress(ctx context.Context, a *model.Address) error {
	implements, err := json.Marshal(a.Implements)
	if err != nil {
		return fmt.Errorf("failed to encode implements for %s: %w", a.Address, err)
	}

	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for %s: %w", a.Address, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE addresses SET bytecode = $2, is_contract = $3, implements = $4, metadata = $5
		WHERE address = $1`,
		a.Address, a.Bytecode, a.IsContract, string(implements), string(metadata))
	if err != nil {
		return fmt.Errorf("failed to update address %s: %w", a.Address, wrapErr(err))
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to update address %s: %w", a.Address, store.ErrNotFound)
	}

	return nil
}

func (s *Store) GetAddresses(ctx context.Context, addresses []string) ([]*model.Address, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT address, bytecode, is_contract, implements, abi, metadata, status
		FROM addresses WHERE address = ANY($1) ORDER BY address`, pq.Array(addresses))
	if err != nil {
		return nil, fmt.Errorf("failed to query addresses: %w", err)
	}
	defer rows.Close()

	var out []*model.Address

	for rows.Next() {
		var (
			a                    model.Address
			implements, metadata []byte
			abi                  []byte
			status               string
		)

		if err := rows.Scan(&a.Address, &a.Bytecode, &a.IsContract, &implements, &abi, &metadata, &status); err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}

		if err := json.Unmarshal(implements, &a.Implements); err != nil {
			return nil, fmt.Errorf("failed to decode implements for %s: %w", a.Address, err)
		}

		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", a.Address, err)
		}

		a.ABI = abi
		a.Status = model.Status(status)

		out = append(out, &a)
	}

	return out, rows.Err()
}

func (s *Store) ContractABI(ctx context.Context, address string) ([]byte, error) {
	var abi []byte

	err := s.db.QueryRowContext(ctx, `SELECT abi FROM addresses WHERE address = $1`,
		model.NormalizeHex(address)).Scan(&abi)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read abi for %s: %w", address, err)
	}

	return abi, nil
}

func (s *Store) SetContractABI(ctx context.Context, address string, abi []byte) error {
	if !json.Valid(abi) {
		return fmt.Errorf("abi for %s is not valid json", address)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO addresses (address, status, abi) VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET abi = EXCLUDED.abi`,
		model.NormalizeHex(address), string(model.StatusImported), string(abi))
	if err != nil {
		return fmt.Errorf("failed to store abi for %s: %w", address, wrapErr(err))
	}

	return nil
}
