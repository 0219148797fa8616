// Package store defines the relational store of record.
package store

import (
	"context"
	"errors"

	"github.com/ethpandaops/chain-indexer/pkg/claim"
	"github.com/ethpandaops/chain-indexer/pkg/model"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("duplicate key")
)

type BlockRepository interface {
	// UpsertBlock writes every column of b and returns the stored row.
	// Status is only set on insert.
	UpsertBlock(ctx context.Context, b *model.Block) (*model.Block, error)
	// InsertBlockStub records a committed hash at status imported. An
	// existing row is left untouched apart from filling number and parent.
	// It returns the status the row is at.
	InsertBlockStub(ctx context.Context, b *model.Block) (model.Status, error)
	GetBlocks(ctx context.Context, hashes []string) ([]*model.Block, error)
}

type TransactionRepository interface {
	// InsertTransactions adds rows, skipping hashes that already exist. It
	// returns the hashes actually inserted.
	InsertTransactions(ctx context.Context, txs []*model.Transaction) ([]string, error)
	UpdateReceipt(ctx context.Context, tx *model.Transaction) error
	GetTransactions(ctx context.Context, hashes []string) ([]*model.Transaction, error)
}

type LogRepository interface {
	UpsertLogs(ctx context.Context, logs []*model.Log) error
	LogsByTransactions(ctx context.Context, txHashes []string) ([]*model.Log, error)
	MarkLogsIndexed(ctx context.Context, txHashes []string) error
}

type InternalTransactionRepository interface {
	UpsertInternalTransactions(ctx context.Context, itxs []*model.InternalTransaction) error
	InternalTransactionsByTransactions(ctx context.Context, txHashes []string) ([]*model.InternalTransaction, error)
	MarkInternalTransactionsIndexed(ctx context.Context, txHashes []string) error
}

type AddressRepository interface {
	// EnsureAddresses inserts missing addresses at status imported and
	// returns the ones that were new.
	EnsureAddresses(ctx context.Context, addresses []string) ([]string, error)
	// UpdateAddress writes the downloaded columns. Status is not touched.
	UpdateAddress(ctx context.Context, a *model.Address) error
	GetAddresses(ctx context.Context, addresses []string) ([]*model.Address, error)
	// ContractABI returns the stored ABI of a contract, or nil.
	ContractABI(ctx context.Context, address string) ([]byte, error)
	SetContractABI(ctx context.Context, address string, abi []byte) error
}

type StatusRepository interface {
	claim.StatusWriter
	// KeysByStatus pages through keys at stage in key order, after the given key.
	KeysByStatus(ctx context.Context, stage model.Stage, after string, limit int) ([]string, error)
	CountByStatus(ctx context.Context, pipeline model.Pipeline) (map[model.Status]int64, error)
	// BlockProgress pages through blocks in number order, starting at fromNumber.
	BlockProgress(ctx context.Context, fromNumber uint64, limit int) ([]model.BlockProgress, error)
	BlockProgressByHash(ctx context.Context, hash string) (*model.BlockProgress, error)
	// ResetIndexed walks every pipeline back to its pre-index status.
	ResetIndexed(ctx context.Context) error
}

// BarrierRepository promotes records whose dependencies are complete. The
// gate is evaluated against current rows on every call.
type BarrierRepository interface {
	PromoteBlock(ctx context.Context, hash string) (bool, error)
	PromoteTransaction(ctx context.Context, hash string) (bool, error)
}

type Store interface {
	BlockRepository
	TransactionRepository
	LogRepository
	InternalTransactionRepository
	AddressRepository
	StatusRepository
	BarrierRepository
}
