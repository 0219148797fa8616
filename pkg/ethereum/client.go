// Package ethereum reaches execution nodes over JSON-RPC and converts their
// responses into indexer rows.
package ethereum

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/model"
)

// Block is a block row together with its transaction bodies. Header-only
// lookups leave Transactions nil.
type Block struct {
	model.Block
	Transactions []*model.Transaction
}

// Receipt holds the receipt columns of a transaction and its logs.
type Receipt struct {
	TransactionHash   string
	ContractAddress   string
	GasUsed           uint64
	CumulativeGasUsed uint64
	Status            uint64
	LogsBloom         string
	Logs              []*model.Log
}

// Client is the subset of node functionality the indexer needs. Every call
// may fail with a not-found error, which callers treat as transient.
type Client interface {
	// HeadBlock returns the header of the latest block.
	HeadBlock(ctx context.Context) (*Block, error)
	BlockByNumber(ctx context.Context, number uint64) (*Block, error)
	BlockByHash(ctx context.Context, hash string) (*Block, error)
	TransactionReceipt(ctx context.Context, hash string) (*Receipt, error)
	// CodeAt returns the hex encoded bytecode at address, "0x" for accounts.
	CodeAt(ctx context.Context, address string) (string, error)
	// CallContract executes a read-only call against the latest state.
	CallContract(ctx context.Context, address string, data []byte) ([]byte, error)
}

// Node is a Client with a lifecycle and node metadata.
type Node interface {
	Client

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// OnReady registers a callback run once the node's metadata is known.
	OnReady(ctx context.Context, callback func(ctx context.Context) error)

	Name() string
	ChainID() int64
	ClientType() string
	IsSynced() bool
}

// NodeFactory builds a Node from its configuration.
type NodeFactory func(log logrus.FieldLogger, conf *NodeConfig) Node
