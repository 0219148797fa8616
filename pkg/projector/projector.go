// Package projector builds search documents from relational rows. It performs
// no I/O.
package projector

import (
	"math/big"

	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/search"
)

const (
	RoleBlock           = "block"
	RoleTransaction     = "transaction"
	RoleFromTransaction = "from_transaction"
	RoleToTransaction   = "to_transaction"
	RoleAddress         = "address"
)

var weiPerEther = new(big.Float).SetInt(big.NewInt(1_000_000_000_000_000_000))

// ID is the document id of key under role.
func ID(role, key string) string {
	return role + ":" + key
}

// TransactionSet is a transaction with everything its documents embed.
// From and To may be nil when the address rows are not loaded yet.
type TransactionSet struct {
	Transaction *model.Transaction
	From        *model.Address
	To          *model.Address
	Logs        []*model.Log
	Internal    []*model.InternalTransaction
}

type Projector struct {
	names search.Names
}

func New(names search.Names) *Projector {
	return &Projector{names: names}
}

func wei(v string) map[string]any {
	out := map[string]any{"wei": v}

	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		out["wei"] = "0"
		out["eth"] = 0.0

		return out
	}

	eth, _ := new(big.Float).Quo(new(big.Float).SetInt(n), weiPerEther).Float64()
	out["eth"] = eth

	return out
}

func (p *Projector) Block(b *model.Block) search.Document {
	return search.Document{
		Index: p.names.BlocksTransactions(),
		ID:    ID(RoleBlock, b.Hash),
		Body: map[string]any{
			"type":              RoleBlock,
			"join_field":        RoleBlock,
			"hash":              b.Hash,
			"number":            b.Number,
			"parent_hash":       b.ParentHash,
			"difficulty":        b.Difficulty,
			"gas_limit":         b.GasLimit,
			"gas_used":          b.GasUsed,
			"miner":             b.Miner,
			"nonce":             b.Nonce,
			"timestamp":         b.Timestamp,
			"size":              b.Size,
			"base_fee":          b.BaseFee,
			"transaction_count": b.TransactionCount,
		},
	}
}

func addressSummary(key string, a *model.Address) map[string]any {
	out := map[string]any{"address": key}
	if a == nil {
		return out
	}

	out["is_contract"] = a.IsContract
	out["implements"] = a.Implements
	out["metadata"] = a.Metadata

	return out
}

func logBodies(logs []*model.Log) []map[string]any {
	out := make([]map[string]any, 0, len(logs))

	for _, l := range logs {
		decoded := map[string]any{}
		if !l.Decoded.Empty() {
			decoded["event"] = l.Decoded.Event
			decoded["args"] = l.Decoded.Args
		}

		out = append(out, map[string]any{
			"transaction_hash": l.TransactionHash,
			"log_index":        l.LogIndex,
			"block_hash":       l.BlockHash,
			"block_number":     l.BlockNumber,
			"address":          l.Address,
			"data":             l.Data,
			"topics":           l.Topics,
			"removed":          l.Removed,
			"decoded":          decoded,
		})
	}

	return out
}

func internalBodies(itxs []*model.InternalTransaction) []map[string]any {
	out := make([]map[string]any, 0, len(itxs))

	for _, it := range itxs {
		out = append(out, map[string]any{
			"internal_transaction_index": it.Index,
			"type":                       it.Type,
			"from":                       it.From,
			"to":                         it.To,
			"value":                      wei(it.Value),
			"gas":                        it.Gas,
			"gas_used":                   it.GasUsed,
			"contract_address":           it.ContractAddress,
			"trace_address":              it.TraceAddress,
			"error":                      it.Error,
		})
	}

	return out
}

func (p *Projector) transactionBody(set *TransactionSet, role string) map[string]any {
	tx := set.Transaction

	body := map[string]any{
		"type":                  role,
		"hash":                  tx.Hash,
		"block_hash":            tx.BlockHash,
		"block_number":          tx.BlockNumber,
		"transaction_index":     tx.TransactionIndex,
		"from":                  addressSummary(tx.From, set.From),
		"value":                 wei(tx.Value),
		"gas":                   tx.Gas,
		"gas_price":             tx.GasPrice,
		"nonce":                 tx.Nonce,
		"input":                 tx.Input,
		"gas_used":              tx.GasUsed,
		"cumulative_gas_used":   tx.CumulativeGasUsed,
		"contract_address":      tx.ContractAddress,
		"logs":                  logBodies(set.Logs),
		"internal_transactions": internalBodies(set.Internal),
	}

	if to := tx.Counterparty(); to != "" {
		body["to"] = addressSummary(to, set.To)
	}

	if tx.ReceiptStatus != nil {
		body["receipt_status"] = *tx.ReceiptStatus
	}

	return body
}

func child(role, parent string) map[string]any {
	return map[string]any{"name": role, "parent": parent}
}

// Transaction returns the block child document and the address children for
// the sender and the counterparty. A self transfer yields one document per role.
func (p *Projector) Transaction(set *TransactionSet) []search.Document {
	tx := set.Transaction
	blockParent := ID(RoleBlock, tx.BlockHash)

	main := p.transactionBody(set, RoleTransaction)
	main["join_field"] = child(RoleTransaction, blockParent)

	docs := []search.Document{{
		Index:   p.names.BlocksTransactions(),
		ID:      ID(RoleTransaction, tx.Hash),
		Routing: blockParent,
		Body:    main,
	}}

	fromParent := ID(RoleAddress, tx.From)
	from := p.transactionBody(set, RoleFromTransaction)
	from["join_field"] = child(RoleFromTransaction, fromParent)

	docs = append(docs, search.Document{
		Index:   p.names.Addresses(),
		ID:      ID(RoleFromTransaction, tx.Hash),
		Routing: fromParent,
		Body:    from,
	})

	if counterparty := tx.Counterparty(); counterparty != "" {
		toParent := ID(RoleAddress, counterparty)
		to := p.transactionBody(set, RoleToTransaction)
		to["join_field"] = child(RoleToTransaction, toParent)

		docs = append(docs, search.Document{
			Index:   p.names.Addresses(),
			ID:      ID(RoleToTransaction, tx.Hash),
			Routing: toParent,
			Body:    to,
		})
	}

	return docs
}

func (p *Projector) Address(a *model.Address) search.Document {
	body := map[string]any{
		"type":        RoleAddress,
		"join_field":  RoleAddress,
		"address":     a.Address,
		"is_contract": a.IsContract,
		"implements":  a.Implements,
		"metadata":    a.Metadata,
	}

	if a.IsContract {
		body["bytecode"] = a.Bytecode
	}

	return search.Document{
		Index: p.names.Addresses(),
		ID:    ID(RoleAddress, a.Address),
		Body:  body,
	}
}

func (p *Projector) Progress(bp *model.BlockProgress) search.Document {
	return search.Document{
		Index: p.names.Monitoring(),
		ID:    ID(RoleBlock, bp.Hash),
		Body: map[string]any{
			"hash":              bp.Hash,
			"number":            bp.Number,
			"status":            bp.Status,
			"transaction_count": bp.TransactionCount,
			"imported_count":    bp.ImportedCount,
			"indexed_count":     bp.IndexedCount,
		},
	}
}
