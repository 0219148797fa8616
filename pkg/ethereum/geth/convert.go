package geth

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ethpandaops/chain-indexer/pkg/ethereum"
	"github.com/ethpandaops/chain-indexer/pkg/model"
)

func hexAddress(a common.Address) string {
	return model.NormalizeHex(a.Hex())
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}

	return v.String()
}

func convertHeader(h *types.Header) model.Block {
	return model.Block{
		Hash:       h.Hash().Hex(),
		Number:     h.Number.Uint64(),
		ParentHash: h.ParentHash.Hex(),
		Difficulty: bigString(h.Difficulty),
		GasLimit:   h.GasLimit,
		GasUsed:    h.GasUsed,
		Miner:      hexAddress(h.Coinbase),
		Nonce:      hexutil.Encode(h.Nonce[:]),
		Timestamp:  h.Time,
		Size:       uint64(h.Size()),
		BaseFee:    bigString(h.BaseFee),
	}
}

func convertBlock(b *types.Block) *ethereum.Block {
	header := convertHeader(b.Header())
	header.Size = b.Size()

	txs := b.Transactions()
	header.TransactionCount = len(txs)

	out := &ethereum.Block{
		Block:        header,
		Transactions: make([]*model.Transaction, 0, len(txs)),
	}

	for i, tx := range txs {
		out.Transactions = append(out.Transactions, convertTransaction(tx, &header, uint(i)))
	}

	return out
}

// sender recovers the from address with the signer matching the
// transaction's replay protection.
func sender(tx *types.Transaction) common.Address {
	var signer types.Signer

	chainID := tx.ChainId()
	if chainID == nil || chainID.Sign() == 0 {
		signer = types.HomesteadSigner{}
	} else {
		signer = types.LatestSignerForChainID(chainID)
	}

	from, _ := types.Sender(signer, tx)

	return from
}

func convertTransaction(tx *types.Transaction, block *model.Block, index uint) *model.Transaction {
	out := &model.Transaction{
		Hash:             tx.Hash().Hex(),
		BlockHash:        block.Hash,
		BlockNumber:      block.Number,
		TransactionIndex: index,
		From:             hexAddress(sender(tx)),
		Value:            bigString(tx.Value()),
		Gas:              tx.Gas(),
		GasPrice:         bigString(tx.GasPrice()),
		Nonce:            tx.Nonce(),
		Input:            hexutil.Encode(tx.Data()),
	}

	if to := tx.To(); to != nil {
		out.To = hexAddress(*to)
	}

	return out
}

func convertReceipt(r *types.Receipt) *ethereum.Receipt {
	out := &ethereum.Receipt{
		TransactionHash:   r.TxHash.Hex(),
		GasUsed:           r.GasUsed,
		CumulativeGasUsed: r.CumulativeGasUsed,
		Status:            r.Status,
		LogsBloom:         hexutil.Encode(r.Bloom[:]),
		Logs:              make([]*model.Log, 0, len(r.Logs)),
	}

	if r.ContractAddress != (common.Address{}) {
		out.ContractAddress = hexAddress(r.ContractAddress)
	}

	for _, l := range r.Logs {
		out.Logs = append(out.Logs, convertLog(l))
	}

	return out
}

func convertLog(l *types.Log) *model.Log {
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = t.Hex()
	}

	return &model.Log{
		TransactionHash: l.TxHash.Hex(),
		LogIndex:        l.Index,
		BlockHash:       l.BlockHash.Hex(),
		BlockNumber:     l.BlockNumber,
		Address:         hexAddress(l.Address),
		Data:            hexutil.Encode(l.Data),
		Topics:          topics,
		Removed:         l.Removed,
	}
}
