package geth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	pcommon "github.com/ethpandaops/chain-indexer/pkg/common"
	"github.com/ethpandaops/chain-indexer/pkg/ethereum"
)

const (
	statusError   = "error"
	statusSuccess = "success"
)

func (n *RPCNode) observe(method string, start time.Time, err error) {
	status := statusSuccess
	if err != nil {
		status = statusError
	}

	chainID := strconv.FormatInt(n.ChainID(), 10)

	pcommon.RPCCallDuration.WithLabelValues(chainID, n.config.Name, method, status).Observe(time.Since(start).Seconds())
	pcommon.RPCCallsTotal.WithLabelValues(chainID, n.config.Name, method, status).Inc()
}

// notFound maps go-ethereum's not-found to the given sentinel.
func notFound(err, sentinel error, what string) error {
	if errors.Is(err, goethereum.NotFound) || ethereum.IsNotFoundError(err) {
		return fmt.Errorf("%w: %s", sentinel, what)
	}

	return err
}

func (n *RPCNode) HeadBlock(ctx context.Context) (*ethereum.Block, error) {
	start := time.Now()

	header, err := n.client.HeaderByNumber(ctx, nil)

	n.observe("eth_getBlockByNumber", start, err)

	if err != nil {
		return nil, notFound(err, ethereum.ErrBlockNotFound, "latest")
	}

	return &ethereum.Block{Block: convertHeader(header)}, nil
}

func (n *RPCNode) BlockByNumber(ctx context.Context, number uint64) (*ethereum.Block, error) {
	start := time.Now()

	block, err := n.client.BlockByNumber(ctx, new(big.Int).SetUint64(number))

	n.observe("eth_getBlockByNumber", start, err)

	if err != nil {
		return nil, notFound(err, ethereum.ErrBlockNotFound, strconv.FormatUint(number, 10))
	}

	return convertBlock(block), nil
}

func (n *RPCNode) BlockByHash(ctx context.Context, hash string) (*ethereum.Block, error) {
	start := time.Now()

	block, err := n.client.BlockByHash(ctx, common.HexToHash(hash))

	n.observe("eth_getBlockByHash", start, err)

	if err != nil {
		return nil, notFound(err, ethereum.ErrBlockNotFound, hash)
	}

	return convertBlock(block), nil
}

func (n *RPCNode) TransactionReceipt(ctx context.Context, hash string) (*ethereum.Receipt, error) {
	start := time.Now()

	receipt, err := n.client.TransactionReceipt(ctx, common.HexToHash(hash))

	n.observe("eth_getTransactionReceipt", start, err)

	if err != nil {
		return nil, notFound(err, ethereum.ErrTransactionNotFound, hash)
	}

	return convertReceipt(receipt), nil
}

func (n *RPCNode) CodeAt(ctx context.Context, address string) (string, error) {
	start := time.Now()

	code, err := n.client.CodeAt(ctx, common.HexToAddress(address), nil)

	n.observe("eth_getCode", start, err)

	if err != nil {
		return "", err
	}

	return hexutil.Encode(code), nil
}

func (n *RPCNode) CallContract(ctx context.Context, address string, data []byte) ([]byte, error) {
	start := time.Now()

	to := common.HexToAddress(address)

	out, err := n.client.CallContract(ctx, goethereum.CallMsg{To: &to, Data: data}, nil)

	n.observe("eth_call", start, err)

	return out, err
}
