// Package trace fetches the internal calls of a transaction.
package trace

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethpandaops/chain-indexer/pkg/model"
)

const (
	TypeCall    = "call"
	TypeCreate  = "create"
	TypeSuicide = "suicide"
)

// ErrDisabled is returned by New when no source is configured.
var ErrDisabled = errors.New("internal transaction source disabled")

// Source returns the traces of one transaction. Values are decimal wei.
type Source interface {
	Name() string
	Traces(ctx context.Context, txHash string) ([]Trace, error)
}

type Trace struct {
	Type            string
	From            string
	To              string
	Value           string
	Gas             uint64
	GasUsed         uint64
	Input           string
	ContractAddress string
	TraceAddress    []int
	Error           string
}

func (t *Trace) hasValue() bool {
	v, ok := new(big.Int).SetString(t.Value, 10)

	return ok && v.Sign() != 0
}

// Keep reports whether a trace is worth storing: every create, and every
// nested call that moves value. The top-level call is the transaction itself.
func Keep(t *Trace) bool {
	if t.Type == TypeCreate {
		return true
	}

	return t.hasValue() && len(t.TraceAddress) > 0
}

// Build filters traces and turns the kept ones into rows of tx. Indices are
// assigned after filtering so they are dense.
func Build(tx *model.Transaction, traces []Trace) []*model.InternalTransaction {
	out := make([]*model.InternalTransaction, 0, len(traces))

	for i := range traces {
		t := &traces[i]
		if !Keep(t) {
			continue
		}

		to := t.To
		if to == "" {
			to = t.ContractAddress
		}

		traceAddress := t.TraceAddress
		if traceAddress == nil {
			traceAddress = []int{}
		}

		out = append(out, &model.InternalTransaction{
			TransactionHash: tx.Hash,
			Index:           len(out),
			BlockHash:       tx.BlockHash,
			BlockNumber:     tx.BlockNumber,
			Type:            t.Type,
			From:            model.NormalizeHex(t.From),
			To:              model.NormalizeHex(to),
			Value:           t.Value,
			Gas:             t.Gas,
			GasUsed:         t.GasUsed,
			Input:           t.Input,
			ContractAddress: model.NormalizeHex(t.ContractAddress),
			TraceAddress:    traceAddress,
			Error:           t.Error,
			Status:          model.StatusDownloaded,
		})
	}

	return out
}
