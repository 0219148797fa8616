package trace

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/0xsequence/ethkit/ethrpc"
	"github.com/sirupsen/logrus"

	pcommon "github.com/ethpandaops/chain-indexer/pkg/common"
	"github.com/ethpandaops/chain-indexer/pkg/ethereum"
)

var _ Source = (*NodeSource)(nil)

// action covers both call and create actions of a parity-style trace.
type action struct {
	CallType string `json:"callType"`
	From     string `json:"from"`
	To       string `json:"to"`
	Gas      string `json:"gas"`
	Input    string `json:"input"`
	Init     string `json:"init"`
	Value    string `json:"value"`
}

type result struct {
	GasUsed string `json:"gasUsed"`
	Address string `json:"address"`
}

type parityTrace struct {
	Action       action  `json:"action"`
	Result       *result `json:"result"`
	TraceAddress []int   `json:"traceAddress"`
	Type         string  `json:"type"`
	Error        string  `json:"error"`
}

type replayResult struct {
	Trace []parityTrace `json:"trace"`
}

// NodeSource replays transactions with trace_replayTransaction.
type NodeSource struct {
	log      logrus.FieldLogger
	provider *ethrpc.Provider
	addr     string
}

type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for key, value := range t.headers {
		req.Header.Set(key, value)
	}

	return t.base.RoundTrip(req)
}

func NewNodeSource(log logrus.FieldLogger, addr string, headers map[string]string) (*NodeSource, error) {
	httpClient := http.Client{
		Transport: &headerTransport{headers: headers, base: http.DefaultTransport},
	}

	provider, err := ethrpc.NewProvider(addr, ethrpc.WithHTTPClient(&httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace RPC provider for %s: %w", addr, err)
	}

	return &NodeSource{
		log:      log.WithField("component", "trace/node"),
		provider: provider,
		addr:     addr,
	}, nil
}

func (s *NodeSource) Name() string {
	return SourceNode
}

func (s *NodeSource) Traces(ctx context.Context, txHash string) ([]Trace, error) {
	var rsp *replayResult

	call := ethrpc.NewCallBuilder[*replayResult]("trace_replayTransaction", nil, txHash, []string{"trace"})

	start := time.Now()
	_, err := s.provider.Do(ctx, call.Into(&rsp))

	status := "success"
	if err != nil {
		status = "error"
	}

	pcommon.RPCCallDuration.WithLabelValues("", s.addr, "trace_replayTransaction", status).Observe(time.Since(start).Seconds())
	pcommon.RPCCallsTotal.WithLabelValues("", s.addr, "trace_replayTransaction", status).Inc()

	if err != nil {
		if ethereum.IsNotFoundError(err) || strings.Contains(err.Error(), "TransactionNotFound") {
			return nil, fmt.Errorf("%w: %s", ethereum.ErrTransactionNotFound, txHash)
		}

		return nil, fmt.Errorf("failed to replay transaction %s: %w", txHash, err)
	}

	if rsp == nil {
		return nil, fmt.Errorf("%w: %s", ethereum.ErrTransactionNotFound, txHash)
	}

	out := make([]Trace, 0, len(rsp.Trace))

	for _, pt := range rsp.Trace {
		out = append(out, fromParity(pt))
	}

	return out, nil
}

func hexToDecimal(v string) string {
	if v == "" {
		return "0"
	}

	n, ok := new(big.Int).SetString(trimHex(v), 16)
	if !ok {
		return "0"
	}

	return n.String()
}

func hexToUint(v string) uint64 {
	n, ok := new(big.Int).SetString(trimHex(v), 16)
	if !ok || !n.IsUint64() {
		return 0
	}

	return n.Uint64()
}

func trimHex(v string) string {
	if len(v) >= 2 && (v[:2] == "0x" || v[:2] == "0X") {
		v = v[2:]
	}

	if v == "" {
		return "0"
	}

	return v
}

func fromParity(pt parityTrace) Trace {
	t := Trace{
		Type:         pt.Type,
		From:         pt.Action.From,
		To:           pt.Action.To,
		Value:        hexToDecimal(pt.Action.Value),
		Gas:          hexToUint(pt.Action.Gas),
		Input:        pt.Action.Input,
		TraceAddress: pt.TraceAddress,
		Error:        pt.Error,
	}

	if pt.Type == TypeCreate {
		t.Input = pt.Action.Init
	}

	if pt.Result != nil {
		t.GasUsed = hexToUint(pt.Result.GasUsed)
		t.ContractAddress = pt.Result.Address
	}

	return t
}
