package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/ethereum"
)

var _ Source = (*ExplorerSource)(nil)

const noTransactionsFound = "No transactions found"

type explorerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type explorerInternal struct {
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	ContractAddress string `json:"contractAddress"`
	Input           string `json:"input"`
	Type            string `json:"type"`
	Gas             string `json:"gas"`
	GasUsed         string `json:"gasUsed"`
	TraceID         string `json:"traceId"`
	IsError         string `json:"isError"`
	ErrCode         string `json:"errCode"`
}

// ExplorerSource reads txlistinternal from an Etherscan-compatible api.
type ExplorerSource struct {
	log    logrus.FieldLogger
	client *resty.Client
	url    string
	apiKey string
}

func retryOnErrOr5xx(r *resty.Response, err error) bool {
	return err != nil || (r != nil && (r.StatusCode() >= http.StatusInternalServerError || r.StatusCode() == http.StatusTooManyRequests))
}

func NewExplorerSource(log logrus.FieldLogger, cfg *Config) *ExplorerSource {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(retryOnErrOr5xx).
		SetHeader("Accept", "application/json")

	return &ExplorerSource{
		log:    log.WithField("component", "trace/explorer"),
		client: client,
		url:    cfg.ExplorerURL,
		apiKey: cfg.ExplorerAPIKey,
	}
}

func (s *ExplorerSource) Name() string {
	return SourceExplorer
}

func (s *ExplorerSource) Traces(ctx context.Context, txHash string) ([]Trace, error) {
	var body explorerResponse

	params := map[string]string{
		"module": "account",
		"action": "txlistinternal",
		"txhash": txHash,
	}

	if s.apiKey != "" {
		params["apikey"] = s.apiKey
	}

	res, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&body).
		ForceContentType("application/json").
		Get(s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch internal transactions for %s: %w", txHash, err)
	}

	if res.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("explorer returned status %d for %s", res.StatusCode(), txHash)
	}

	if body.Status != "1" {
		if strings.EqualFold(body.Message, noTransactionsFound) {
			return []Trace{}, nil
		}

		if ethereum.IsNotFoundError(errors.New(body.Message)) {
			return nil, fmt.Errorf("%w: %s", ethereum.ErrTransactionNotFound, txHash)
		}

		return nil, fmt.Errorf("explorer error for %s: %s", txHash, body.Message)
	}

	var items []explorerInternal
	if err := json.Unmarshal(body.Result, &items); err != nil {
		return nil, fmt.Errorf("failed to decode internal transactions for %s: %w", txHash, err)
	}

	out := make([]Trace, 0, len(items))

	for i, it := range items {
		out = append(out, fromExplorer(it, i))
	}

	return out, nil
}

func parseUint(v string) uint64 {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}

	return n
}

// parseTraceID turns "0_1_2" into [0 1 2]. Entries without an id are treated
// as direct children of the top-level call.
func parseTraceID(id string, index int) []int {
	if id == "" {
		return []int{index}
	}

	parts := strings.Split(id, "_")
	out := make([]int, 0, len(parts))

	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return []int{index}
		}

		out = append(out, n)
	}

	return out
}

func fromExplorer(it explorerInternal, index int) Trace {
	t := Trace{
		Type:            strings.ToLower(it.Type),
		From:            it.From,
		To:              it.To,
		Value:           it.Value,
		Gas:             parseUint(it.Gas),
		GasUsed:         parseUint(it.GasUsed),
		Input:           it.Input,
		ContractAddress: it.ContractAddress,
		TraceAddress:    parseTraceID(it.TraceID, index),
	}

	if t.Value == "" {
		t.Value = "0"
	}

	if strings.HasPrefix(t.Type, TypeCreate) {
		t.Type = TypeCreate
	}

	if it.IsError != "" && it.IsError != "0" {
		t.Error = it.ErrCode
		if t.Error == "" {
			t.Error = "execution error"
		}
	}

	return t
}
