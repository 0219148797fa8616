// Package search writes documents to Elasticsearch over its REST api.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/common"
)

// Document is one search document. Routing is empty for join parents.
type Document struct {
	Index   string
	ID      string
	Routing string
	Body    map[string]any
}

type ClientInterface interface {
	// Bulk upserts docs and returns one entry per doc, nil on success. The
	// error is set when the request as a whole failed.
	Bulk(ctx context.Context, docs []Document) ([]error, error)
	CreateIndex(ctx context.Context, name string, body map[string]any) error
	DeleteIndex(ctx context.Context, name string) error
	IndexExists(ctx context.Context, name string) (bool, error)
	Ping(ctx context.Context) error
}

var _ ClientInterface = (*Client)(nil)

type Client struct {
	http   *resty.Client
	log    logrus.FieldLogger
	config *Config
}

func retryOn5xx(r *resty.Response, err error) bool {
	return err != nil || (r != nil && (r.StatusCode() >= http.StatusInternalServerError || r.StatusCode() == http.StatusTooManyRequests))
}

func New(log logrus.FieldLogger, config *Config) *Client {
	c := resty.New().
		SetBaseURL(config.Address).
		SetTimeout(config.Timeout).
		SetRetryCount(config.RetryCount).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(retryOn5xx).
		SetHeader("Accept", "application/json")

	switch {
	case config.APIKey != "":
		c.SetHeader("Authorization", "ApiKey "+config.APIKey)
	case config.Username != "":
		c.SetBasicAuth(config.Username, config.Password)
	}

	return &Client{
		http:   c,
		log:    log.WithField("component", "search"),
		config: config,
	}
}

type bulkAction struct {
	Update bulkMeta `json:"update"`
}

type bulkMeta struct {
	Index           string `json:"_index"`
	ID              string `json:"_id"`
	Routing         string `json:"routing,omitempty"`
	RetryOnConflict int    `json:"retry_on_conflict,omitempty"`
}

type bulkPayload struct {
	Doc         map[string]any `json:"doc"`
	DocAsUpsert bool           `json:"doc_as_upsert"`
}

type bulkItemError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type bulkItemResult struct {
	Index  string         `json:"_index"`
	ID     string         `json:"_id"`
	Status int            `json:"status"`
	Error  *bulkItemError `json:"error"`
}

type bulkResponse struct {
	Took   int                         `json:"took"`
	Errors bool                        `json:"errors"`
	Items  []map[string]bulkItemResult `json:"items"`
}

func encodeBulk(docs []Document, retryOnConflict int) ([]byte, error) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)

	for _, d := range docs {
		if err := enc.Encode(bulkAction{Update: bulkMeta{
			Index:           d.Index,
			ID:              d.ID,
			Routing:         d.Routing,
			RetryOnConflict: retryOnConflict,
		}}); err != nil {
			return nil, fmt.Errorf("failed to encode bulk action for %s: %w", d.ID, err)
		}

		if err := enc.Encode(bulkPayload{Doc: d.Body, DocAsUpsert: true}); err != nil {
			return nil, fmt.Errorf("failed to encode document %s: %w", d.ID, err)
		}
	}

	return buf.Bytes(), nil
}

func (c *Client) Bulk(ctx context.Context, docs []Document) ([]error, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	body, err := encodeBulk(docs, c.config.RetryOnConflict)
	if err != nil {
		return nil, err
	}

	var out bulkResponse

	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-ndjson").
		SetBody(body).
		SetResult(&out).
		ForceContentType("application/json").
		Post("/_bulk")
	if err != nil {
		return nil, fmt.Errorf("failed to send bulk request: %w", err)
	}

	if res.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("bulk request returned status %d: %s", res.StatusCode(), res.String())
	}

	errs := make([]error, len(docs))

	for i := range docs {
		if i >= len(out.Items) {
			errs[i] = fmt.Errorf("%w: %s", ErrMissingResult, docs[i].ID)

			continue
		}

		for _, item := range out.Items[i] {
			if item.Error == nil && item.Status < 300 {
				continue
			}

			reason := fmt.Sprintf("status %d", item.Status)
			if item.Error != nil {
				reason = item.Error.Type + ": " + item.Error.Reason
			}

			errs[i] = fmt.Errorf("%w: %s %s", ErrItemFailed, docs[i].ID, reason)

			common.BulkItemErrors.WithLabelValues(docs[i].Index).Inc()
		}
	}

	return errs, nil
}

func (c *Client) CreateIndex(ctx context.Context, name string, body map[string]any) error {
	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Put("/" + name)
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", name, err)
	}

	if res.IsError() {
		return fmt.Errorf("failed to create index %s: status %d: %s", name, res.StatusCode(), res.String())
	}

	return nil
}

func (c *Client) DeleteIndex(ctx context.Context, name string) error {
	res, err := c.http.R().SetContext(ctx).Delete("/" + name)
	if err != nil {
		return fmt.Errorf("failed to delete index %s: %w", name, err)
	}

	if res.IsError() && res.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("failed to delete index %s: status %d: %s", name, res.StatusCode(), res.String())
	}

	return nil
}

func (c *Client) IndexExists(ctx context.Context, name string) (bool, error) {
	res, err := c.http.R().SetContext(ctx).Head("/" + name)
	if err != nil {
		return false, fmt.Errorf("failed to check index %s: %w", name, err)
	}

	switch res.StatusCode() {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("failed to check index %s: status %d", name, res.StatusCode())
	}
}

func (c *Client) Ping(ctx context.Context) error {
	res, err := c.http.R().SetContext(ctx).Get("/")
	if err != nil {
		return fmt.Errorf("failed to ping search engine: %w", err)
	}

	if res.IsError() {
		return fmt.Errorf("search engine returned status %d", res.StatusCode())
	}

	return nil
}
