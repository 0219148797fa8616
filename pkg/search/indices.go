package search

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	BlocksTransactions = "blocks_transactions"
	Addresses          = "addresses"
	Monitoring         = "monitoring"
)

// Names resolves index names under a prefix.
type Names struct {
	Prefix string
}

func (n Names) name(base string) string {
	if n.Prefix == "" {
		return base
	}

	return n.Prefix + "_" + base
}

func (n Names) BlocksTransactions() string { return n.name(BlocksTransactions) }

func (n Names) Addresses() string { return n.name(Addresses) }

func (n Names) Monitoring() string { return n.name(Monitoring) }

type Index struct {
	Name string
	Body map[string]any
}

func keyword() map[string]any {
	return map[string]any{"type": "keyword", "normalizer": "lowercase_normalizer"}
}

func weiMapping() map[string]any {
	return map[string]any{
		"properties": map[string]any{
			"wei": map[string]any{"type": "double"},
			"eth": map[string]any{"type": "double"},
		},
	}
}

func addressSummaryMapping() map[string]any {
	return map[string]any{
		"properties": map[string]any{
			"address":     keyword(),
			"is_contract": map[string]any{"type": "boolean"},
			"implements":  map[string]any{"type": "object"},
			"metadata":    map[string]any{"type": "object"},
		},
	}
}

var normalizer = map[string]any{
	"lowercase_normalizer": map[string]any{
		"type":   "custom",
		"filter": []string{"lowercase"},
	},
}

func transactionProperties() map[string]any {
	return map[string]any{
		"type":         map[string]any{"type": "keyword"},
		"hash":         keyword(),
		"block_hash":   keyword(),
		"block_number": map[string]any{"type": "long"},
		"from":         addressSummaryMapping(),
		"to":           addressSummaryMapping(),
		"value":        weiMapping(),
		"logs": map[string]any{
			"type": "nested",
			"properties": map[string]any{
				"address":          keyword(),
				"block_hash":       keyword(),
				"transaction_hash": keyword(),
				"decoded":          map[string]any{"type": "object", "enabled": false},
			},
		},
		"internal_transactions": map[string]any{
			"type": "nested",
			"properties": map[string]any{
				"from":  keyword(),
				"to":    keyword(),
				"value": weiMapping(),
			},
		},
	}
}

// Indices returns every index definition under the given names.
func Indices(n Names) []Index {
	blocks := transactionProperties()
	blocks["join_field"] = map[string]any{
		"type":      "join",
		"relations": map[string]any{"block": "transaction"},
	}
	blocks["number"] = map[string]any{"type": "long"}

	addresses := transactionProperties()
	addresses["join_field"] = map[string]any{
		"type":      "join",
		"relations": map[string]any{"address": []string{"to_transaction", "from_transaction"}},
	}
	addresses["address"] = keyword()
	addresses["is_contract"] = map[string]any{"type": "boolean"}
	addresses["implements"] = map[string]any{"type": "object"}
	addresses["bytecode"] = map[string]any{"type": "text", "analyzer": "bytecode_analyzer"}

	return []Index{
		{
			Name: n.BlocksTransactions(),
			Body: map[string]any{
				"settings": map[string]any{"analysis": map[string]any{"normalizer": normalizer}},
				"mappings": map[string]any{"properties": blocks},
			},
		},
		{
			Name: n.Addresses(),
			Body: map[string]any{
				"settings": map[string]any{
					"analysis": map[string]any{
						"normalizer": normalizer,
						"analyzer": map[string]any{
							"bytecode_analyzer": map[string]any{"tokenizer": "bytecode_tokenizer"},
						},
						"tokenizer": map[string]any{
							"bytecode_tokenizer": map[string]any{
								"type":        "ngram",
								"min_gram":    8,
								"max_gram":    8,
								"token_chars": []string{"letter", "digit"},
							},
						},
					},
				},
				"mappings": map[string]any{"properties": addresses},
			},
		},
		{
			Name: n.Monitoring(),
			Body: map[string]any{
				"mappings": map[string]any{
					"properties": map[string]any{
						"hash":              map[string]any{"type": "keyword"},
						"number":            map[string]any{"type": "long"},
						"transaction_count": map[string]any{"type": "integer"},
						"imported_count":    map[string]any{"type": "integer"},
						"indexed_count":     map[string]any{"type": "integer"},
					},
				},
			},
		},
	}
}

// Ensure creates the indices that do not exist yet.
func Ensure(ctx context.Context, log logrus.FieldLogger, c ClientInterface, indices []Index) error {
	for _, idx := range indices {
		exists, err := c.IndexExists(ctx, idx.Name)
		if err != nil {
			return err
		}

		if exists {
			continue
		}

		if err := c.CreateIndex(ctx, idx.Name, idx.Body); err != nil {
			return err
		}

		log.WithField("index", idx.Name).Info("Created search index")
	}

	return nil
}

// Reset deletes and recreates every index.
func Reset(ctx context.Context, log logrus.FieldLogger, c ClientInterface, indices []Index) error {
	for _, idx := range indices {
		exists, err := c.IndexExists(ctx, idx.Name)
		if err != nil {
			return err
		}

		if exists {
			if err := c.DeleteIndex(ctx, idx.Name); err != nil {
				return err
			}
		}

		if err := c.CreateIndex(ctx, idx.Name, idx.Body); err != nil {
			return fmt.Errorf("failed to recreate index %s: %w", idx.Name, err)
		}

		log.WithField("index", idx.Name).Info("Reset search index")
	}

	return nil
}
