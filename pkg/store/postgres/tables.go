package postgres

import (
	"fmt"

	"github.com/ethpandaops/chain-indexer/pkg/model"
)

// pipelineTable maps a pipeline onto the columns that carry its lifecycle.
type pipelineTable struct {
	table    string
	key      string
	status   string
	lockedBy string
	lockedAt string
	// prefix is prepended to the downloaded_/indexed_ audit columns.
	prefix string
}

var pipelineTables = map[model.Pipeline]pipelineTable{
	model.PipelineBlocks: {
		table: "blocks", key: "hash", status: "status",
		lockedBy: "locked_by", lockedAt: "locked_at",
	},
	model.PipelineTransactions: {
		table: "transactions", key: "hash", status: "status",
		lockedBy: "locked_by", lockedAt: "locked_at",
	},
	model.PipelineInternalTransactions: {
		table: "transactions", key: "hash", status: "internal_transaction_status",
		lockedBy: "internal_locked_by", lockedAt: "internal_locked_at", prefix: "internal_",
	},
	model.PipelineAddresses: {
		table: "addresses", key: "address", status: "status",
		lockedBy: "locked_by", lockedAt: "locked_at",
	},
	model.PipelineLogs: {
		table: "logs", key: "transaction_hash", status: "status",
	},
}

// lockColumns lists every distinct lock column pair.
var lockColumns = []pipelineTable{
	pipelineTables[model.PipelineBlocks],
	pipelineTables[model.PipelineTransactions],
	pipelineTables[model.PipelineInternalTransactions],
	pipelineTables[model.PipelineAddresses],
}

func tableFor(p model.Pipeline) (pipelineTable, error) {
	t, ok := pipelineTables[p]
	if !ok {
		return pipelineTable{}, fmt.Errorf("%w: %q", model.ErrUnknownPipeline, p)
	}

	return t, nil
}

// stamp returns the audit (by, at) columns written when moving to next.
func (t pipelineTable) stamp(next model.Status) (string, string, bool) {
	switch {
	case t.table == "logs" && next == model.StatusIndexed:
		return "", "indexed_at", true
	case t.table == "logs":
		return "", "", false
	case next == model.StatusDownloaded, next == model.StatusSkipped:
		if t.prefix == "" && next == model.StatusSkipped {
			return "", "", false
		}

		return t.prefix + "downloaded_by", t.prefix + "downloaded_at", true
	case next == model.StatusIndexed && t.prefix == "":
		return "indexed_by", "indexed_at", true
	}

	return "", "", false
}
