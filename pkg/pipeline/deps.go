package pipeline

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/claim"
	"github.com/ethpandaops/chain-indexer/pkg/ethereum"
	"github.com/ethpandaops/chain-indexer/pkg/ethereum/trace"
	"github.com/ethpandaops/chain-indexer/pkg/projector"
	"github.com/ethpandaops/chain-indexer/pkg/rowbuffer"
	"github.com/ethpandaops/chain-indexer/pkg/search"
	"github.com/ethpandaops/chain-indexer/pkg/store"
)

// Deps carries every collaborator a worker needs. It is assembled once by
// the server and passed down explicitly.
type Deps struct {
	Log      logrus.FieldLogger
	Store    store.Store
	Client   ethereum.Client
	Claimers claim.Factory

	// Traces is nil when internal transactions are not fetched; new
	// transactions then start with their internal status at skipped.
	Traces trace.Source

	Projector *projector.Projector
	Documents *rowbuffer.Buffer[search.Document]
}

func (d *Deps) Validate() error {
	switch {
	case d.Log == nil:
		return errors.New("pipeline: logger is required")
	case d.Store == nil:
		return errors.New("pipeline: store is required")
	case d.Client == nil:
		return errors.New("pipeline: chain client is required")
	case d.Claimers == nil:
		return errors.New("pipeline: claimer factory is required")
	case d.Projector == nil:
		return errors.New("pipeline: projector is required")
	case d.Documents == nil:
		return errors.New("pipeline: document buffer is required")
	}

	return nil
}

// NewDocumentBuffer pools documents from every indexer into shared bulk
// requests against c.
func NewDocumentBuffer(log logrus.FieldLogger, c search.ClientInterface, cfg BufferConfig) *rowbuffer.Buffer[search.Document] {
	return rowbuffer.New(rowbuffer.Config{
		MaxItems:      cfg.MaxDocuments,
		FlushInterval: cfg.FlushInterval,
		Name:          "documents",
	}, c.Bulk, log)
}
