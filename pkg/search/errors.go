package search

import "errors"

var (
	// ErrItemFailed marks a document the engine rejected inside a bulk request.
	ErrItemFailed = errors.New("bulk item failed")
	// ErrMissingResult marks a document the bulk response did not mention.
	ErrMissingResult = errors.New("bulk item missing from response")
)
