package ethereum

import (
	"errors"
	"strings"
)

// Sentinel errors for chain node operations.
var (
	// ErrNoHealthyNode indicates no healthy execution node is available.
	ErrNoHealthyNode = errors.New("no healthy execution node available")

	// ErrBlockNotFound indicates a block was not found on the execution client.
	ErrBlockNotFound = errors.New("block not found")

	// ErrTransactionNotFound indicates a transaction was not found.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrUnsupportedChainID indicates an unsupported chain ID was provided.
	ErrUnsupportedChainID = errors.New("unsupported chain ID")
)

// IsNotFoundError reports whether err means the node does not (yet) know the
// requested object. Nodes word this differently, so the message is checked
// when no sentinel matches.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrBlockNotFound) || errors.Is(err, ErrTransactionNotFound) {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "not found")
}
