// Package claim defines how workers take exclusive ownership of records that
// sit at a claimable stage.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ethpandaops/chain-indexer/pkg/model"
)

var (
	// ErrNotClaimable is returned for stages no worker consumes from.
	ErrNotClaimable = errors.New("stage is not claimable")
	// ErrNotHeld is returned when some keys were not claimed by this identity.
	ErrNotHeld = errors.New("keys not held by this claimer")
)

// Claimer hands out records to exactly one holder at a time.
type Claimer interface {
	// Identity is "<role>@<uuid>" and is stamped on every claim.
	Identity() string
	// Claim returns up to n keys at stage, now held by this identity.
	Claim(ctx context.Context, stage model.Stage, n int) ([]string, error)
	// Release gives keys back without changing their status.
	Release(ctx context.Context, stage model.Stage, keys []string) error
	// Advance moves held keys to next, drops the claim and returns the keys
	// that moved. The move is validated against the state machine. When
	// some keys were not held, the others still move and ErrNotHeld is
	// returned alongside them.
	Advance(ctx context.Context, stage model.Stage, keys []string, next model.Status) ([]string, error)
	// Offer makes keys at stage eligible for claiming.
	Offer(ctx context.Context, stage model.Stage, keys []string) error
	// Heartbeat refreshes the claim timestamp of everything this identity holds.
	Heartbeat(ctx context.Context) error
	// ReleaseAll drops every claim held by this identity.
	ReleaseAll(ctx context.Context) (int, error)
	// SweepStale drops claims, held by anyone, last refreshed before cutoff.
	SweepStale(ctx context.Context, cutoff time.Time) (int, error)
}

// Factory creates a claimer with a fresh identity for the given role.
type Factory func(role string) Claimer

// StatusWriter persists a status move in the store of record. Only rows
// currently at stage.Status move, and their keys are returned.
type StatusWriter interface {
	SetStatus(ctx context.Context, stage model.Stage, keys []string, next model.Status) ([]string, error)
}

func NewIdentity(role string) string {
	return fmt.Sprintf("%s@%s", role, uuid.NewString())
}

// CheckClaim validates the arguments of a Claim call.
func CheckClaim(stage model.Stage, n int) error {
	if !stage.Claimable() {
		return fmt.Errorf("%w: %s", ErrNotClaimable, stage)
	}

	if n <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", n)
	}

	return nil
}

// CheckAdvance validates the arguments of an Advance call.
func CheckAdvance(stage model.Stage, next model.Status) error {
	if !stage.Claimable() {
		return fmt.Errorf("%w: %s", ErrNotClaimable, stage)
	}

	return model.ValidateTransition(stage.Pipeline, stage.Status, next)
}
