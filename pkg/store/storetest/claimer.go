package storetest

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/chain-indexer/pkg/claim"
	"github.com/ethpandaops/chain-indexer/pkg/model"
)

// Compile-time check that Claimer implements claim.Claimer.
var _ claim.Claimer = (*Claimer)(nil)

// Claimer mirrors the row-lock claimer against the in-memory tables.
type Claimer struct {
	store    *Store
	identity string
}

func NewClaimer(s *Store, role string) *Claimer {
	return &Claimer{store: s, identity: claim.NewIdentity(role)}
}

// Factory returns a claim.Factory over s.
func Factory(s *Store) claim.Factory {
	return func(role string) claim.Claimer {
		return NewClaimer(s, role)
	}
}

func (c *Claimer) Identity() string {
	return c.identity
}

func (c *Claimer) Claim(_ context.Context, stage model.Stage, n int) ([]string, error) {
	if err := claim.CheckClaim(stage, n); err != nil {
		return nil, err
	}

	s := c.store

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string

	for _, key := range s.keys(stage.Pipeline) {
		if len(out) == n {
			break
		}

		k := lockKey{stage.Pipeline, key}
		if _, locked := s.locks[k]; locked {
			continue
		}

		if st := s.statuses(stage.Pipeline, key); len(st) == 0 || *st[0] != stage.Status {
			continue
		}

		s.locks[k] = lock{owner: c.identity, at: s.Now()}
		out = append(out, key)
	}

	return out, nil
}

func (c *Claimer) Release(_ context.Context, stage model.Stage, keys []string) error {
	s := c.store

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		k := lockKey{stage.Pipeline, key}
		if l, ok := s.locks[k]; ok && l.owner == c.identity {
			delete(s.locks, k)
		}
	}

	return nil
}

func (c *Claimer) Advance(_ context.Context, stage model.Stage, keys []string, next model.Status) ([]string, error) {
	if err := claim.CheckAdvance(stage, next); err != nil {
		return nil, err
	}

	s := c.store

	s.mu.Lock()
	defer s.mu.Unlock()

	var advanced []string

	for _, key := range keys {
		k := lockKey{stage.Pipeline, key}
		if l, ok := s.locks[k]; !ok || l.owner != c.identity {
			continue
		}

		st := s.statuses(stage.Pipeline, key)
		if len(st) == 0 || *st[0] != stage.Status {
			continue
		}

		*st[0] = next
		delete(s.locks, k)
		advanced = append(advanced, key)
	}

	if len(advanced) != len(keys) {
		return advanced, fmt.Errorf("%w: advanced %d of %d at %s", claim.ErrNotHeld, len(advanced), len(keys), stage)
	}

	return advanced, nil
}

func (c *Claimer) Offer(_ context.Context, _ model.Stage, _ []string) error {
	return nil
}

func (c *Claimer) Heartbeat(_ context.Context) error {
	s := c.store

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()

	for k, l := range s.locks {
		if l.owner == c.identity {
			s.locks[k] = lock{owner: l.owner, at: now}
		}
	}

	return nil
}

func (c *Claimer) ReleaseAll(_ context.Context) (int, error) {
	return c.drop(func(l lock) bool { return l.owner == c.identity }), nil
}

func (c *Claimer) SweepStale(_ context.Context, cutoff time.Time) (int, error) {
	return c.drop(func(l lock) bool { return l.at.Before(cutoff) }), nil
}

func (c *Claimer) drop(match func(lock) bool) int {
	s := c.store

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for k, l := range s.locks {
		if match(l) {
			delete(s.locks, k)
			n++
		}
	}

	return n
}
