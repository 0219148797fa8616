package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/claim"
	"github.com/ethpandaops/chain-indexer/pkg/common"
	"github.com/ethpandaops/chain-indexer/pkg/model"
)

// Compile-time check that Claimer implements claim.Claimer.
var _ claim.Claimer = (*Claimer)(nil)

// Claimer claims rows by stamping their lock columns inside a transaction
// that skips rows locked by concurrent claimers.
type Claimer struct {
	db       *sql.DB
	identity string
	log      logrus.FieldLogger
}

func NewClaimer(db *sql.DB, log logrus.FieldLogger, role string) *Claimer {
	identity := claim.NewIdentity(role)

	return &Claimer{
		db:       db,
		identity: identity,
		log:      log.WithFields(logrus.Fields{"component": "rowlock-claimer", "identity": identity}),
	}
}

// NewClaimerFactory returns a factory sharing one connection pool.
func NewClaimerFactory(db *sql.DB, log logrus.FieldLogger) claim.Factory {
	return func(role string) claim.Claimer {
		return NewClaimer(db, log, role)
	}
}

func (c *Claimer) Identity() string {
	return c.identity
}

func (c *Claimer) Claim(ctx context.Context, stage model.Stage, n int) ([]string, error) {
	if err := claim.CheckClaim(stage, n); err != nil {
		return nil, err
	}

	t, err := tableFor(stage.Pipeline)
	if err != nil {
		return nil, err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	candidates, err := queryStrings(ctx, tx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s = $1 AND %s IS NULL LIMIT $2 FOR UPDATE SKIP LOCKED`,
		t.key, t.table, t.status, t.lockedBy), string(stage.Status), n)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s candidates: %w", stage, err)
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	keys, err := queryStrings(ctx, tx, fmt.Sprintf(
		`UPDATE %s SET %s = $1, %s = now() WHERE %s = ANY($2) AND %s IS NULL RETURNING %s`,
		t.table, t.lockedBy, t.lockedAt, t.key, t.lockedBy, t.key), c.identity, pq.Array(candidates))
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s candidates: %w", stage, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	common.ClaimsTotal.WithLabelValues(stage.String(), "rowlock").Add(float64(len(keys)))

	return keys, nil
}

func (c *Claimer) Release(ctx context.Context, stage model.Stage, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	t, err := tableFor(stage.Pipeline)
	if err != nil {
		return err
	}

	res, err := c.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET %s = NULL, %s = NULL WHERE %s = ANY($1) AND %s = $2 AND %s = $3`,
		t.table, t.lockedBy, t.lockedAt, t.key, t.lockedBy, t.status),
		pq.Array(keys), c.identity, string(stage.Status))
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", stage, err)
	}

	n, _ := res.RowsAffected()
	common.ReleasesTotal.WithLabelValues(stage.String(), "rowlock").Add(float64(n))

	return nil
}

func (c *Claimer) Advance(ctx context.Context, stage model.Stage, keys []string, next model.Status) ([]string, error) {
	if err := claim.CheckAdvance(stage, next); err != nil {
		return nil, err
	}

	if len(keys) == 0 {
		return nil, nil
	}

	t, err := tableFor(stage.Pipeline)
	if err != nil {
		return nil, err
	}

	set := fmt.Sprintf("%s = $1, %s = NULL, %s = NULL", t.status, t.lockedBy, t.lockedAt)

	if by, at, ok := t.stamp(next); ok {
		if by != "" {
			set += fmt.Sprintf(", %s = $2", by)
		}

		set += fmt.Sprintf(", %s = now()", at)
	}

	advanced, err := queryStrings(ctx, c.db, fmt.Sprintf(
		`UPDATE %s SET %s WHERE %s = ANY($3) AND %s = $4 AND %s = $2 RETURNING %s`,
		t.table, set, t.key, t.status, t.lockedBy, t.key),
		string(next), c.identity, pq.Array(keys), string(stage.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to advance %s to %s: %w", stage, next, err)
	}

	common.AdvancesTotal.WithLabelValues(stage.String(), string(next)).Add(float64(len(advanced)))

	if len(advanced) != len(keys) {
		return advanced, fmt.Errorf("%w: advanced %d of %d at %s", claim.ErrNotHeld, len(advanced), len(keys), stage)
	}

	return advanced, nil
}

// Offer is a no-op: rows at a claimable status are already eligible.
func (c *Claimer) Offer(_ context.Context, _ model.Stage, _ []string) error {
	return nil
}

func (c *Claimer) Heartbeat(ctx context.Context) error {
	for _, t := range lockColumns {
		if _, err := c.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET %s = now() WHERE %s = $1`, t.table, t.lockedAt, t.lockedBy), c.identity); err != nil {
			return fmt.Errorf("failed to refresh claims on %s: %w", t.table, err)
		}
	}

	return nil
}

func (c *Claimer) ReleaseAll(ctx context.Context) (int, error) {
	total := 0

	for _, t := range lockColumns {
		res, err := c.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET %s = NULL, %s = NULL WHERE %s = $1`, t.table, t.lockedBy, t.lockedAt, t.lockedBy), c.identity)
		if err != nil {
			return total, fmt.Errorf("failed to release claims on %s: %w", t.table, err)
		}

		n, _ := res.RowsAffected()
		total += int(n)
	}

	if total > 0 {
		c.log.WithField("released", total).Info("Released outstanding claims")
	}

	return total, nil
}

func (c *Claimer) SweepStale(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0

	for _, t := range lockColumns {
		res, err := c.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET %s = NULL, %s = NULL WHERE %s IS NOT NULL AND %s < $1`,
			t.table, t.lockedBy, t.lockedAt, t.lockedBy, t.lockedAt), cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to sweep claims on %s: %w", t.table, err)
		}

		n, _ := res.RowsAffected()
		total += int(n)
	}

	common.StaleClaimsSwept.WithLabelValues("rowlock").Add(float64(total))

	return total, nil
}
