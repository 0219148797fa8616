package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/claim"
	"github.com/ethpandaops/chain-indexer/pkg/common"
	"github.com/ethpandaops/chain-indexer/pkg/model"
)

const backend = "queue"

// Compile-time check that Claimer implements claim.Claimer.
var _ claim.Claimer = (*Claimer)(nil)

// Keyspace names the Redis keys used for one prefix.
type Keyspace struct {
	Prefix string
}

// Set is the set of keys eligible for claiming at stage.
func (k Keyspace) Set(stage model.Stage) string {
	return fmt.Sprintf("%s:%s:%s", k.Prefix, stage.Pipeline, stage.Status)
}

// InFlight maps claimed keys at stage to "<identity>|<unix_ms>".
func (k Keyspace) InFlight(stage model.Stage) string {
	return fmt.Sprintf("%s:inflight:%s:%s", k.Prefix, stage.Pipeline, stage.Status)
}

func (k Keyspace) inFlightKeys() []string {
	stages := model.ClaimableStages()
	out := make([]string, 0, len(stages))

	for _, s := range stages {
		out = append(out, k.InFlight(s))
	}

	return out
}

// pairs returns set and in-flight key for every claimable stage, interleaved.
func (k Keyspace) pairs() []string {
	stages := model.ClaimableStages()
	out := make([]string, 0, 2*len(stages))

	for _, s := range stages {
		out = append(out, k.Set(s), k.InFlight(s))
	}

	return out
}

// Claimer hands out keys by popping them from per-stage sets. The sets only
// carry work: status lives in the relational store and is written through
// the StatusWriter on Advance.
type Claimer struct {
	client   *redis.Client
	keys     Keyspace
	writer   claim.StatusWriter
	identity string
	log      logrus.FieldLogger

	now func() time.Time
}

func NewClaimer(client *redis.Client, prefix string, writer claim.StatusWriter, log logrus.FieldLogger, role string) *Claimer {
	identity := claim.NewIdentity(role)

	return &Claimer{
		client:   client,
		keys:     Keyspace{Prefix: prefix},
		writer:   writer,
		identity: identity,
		log:      log.WithFields(logrus.Fields{"component": "queue-claimer", "identity": identity}),
		now:      time.Now,
	}
}

// NewClaimerFactory returns a factory sharing one client and status writer.
func NewClaimerFactory(client *redis.Client, prefix string, writer claim.StatusWriter, log logrus.FieldLogger) claim.Factory {
	return func(role string) claim.Claimer {
		return NewClaimer(client, prefix, writer, log, role)
	}
}

func (c *Claimer) Identity() string {
	return c.identity
}

func (c *Claimer) stamp() string {
	return c.identity + "|" + strconv.FormatInt(c.now().UnixMilli(), 10)
}

func args(head []any, keys []string) []any {
	out := make([]any, 0, len(head)+len(keys))
	out = append(out, head...)

	for _, k := range keys {
		out = append(out, k)
	}

	return out
}

func (c *Claimer) Claim(ctx context.Context, stage model.Stage, n int) ([]string, error) {
	if err := claim.CheckClaim(stage, n); err != nil {
		return nil, err
	}

	keys, err := claimScript.Run(ctx, c.client,
		[]string{c.keys.Set(stage), c.keys.InFlight(stage)}, n, c.stamp()).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to claim %s: %w", stage, err)
	}

	common.ClaimsTotal.WithLabelValues(stage.String(), backend).Add(float64(len(keys)))

	return keys, nil
}

func (c *Claimer) Release(ctx context.Context, stage model.Stage, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	n, err := releaseScript.Run(ctx, c.client,
		[]string{c.keys.Set(stage), c.keys.InFlight(stage)}, args([]any{c.identity}, keys)...).Int()
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", stage, err)
	}

	common.ReleasesTotal.WithLabelValues(stage.String(), backend).Add(float64(n))

	return nil
}

// Advance drops the in-flight entries owned by this identity, persists the
// move and, when next is claimable, queues the keys that moved there. If the
// store write fails the claims are restored so the caller can release them.
// Owned keys whose row was no longer at stage are dropped and not offered.
func (c *Claimer) Advance(ctx context.Context, stage model.Stage, keys []string, next model.Status) ([]string, error) {
	if err := claim.CheckAdvance(stage, next); err != nil {
		return nil, err
	}

	if len(keys) == 0 {
		return nil, nil
	}

	inflight := c.keys.InFlight(stage)

	owned, err := finishScript.Run(ctx, c.client, []string{inflight}, args([]any{c.identity}, keys)...).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to finish %s: %w", stage, err)
	}

	var moved []string

	if len(owned) > 0 {
		moved, err = c.writer.SetStatus(ctx, stage, owned, next)
		if err != nil {
			c.restore(ctx, inflight, owned)

			return nil, fmt.Errorf("failed to advance %s to %s: %w", stage, next, err)
		}

		if len(moved) < len(owned) {
			c.log.WithFields(logrus.Fields{
				"stage": stage.String(),
				"keys":  len(owned) - len(moved),
			}).Warn("Dropped claims on rows no longer at their stage")
		}

		if nextStage := model.NewStage(stage.Pipeline, next); nextStage.Claimable() {
			if err := c.Offer(ctx, nextStage, moved); err != nil {
				return moved, err
			}
		}

		common.AdvancesTotal.WithLabelValues(stage.String(), string(next)).Add(float64(len(moved)))
	}

	if len(moved) != len(keys) {
		return moved, fmt.Errorf("%w: advanced %d of %d at %s", claim.ErrNotHeld, len(moved), len(keys), stage)
	}

	return moved, nil
}

func (c *Claimer) restore(ctx context.Context, inflight string, keys []string) {
	value := c.stamp()
	fields := make([]any, 0, 2*len(keys))

	for _, k := range keys {
		fields = append(fields, k, value)
	}

	if err := c.client.HSet(ctx, inflight, fields...).Err(); err != nil {
		c.log.WithError(err).WithField("keys", len(keys)).Error("Failed to restore claims")
	}
}

// Offer adds keys to the stage's set. Keys currently in flight and stages
// no worker consumes from are ignored.
func (c *Claimer) Offer(ctx context.Context, stage model.Stage, keys []string) error {
	if len(keys) == 0 || !stage.Claimable() {
		return nil
	}

	if err := offerScript.Run(ctx, c.client,
		[]string{c.keys.Set(stage), c.keys.InFlight(stage)}, args(nil, keys)...).Err(); err != nil {
		return fmt.Errorf("failed to offer %d keys to %s: %w", len(keys), stage, err)
	}

	return nil
}

func (c *Claimer) Heartbeat(ctx context.Context) error {
	if err := heartbeatScript.Run(ctx, c.client, c.keys.inFlightKeys(), c.identity, c.stamp()).Err(); err != nil {
		return fmt.Errorf("failed to refresh claims: %w", err)
	}

	return nil
}

func (c *Claimer) ReleaseAll(ctx context.Context) (int, error) {
	n, err := dropScript.Run(ctx, c.client, c.keys.pairs(), "owner", c.identity).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to release claims: %w", err)
	}

	if n > 0 {
		c.log.WithField("released", n).Info("Released outstanding claims")
	}

	return n, nil
}

func (c *Claimer) SweepStale(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := dropScript.Run(ctx, c.client, c.keys.pairs(), "before", cutoff.UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale claims: %w", err)
	}

	common.StaleClaimsSwept.WithLabelValues(backend).Add(float64(n))

	return n, nil
}
