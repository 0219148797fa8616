package leaderelection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/common"
)

// ErrNoLeader is returned by LeaderID when the lock is free.
var ErrNoLeader = errors.New("no leader elected")

// Compile-time check that RedisElector implements Elector.
var _ Elector = (*RedisElector)(nil)

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisElector holds leadership through a SET NX key with a TTL that the
// leader keeps extending.
type RedisElector struct {
	client *redis.Client
	log    logrus.FieldLogger
	config *Config
	nodeID string
	key    string
	role   string

	mu       sync.RWMutex
	isLeader bool
	started  bool
	stopped  bool

	callbacksMu sync.RWMutex
	callbacks   []LeadershipCallback

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Key returns the lock key for role under prefix.
func Key(prefix, role string) string {
	return fmt.Sprintf("%s:leader:%s", prefix, role)
}

func NewRedisElector(client *redis.Client, log logrus.FieldLogger, prefix, role string, config *Config) *RedisElector {
	if config == nil {
		config = DefaultConfig()
	}

	nodeID := config.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	return &RedisElector{
		client:   client,
		log:      log.WithFields(logrus.Fields{"component": "leader-election", "role": role, "node_id": nodeID}),
		config:   config,
		nodeID:   nodeID,
		key:      Key(prefix, role),
		role:     role,
		stopChan: make(chan struct{}),
	}
}

func (e *RedisElector) NodeID() string {
	return e.nodeID
}

func (e *RedisElector) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()

		return nil
	}

	e.started = true
	e.mu.Unlock()

	e.log.Info("Starting leader election")

	common.LeaderElectionStatus.WithLabelValues(e.role, e.nodeID).Set(0)

	e.wg.Go(func() { e.run(ctx) })

	return nil
}

// Stop ends the election loop and gives up the lock if held.
func (e *RedisElector) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped || !e.started {
		e.stopped = true
		e.mu.Unlock()

		return nil
	}

	e.stopped = true
	e.mu.Unlock()

	close(e.stopChan)
	e.wg.Wait()

	if !e.IsLeader() {
		return nil
	}

	if err := e.release(ctx); err != nil {
		common.LeaderElectionErrors.WithLabelValues(e.role, e.nodeID, "release").Inc()

		return err
	}

	e.setLeader(ctx, false)

	return nil
}

func (e *RedisElector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.isLeader
}

func (e *RedisElector) LeaderID(ctx context.Context) (string, error) {
	val, err := e.client.Get(ctx, e.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoLeader
	}

	if err != nil {
		return "", fmt.Errorf("failed to get leader id: %w", err)
	}

	return val, nil
}

func (e *RedisElector) OnLeadershipChange(callback LeadershipCallback) {
	e.callbacksMu.Lock()
	defer e.callbacksMu.Unlock()

	e.callbacks = append(e.callbacks, callback)
}

func (e *RedisElector) run(ctx context.Context) {
	ticker := time.NewTicker(e.config.RenewalInterval)
	defer ticker.Stop()

	e.step(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.step(ctx)
		}
	}
}

func (e *RedisElector) step(ctx context.Context) {
	if e.IsLeader() {
		if !e.renew(ctx) {
			e.setLeader(ctx, false)
		}

		return
	}

	if e.acquire(ctx) {
		e.setLeader(ctx, true)
	}
}

func (e *RedisElector) acquire(ctx context.Context) bool {
	ok, err := e.client.SetNX(ctx, e.key, e.nodeID, e.config.TTL).Result()
	if err != nil {
		e.log.WithError(err).Error("Failed to acquire leadership")
		common.LeaderElectionErrors.WithLabelValues(e.role, e.nodeID, "acquire").Inc()

		return false
	}

	return ok
}

func (e *RedisElector) renew(ctx context.Context) bool {
	n, err := renewScript.Run(ctx, e.client, []string{e.key}, e.nodeID, e.config.TTL.Milliseconds()).Int()
	if err != nil {
		e.log.WithError(err).Error("Failed to renew leadership")
		common.LeaderElectionErrors.WithLabelValues(e.role, e.nodeID, "renew").Inc()

		return false
	}

	if n != 1 {
		e.log.Warn("Leader lock is held by another node")

		return false
	}

	return true
}

func (e *RedisElector) release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, e.client, []string{e.key}, e.nodeID).Int()
	if err != nil {
		return fmt.Errorf("failed to release leadership: %w", err)
	}

	if n == 0 {
		e.log.Warn("Leader lock was no longer ours to release")
	}

	return nil
}

func (e *RedisElector) setLeader(ctx context.Context, leader bool) {
	e.mu.Lock()
	changed := e.isLeader != leader
	e.isLeader = leader
	e.mu.Unlock()

	if !changed {
		return
	}

	transition, status := "lost", 0.0
	if leader {
		transition, status = "gained", 1.0
	}

	common.LeaderElectionStatus.WithLabelValues(e.role, e.nodeID).Set(status)
	common.LeaderElectionTransitions.WithLabelValues(e.role, e.nodeID, transition).Inc()

	e.log.WithField("transition", transition).Info("Leadership changed")

	e.callbacksMu.RLock()
	callbacks := append([]LeadershipCallback(nil), e.callbacks...)
	e.callbacksMu.RUnlock()

	for _, cb := range callbacks {
		cb(ctx, leader)
	}
}
