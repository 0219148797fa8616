// Package state persists progress checkpoints in Redis.
package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Checkpoint names.
const (
	// CheckpointWatcher is the highest block number the watcher committed.
	CheckpointWatcher = "watcher"
	// CheckpointBackfill is the highest block number a backfill window finished.
	CheckpointBackfill = "backfill"
)

// ErrNoCheckpoint is returned when a checkpoint was never written.
var ErrNoCheckpoint = errors.New("no checkpoint recorded")

// KEYS[1] checkpoint; ARGV[1] candidate. Writes only when the candidate is
// greater than the stored value and returns 1 on a write.
var raiseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

type Manager struct {
	client *redis.Client
	prefix string
	log    logrus.FieldLogger
}

func NewManager(client *redis.Client, prefix string, log logrus.FieldLogger) *Manager {
	return &Manager{
		client: client,
		prefix: prefix,
		log:    log.WithField("component", "state"),
	}
}

func (s *Manager) key(name string) string {
	return fmt.Sprintf("%s:state:%s", s.prefix, name)
}

// Get returns the stored number for name.
func (s *Manager) Get(ctx context.Context, name string) (uint64, error) {
	val, err := s.client.Get(ctx, s.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNoCheckpoint
	}

	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint %s: %w", name, err)
	}

	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse checkpoint %s value %q: %w", name, val, err)
	}

	return n, nil
}

// Raise stores n for name unless a value at least as large is already
// stored. It reports whether the checkpoint moved.
func (s *Manager) Raise(ctx context.Context, name string, n uint64) (bool, error) {
	moved, err := raiseScript.Run(ctx, s.client, []string{s.key(name)}, strconv.FormatUint(n, 10)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to raise checkpoint %s: %w", name, err)
	}

	if moved == 1 {
		s.log.WithFields(logrus.Fields{"checkpoint": name, "number": n}).Debug("Checkpoint raised")
	}

	return moved == 1, nil
}

// Reset removes the checkpoint for name.
func (s *Manager) Reset(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, s.key(name)).Err(); err != nil {
		return fmt.Errorf("failed to reset checkpoint %s: %w", name, err)
	}

	return nil
}
