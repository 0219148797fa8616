package geth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/go-co-op/gocron"
	"github.com/sirupsen/logrus"
)

// metadata keeps the node's version, chain id and sync status fresh.
type metadata struct {
	rpc    *rpc.Client
	client *ethclient.Client
	log    logrus.FieldLogger

	scheduler *gocron.Scheduler

	mu          sync.RWMutex
	nodeVersion string
	chainID     int64
	synced      bool
}

func newMetadata(log logrus.FieldLogger, rpcClient *rpc.Client, client *ethclient.Client) *metadata {
	return &metadata{
		rpc:    rpcClient,
		client: client,
		log:    log.WithField("module", "ethereum/geth/metadata"),
	}
}

// start resolves the metadata with retries, then runs onReady and keeps
// refreshing on a schedule.
func (m *metadata) start(ctx context.Context, onReady func()) error {
	go func() {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 5 * time.Second
		b.MaxElapsedTime = 2 * time.Minute

		operation := func() error {
			if err := m.refresh(ctx); err != nil {
				m.log.WithError(err).Warn("Failed to refresh metadata, will retry")

				return err
			}

			return nil
		}

		if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
			m.log.WithError(err).Error("Failed to refresh metadata after retries")

			return
		}

		m.log.WithFields(logrus.Fields{
			"node_version": m.ClientVersion(),
			"chain_id":     m.ChainID(),
		}).Info("Metadata initialized")

		onReady()
	}()

	m.scheduler = gocron.NewScheduler(time.Local)

	if _, err := m.scheduler.Every("5m").Do(func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := m.refresh(refreshCtx); err != nil {
			m.log.WithError(err).Warn("Failed to refresh metadata")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule metadata refresh: %w", err)
	}

	if _, err := m.scheduler.Every("15s").Do(func() {
		syncCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := m.updateSyncStatus(syncCtx); err != nil {
			m.log.WithError(err).Warn("Failed to update sync status")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule sync status: %w", err)
	}

	m.scheduler.StartAsync()

	return nil
}

func (m *metadata) stop() {
	if m.scheduler != nil {
		m.scheduler.Stop()
	}
}

func (m *metadata) refresh(ctx context.Context) error {
	var version string

	if err := m.rpc.CallContext(ctx, &version, "web3_clientVersion"); err != nil {
		return fmt.Errorf("failed to get client version: %w", err)
	}

	var rawChainID string

	if err := m.rpc.CallContext(ctx, &rawChainID, "eth_chainId"); err != nil {
		return fmt.Errorf("failed to get chain ID: %w", err)
	}

	chainID, err := parseChainID(rawChainID)
	if err != nil {
		return err
	}

	if version == "" {
		return errors.New("node version is not available")
	}

	m.mu.Lock()
	m.nodeVersion = version
	m.chainID = chainID
	m.mu.Unlock()

	return nil
}

func parseChainID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(raw, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse chain ID %s: %w", raw, err)
	}

	if id == 0 {
		return 0, errors.New("chain ID is not available")
	}

	return id, nil
}

func (m *metadata) updateSyncStatus(ctx context.Context) error {
	progress, err := m.client.SyncProgress(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.synced = progress == nil
	m.mu.Unlock()

	return nil
}

func (m *metadata) ClientVersion() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.nodeVersion
}

func (m *metadata) ChainID() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.chainID
}

func (m *metadata) IsSynced() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.synced
}
