// Package pipeline drives records through their lifecycle with independent
// stage workers that coordinate only through claims and status.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/chain-indexer/pkg/claim"
)

const (
	roleOfferer = "offerer"
	roleSweeper = "sweeper"
)

type workerSpec struct {
	config *WorkerConfig
	task   func() Task
}

// Manager owns the workers of one process together with their claim
// heartbeats, the stale claim sweep and the progress monitor.
type Manager struct {
	config *Config
	deps   *Deps
	log    logrus.FieldLogger

	workers   []*Worker
	sweeper   claim.Claimer
	offerer   claim.Claimer
	fanIn     *FanIn
	persister *Persister
	committer *Committer
	monitor   *Monitor
}

func NewManager(config *Config, deps *Deps) (*Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}

	log := deps.Log.WithField("component", "pipeline")
	offerer := deps.Claimers(roleOfferer)
	fanIn := NewFanIn(deps.Log, deps.Store, offerer, config.CallTimeout)
	persister := NewPersister(deps.Store, offerer, deps.Traces != nil, config.CallTimeout)

	m := &Manager{
		config:    config,
		deps:      deps,
		log:       log,
		sweeper:   deps.Claimers(roleSweeper),
		offerer:   offerer,
		fanIn:     fanIn,
		persister: persister,
		committer: NewCommitter(deps.Log, deps.Store, offerer, config.CallTimeout),
		monitor:   NewMonitor(deps.Log, deps.Store, deps.Projector, deps.Documents, config.Monitor.PageSize, config.CallTimeout),
	}

	importer := NewAddressImporter(deps.Client, deps.Store, config.CallTimeout)
	indexer := NewIndexer(deps.Log, deps.Store, deps.Projector, deps.Documents, fanIn, config.CallTimeout, config.IndexTimeout)

	tasks := []workerSpec{
		{&config.BlockDownloader, func() Task {
			return NewBlockDownloader(deps.Log, deps.Client, persister, fanIn, config.BlockDownloader.Concurrency, config.CallTimeout).Task()
		}},
		{&config.TransactionDownloader, func() Task {
			return NewTransactionDownloader(deps.Log, deps.Client, deps.Store, importer, offerer, fanIn,
				config.TransactionDownloader.Concurrency, config.CallTimeout).Task()
		}},
		{&config.AddressDownloader, func() Task {
			return NewAddressDownloader(importer, config.AddressDownloader.Concurrency).Task()
		}},
		{&config.BlockIndexer, indexer.BlockTask},
		{&config.TransactionIndexer, indexer.TransactionTask},
		{&config.AddressIndexer, indexer.AddressTask},
	}

	if deps.Traces != nil {
		tasks = append(tasks, workerSpec{&config.InternalTransactionDownloader, func() Task {
			return NewInternalTransactionDownloader(deps.Log, deps.Traces, deps.Store, fanIn,
				config.InternalTransactionDownloader.Concurrency, config.CallTimeout).Task()
		}})
	} else {
		log.Info("Internal transaction source disabled, new transactions skip that stage")
	}

	for _, t := range tasks {
		if !t.config.Enabled {
			continue
		}

		for range t.config.Instances {
			task := t.task()
			m.workers = append(m.workers, NewWorker(deps.Log, task, deps.Claimers(task.Name), *t.config, config))
		}
	}

	return m, nil
}

func (m *Manager) Workers() []*Worker {
	return m.workers
}

// Committer is the entry point for blocks the finality tracker settled.
func (m *Manager) Committer() *Committer {
	return m.committer
}

// Persister is the block write path shared with the range importer.
func (m *Manager) Persister() *Persister {
	return m.persister
}

func (m *Manager) FanIn() *FanIn {
	return m.fanIn
}

// Offerer makes keys claimable without holding them.
func (m *Manager) Offerer() claim.Claimer {
	return m.offerer
}

// Run starts every worker and blocks until ctx is cancelled and all of them
// have drained.
func (m *Manager) Run(ctx context.Context) error {
	// The buffer outlives ctx so draining workers can still flush.
	if err := m.deps.Documents.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to start document buffer: %w", err)
	}

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.IndexTimeout)
		defer cancel()

		if err := m.deps.Documents.Stop(stopCtx); err != nil {
			m.log.WithError(err).Error("Failed to stop document buffer")
		}
	}()

	m.Sweep(ctx)
	m.Recount(ctx)

	scheduler, err := m.schedule(ctx)
	if err != nil {
		return err
	}

	scheduler.StartAsync()
	defer scheduler.Stop()

	m.log.WithField("workers", len(m.workers)).Info("Pipeline started")

	g, gctx := errgroup.WithContext(ctx)

	for _, w := range m.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	return g.Wait()
}

func (m *Manager) schedule(ctx context.Context) (*gocron.Scheduler, error) {
	s := gocron.NewScheduler(time.Local)
	s.SingletonModeAll()

	if _, err := s.Every(m.config.Claimer.HeartbeatInterval).WaitForSchedule().Do(func() { m.Heartbeat(ctx) }); err != nil {
		return nil, fmt.Errorf("failed to schedule claim heartbeat: %w", err)
	}

	if _, err := s.Every(m.config.Claimer.SweepInterval).WaitForSchedule().Do(func() { m.Sweep(ctx) }); err != nil {
		return nil, fmt.Errorf("failed to schedule stale claim sweep: %w", err)
	}

	if _, err := s.Every(m.config.FanIn.Interval).WaitForSchedule().Do(func() { m.Recount(ctx) }); err != nil {
		return nil, fmt.Errorf("failed to schedule fan-in recount: %w", err)
	}

	if m.config.Monitor.Enabled {
		if _, err := s.Every(m.config.Monitor.Interval).Do(func() {
			if err := m.monitor.Pass(ctx); err != nil {
				m.log.WithError(err).Warn("Progress monitor pass failed")
			}
		}); err != nil {
			return nil, fmt.Errorf("failed to schedule progress monitor: %w", err)
		}
	}

	return s, nil
}

// Heartbeat refreshes the claims of every worker.
func (m *Manager) Heartbeat(ctx context.Context) {
	for _, w := range m.workers {
		hbCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
		err := w.Claimer().Heartbeat(hbCtx)

		cancel()

		if err != nil {
			m.log.WithError(err).WithField("identity", w.Claimer().Identity()).Warn("Claim heartbeat failed")
		}
	}
}

// Recount promotes records whose gate opened without a successful fan-in.
func (m *Manager) Recount(ctx context.Context) {
	n, err := m.fanIn.Recount(ctx, m.deps.Store, m.config.FanIn.PageSize)
	if err != nil {
		m.log.WithError(err).Warn("Fan-in recount failed")
	}

	if n > 0 {
		m.log.WithField("promoted", n).Info("Promoted records held at the fan-in gate")
	}
}

// Sweep releases claims that have not been refreshed within the lock TTL.
func (m *Manager) Sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()

	n, err := m.sweeper.SweepStale(sweepCtx, time.Now().Add(-m.config.Claimer.LockTTL))
	if err != nil {
		m.log.WithError(err).Warn("Stale claim sweep failed")

		return
	}

	if n > 0 {
		m.log.WithField("released", n).Info("Released stale claims")
	}
}
