package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	//nolint:gosec // only exposed if pprofAddr config is set
	_ "net/http/pprof"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	r "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/chain-indexer/pkg/api"
	"github.com/ethpandaops/chain-indexer/pkg/backfill"
	"github.com/ethpandaops/chain-indexer/pkg/claim"
	"github.com/ethpandaops/chain-indexer/pkg/ethereum"
	"github.com/ethpandaops/chain-indexer/pkg/ethereum/geth"
	"github.com/ethpandaops/chain-indexer/pkg/ethereum/trace"
	"github.com/ethpandaops/chain-indexer/pkg/finality"
	"github.com/ethpandaops/chain-indexer/pkg/leaderelection"
	"github.com/ethpandaops/chain-indexer/pkg/model"
	"github.com/ethpandaops/chain-indexer/pkg/pipeline"
	"github.com/ethpandaops/chain-indexer/pkg/projector"
	"github.com/ethpandaops/chain-indexer/pkg/redis"
	"github.com/ethpandaops/chain-indexer/pkg/search"
	"github.com/ethpandaops/chain-indexer/pkg/state"
	"github.com/ethpandaops/chain-indexer/pkg/store/postgres"
)

const (
	watcherRole     = "watcher"
	requeuePageSize = 1000
)

type Server struct {
	log       logrus.FieldLogger
	config    *Config
	namespace string

	redis    *r.Client
	db       *postgres.Store
	pool     *ethereum.Pool
	search   *search.Client
	indices  []search.Index
	claimers claim.Factory
	state    *state.Manager
	pipeline *pipeline.Manager

	importer    *backfill.Importer
	local       *backfill.Local
	tasks       *asynq.Client
	enqueuer    *backfill.Enqueuer
	taskWorker  *backfill.Worker
	elector     leaderelection.Elector
	watcher     *finality.Watcher
	memoryStats *MemoryStatsCollector

	metricsServer *http.Server
	pprofServer   *http.Server
	healthServer  *http.Server
	apiServer     *http.Server
}

// NewServer connects to every backing service and assembles the pipeline
// dependencies. Nothing runs until Start.
func NewServer(ctx context.Context, log logrus.FieldLogger, namespace string, config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	redisClient, err := redis.New(config.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}

	db, err := postgres.Open(ctx, log, &config.Postgres)
	if err != nil {
		_ = redisClient.Close()

		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if config.Postgres.AutoMigrate {
		if err := postgres.Migrate(log.WithField("component", "migrate"), config.Postgres.DSN); err != nil {
			_ = redisClient.Close()
			_ = db.Close()

			return nil, err
		}
	}

	s := &Server{
		config:    config,
		log:       log,
		namespace: namespace,
		redis:     redisClient,
		db:        db,
		pool:      ethereum.NewPool(log.WithField("component", "ethereum"), namespace, &config.Ethereum, geth.Factory),
		search:    search.New(log, &config.Search),
		indices:   search.Indices(search.Names{Prefix: config.Search.IndexPrefix}),
		state:     state.NewManager(redisClient, config.Redis.Prefix, log),
	}

	switch config.Pipeline.Claimer.Backend {
	case pipeline.BackendQueue:
		s.claimers = redis.NewClaimerFactory(redisClient, config.Redis.Prefix, db, log)
	default:
		s.claimers = postgres.NewClaimerFactory(db.DB(), log)
	}

	primary := config.Ethereum.Execution[0]

	traces, err := trace.New(log, &config.Traces, primary.NodeAddress, primary.NodeHeaders)
	if errors.Is(err, trace.ErrDisabled) {
		traces, err = nil, nil
	}

	if err != nil {
		s.closeClients()

		return nil, fmt.Errorf("failed to create trace source: %w", err)
	}

	deps := &pipeline.Deps{
		Log:       log,
		Store:     db,
		Client:    s.pool,
		Claimers:  s.claimers,
		Traces:    traces,
		Projector: projector.New(search.Names{Prefix: config.Search.IndexPrefix}),
		Documents: pipeline.NewDocumentBuffer(log, s.search, config.Pipeline.Buffer),
	}

	s.pipeline, err = pipeline.NewManager(&config.Pipeline, deps)
	if err != nil {
		s.closeClients()

		return nil, fmt.Errorf("failed to create pipeline manager: %w", err)
	}

	s.importer = backfill.NewImporter(log, &config.Backfill.Config, s.pool, s.pipeline.Persister(), db, s.pipeline.Offerer(), s.pipeline.FanIn(), s.state)

	if config.Backfill.Distributed {
		opt := backfill.RedisOpt(redisClient)

		s.tasks = asynq.NewClient(opt)
		s.enqueuer = backfill.NewEnqueuer(log, s.tasks, &config.Backfill.Config)
		s.taskWorker = backfill.NewWorker(log, opt, &config.Backfill.Config, s.importer)
	}

	if config.Finality.Enabled {
		var gaps finality.GapFiller

		if s.enqueuer != nil {
			gaps = s.enqueuer
		} else {
			s.local = backfill.NewLocal(log, s.importer)
			gaps = s.local
		}

		if config.Finality.LeaderElection.Enabled {
			s.elector = leaderelection.NewRedisElector(redisClient, log, config.Redis.Prefix, watcherRole, &config.Finality.LeaderElection.Config)
		}

		s.watcher = finality.NewWatcher(log, &config.Finality, s.pool, s.pipeline.Committer(), s.state, gaps, s.elector)
	}

	s.memoryStats = NewMemoryStatsCollector(log, config.MemoryMonitor)

	return s, nil
}

// Start runs every component until SIGINT, SIGTERM or ctx cancellation.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.search.Ping(ctx); err != nil {
		return fmt.Errorf("search engine unreachable: %w", err)
	}

	if err := search.Ensure(ctx, s.log, s.search, s.indices); err != nil {
		return fmt.Errorf("failed to ensure search indices: %w", err)
	}

	s.pool.Start(ctx)

	if err := s.memoryStats.Start(ctx); err != nil {
		return err
	}

	if s.elector != nil {
		if err := s.elector.Start(ctx); err != nil {
			return fmt.Errorf("failed to start leader election: %w", err)
		}
	}

	s.metricsServer = s.newMetricsServer()

	if s.config.PProfAddr != nil {
		s.pprofServer = s.newPProfServer()
	}

	if s.config.HealthCheckAddr != nil {
		s.healthServer = s.newHealthServer()
	}

	if s.config.APIAddr != nil {
		s.apiServer = s.newAPIServer()
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, srv := range s.httpServers() {
		g.Go(func() error {
			s.log.WithField("addr", srv.Addr).Info("Starting http server")

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s failed: %w", srv.Addr, err)
			}

			return nil
		})
	}

	g.Go(func() error {
		if _, err := s.pool.WaitForHealthyExecutionNode(ctx); err != nil {
			return nil
		}

		if network, err := s.pool.NetworkName(); err == nil {
			s.log.WithField("network", network).Info("Execution node ready")
		} else {
			s.log.WithError(err).Warn("Unknown network")
		}

		return s.pipeline.Run(ctx)
	})

	if s.watcher != nil {
		g.Go(func() error {
			if _, err := s.pool.WaitForHealthyExecutionNode(ctx); err != nil {
				return nil
			}

			return s.watcher.Run(ctx)
		})
	}

	if s.taskWorker != nil {
		g.Go(func() error {
			return s.taskWorker.Run(ctx)
		})
	}

	if s.local != nil {
		g.Go(func() error {
			if _, err := s.pool.WaitForHealthyExecutionNode(ctx); err != nil {
				return nil
			}

			return s.local.Run(ctx)
		})
	}

	// Wait for shutdown signal
	g.Go(func() error {
		<-ctx.Done()

		return s.stop(ctx)
	})

	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()

	if stopErr := s.pool.Stop(stopCtx); stopErr != nil {
		s.log.WithError(stopErr).Error("failed to stop ethereum pool")
	}

	s.closeClients()

	s.log.Info("Indexer stopped gracefully")

	return err
}

// Import runs [from, to] through the range importer in this process, or
// hands it to the task queue when distributed is set.
func (s *Server) Import(ctx context.Context, from, to uint64, distributed bool) error {
	if err := backfill.CheckRange(from, to); err != nil {
		return err
	}

	defer s.closeClients()

	if distributed {
		if s.enqueuer == nil {
			return errors.New("distributed backfill is disabled in the config")
		}

		_, err := s.enqueuer.Enqueue(ctx, from, to)

		return err
	}

	s.pool.Start(ctx)

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
		defer cancel()

		_ = s.pool.Stop(stopCtx)
	}()

	if _, err := s.pool.WaitForHealthyExecutionNode(ctx); err != nil {
		return fmt.Errorf("no healthy execution node: %w", err)
	}

	result, err := s.importer.Import(ctx, from, to)
	if result != nil {
		s.log.WithFields(logrus.Fields{
			"imported": result.Imported,
			"failed":   len(result.Failed),
		}).Info("Import finished")
	}

	return err
}

// Reset rebuilds the search indices and walks every indexed record back to
// its pre-index status so the indexers project it again.
func (s *Server) Reset(ctx context.Context) error {
	defer s.closeClients()

	if err := search.Reset(ctx, s.log, s.search, s.indices); err != nil {
		return fmt.Errorf("failed to reset search indices: %w", err)
	}

	if err := s.db.ResetIndexed(ctx); err != nil {
		return fmt.Errorf("failed to reset statuses: %w", err)
	}

	s.log.Info("Reset search indices and statuses")

	if s.config.Pipeline.Claimer.Backend != pipeline.BackendQueue {
		return nil
	}

	_, err := s.requeue(ctx)

	return err
}

// Requeue rebuilds the queue claimer's sets from the store of record.
func (s *Server) Requeue(ctx context.Context) (map[model.Stage]int, error) {
	defer s.closeClients()

	if s.config.Pipeline.Claimer.Backend != pipeline.BackendQueue {
		return nil, fmt.Errorf("requeue requires the %q claimer backend", pipeline.BackendQueue)
	}

	return s.requeue(ctx)
}

func (s *Server) requeue(ctx context.Context) (map[model.Stage]int, error) {
	return redis.Requeue(ctx, s.log, s.db, s.pipeline.Offerer(), requeuePageSize)
}

func (s *Server) stop(ctx context.Context) error {
	// Create a timeout context for cleanup
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()

	s.log.Info("Starting graceful shutdown...")

	if s.elector != nil {
		if err := s.elector.Stop(cleanupCtx); err != nil {
			s.log.WithError(err).Error("failed to stop leader election")
		}
	}

	if err := s.memoryStats.Stop(cleanupCtx); err != nil {
		s.log.WithError(err).Error("failed to stop memory stats collector")
	}

	for _, srv := range s.httpServers() {
		if err := srv.Shutdown(cleanupCtx); err != nil {
			s.log.WithError(err).WithField("addr", srv.Addr).Error("failed to shutdown http server")
		}
	}

	return nil
}

func (s *Server) httpServers() []*http.Server {
	var out []*http.Server

	for _, srv := range []*http.Server{s.metricsServer, s.pprofServer, s.healthServer, s.apiServer} {
		if srv != nil {
			out = append(out, srv)
		}
	}

	return out
}

// closeClients releases the connections once nothing uses them.
func (s *Server) closeClients() {
	if s.tasks != nil {
		if err := s.tasks.Close(); err != nil {
			s.log.WithError(err).Error("failed to close task queue client")
		}

		s.tasks = nil
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.WithError(err).Error("failed to close postgres")
		}

		s.db = nil
	}

	if s.redis != nil {
		s.log.Info("Closing Redis connection...")

		if err := s.redis.Close(); err != nil {
			s.log.WithError(err).Error("failed to close redis")
		}

		s.redis = nil
	}
}

func (s *Server) newMetricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:              s.config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
}

// newPProfServer serves the default mux, where net/http/pprof registers.
func (s *Server) newPProfServer() *http.Server {
	return &http.Server{
		Addr:              *s.config.PProfAddr,
		ReadHeaderTimeout: 120 * time.Second,
	}
}

func (s *Server) newHealthServer() *http.Server {
	return &http.Server{
		Addr:              *s.config.HealthCheckAddr,
		ReadHeaderTimeout: 120 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if !s.pool.HasHealthyExecutionNodes() {
				w.WriteHeader(http.StatusServiceUnavailable)

				return
			}

			w.WriteHeader(http.StatusOK)
		}),
	}
}

func (s *Server) newAPIServer() *http.Server {
	var enqueuer api.RangeEnqueuer
	if s.enqueuer != nil {
		enqueuer = s.enqueuer
	}

	var requeue api.RequeueFunc
	if s.config.Pipeline.Claimer.Backend == pipeline.BackendQueue {
		requeue = s.requeue
	}

	mux := http.NewServeMux()
	api.NewHandler(s.log, s.db, enqueuer, requeue).RegisterRoutes(mux)

	return &http.Server{
		Addr:              *s.config.APIAddr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
}
