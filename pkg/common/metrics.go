package common

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RPCCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chain_indexer_rpc_call_duration_seconds",
		Help:    "Duration of RPC calls to chain nodes",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"chain_id", "node", "method", "status"})

	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chain_indexer_rpc_calls_total",
		Help: "Total RPC calls made to chain nodes",
	}, []string{"chain_id", "node", "method", "status"})

	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chain_indexer_claims_total",
		Help: "Total number of records claimed",
	}, []string{"stage", "backend"})

	ReleasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chain_indexer_releases_total",
		Help: "Total number of claims released without advancing",
	}, []string{"stage", "backend"})

	AdvancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chain_indexer_advances_total",
		Help: "Total number of records advanced to a new status",
	}, []string{"stage", "next"})

	StaleClaimsSwept = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chain_indexer_stale_claims_swept_total",
		Help: "Total number of expired claims returned to their stage",
	}, []string{"backend"})

	RecordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chain_indexer_records_processed_total",
		Help: "Total number of records processed by workers",
	}, []string{"worker", "status"})

	WorkerBatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chain_indexer_worker_batch_duration_seconds",
		Help:    "Time taken to process one claimed batch",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"worker"})

	WorkerBatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chain_indexer_worker_batch_size",
		Help:    "Number of records in each claimed batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 9),
	}, []string{"worker"})

	FanInPromotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chain_indexer_fanin_promotions_total",
		Help: "Total number of records promoted by a fan-in barrier",
	}, []string{"pipeline"})

	TrackerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chain_indexer_finality_events_total",
		Help: "Total number of finality decisions",
	}, []string{"kind"})

	TrackerNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chain_indexer_finality_tracked_blocks",
		Help: "Number of unsettled blocks held by the finality tracker",
	})

	ChainHead = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chain_indexer_chain_head",
		Help: "Latest block number announced by the chain node",
	})

	LastCommittedBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chain_indexer_last_committed_block",
		Help: "Highest block number committed by the watcher",
	})

	BackfillBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chain_indexer_backfill_blocks_total",
		Help: "Total number of blocks handled by the range importer",
	}, []string{"status"})

	BulkFlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chain_indexer_bulk_flush_total",
		Help: "Total number of document buffer flushes",
	}, []string{"buffer", "trigger", "status"})

	BulkFlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chain_indexer_bulk_flush_duration_seconds",
		Help:    "Duration of document buffer flushes",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"buffer"})

	BulkFlushSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chain_indexer_bulk_flush_size",
		Help:    "Number of documents per flush",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"buffer"})

	BulkPendingDocuments = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chain_indexer_bulk_pending_documents",
		Help: "Documents waiting in the buffer",
	}, []string{"buffer"})

	BulkPendingWaiters = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chain_indexer_bulk_pending_waiters",
		Help: "Submitters waiting for a flush",
	}, []string{"buffer"})

	BulkItemErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chain_indexer_bulk_item_errors_total",
		Help: "Total number of documents rejected by the search engine",
	}, []string{"index"})

	StageDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chain_indexer_stage_depth",
		Help: "Number of records currently at each status",
	}, []string{"pipeline", "status"})

	LeaderElectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chain_indexer_leader_election_status",
		Help: "Current leader election status (1 = leader, 0 = follower)",
	}, []string{"role", "node_id"})

	LeaderElectionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chain_indexer_leader_election_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"role", "node_id", "transition"})

	LeaderElectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chain_indexer_leader_election_errors_total",
		Help: "Total number of leader election errors",
	}, []string{"role", "node_id", "operation"})

	MemoryUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chain_indexer_memory_usage_bytes",
		Help: "Process memory usage by kind",
	}, []string{"kind"})

	GoroutineCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chain_indexer_goroutines",
		Help: "Number of running goroutines",
	})

	MemoryPressureEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chain_indexer_memory_pressure_events_total",
		Help: "Total number of times heap usage crossed a threshold",
	}, []string{"level"})
)
