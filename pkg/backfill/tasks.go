package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RangeTaskType is the task type of one distributed window.
const RangeTaskType = "backfill:range"

// RangePayload is the closed range of one window task.
type RangePayload struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *RangePayload) MarshalBinary() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *RangePayload) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, p)
}

// NewRangeTask creates a window task and its deduplication id.
func NewRangeTask(payload *RangePayload) (*asynq.Task, string, error) {
	data, err := payload.MarshalBinary()
	if err != nil {
		return nil, "", err
	}

	return asynq.NewTask(RangeTaskType, data), fmt.Sprintf("backfill:%d-%d", payload.From, payload.To), nil
}

// RedisOpt derives the asynq connection from an existing go-redis client.
func RedisOpt(client *redis.Client) asynq.RedisClientOpt {
	opt := client.Options()

	return asynq.RedisClientOpt{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
	}
}

// TaskEnqueuer is the part of asynq.Client the enqueuer uses.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

var _ TaskEnqueuer = (*asynq.Client)(nil)

// Enqueuer splits ranges into window tasks for any process running a Worker.
type Enqueuer struct {
	client TaskEnqueuer
	config *Config
	log    logrus.FieldLogger
}

func NewEnqueuer(log logrus.FieldLogger, client TaskEnqueuer, config *Config) *Enqueuer {
	return &Enqueuer{
		client: client,
		config: config,
		log:    log.WithField("component", "backfill_enqueuer"),
	}
}

// EnqueueRange hands [from, to] to the task queue.
func (e *Enqueuer) EnqueueRange(ctx context.Context, from, to uint64) error {
	_, err := e.Enqueue(ctx, from, to)

	return err
}

// Enqueue enqueues every window of [from, to]. Windows already queued under
// the same id are skipped. It returns the number of new tasks.
func (e *Enqueuer) Enqueue(ctx context.Context, from, to uint64) (int, error) {
	if err := CheckRange(from, to); err != nil {
		return 0, err
	}

	enqueued, skipped := 0, 0

	for _, w := range Windows(from, to, e.config.Window) {
		task, id, err := NewRangeTask(&RangePayload{From: w[0], To: w[1]})
		if err != nil {
			return enqueued, fmt.Errorf("failed to create task for %d-%d: %w", w[0], w[1], err)
		}

		_, err = e.client.EnqueueContext(ctx, task,
			asynq.Queue(e.config.Queue),
			asynq.TaskID(id),
			asynq.MaxRetry(e.config.TaskRetries),
		)
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			skipped++

			continue
		}

		if err != nil {
			return enqueued, fmt.Errorf("failed to enqueue window %d-%d: %w", w[0], w[1], err)
		}

		enqueued++
	}

	e.log.WithFields(logrus.Fields{
		"from":     from,
		"to":       to,
		"enqueued": enqueued,
		"skipped":  skipped,
	}).Info("Enqueued block range")

	return enqueued, nil
}

// HandleRange imports the window carried by task. An incomplete window
// fails the task so the queue redelivers it.
func (i *Importer) HandleRange(ctx context.Context, task *asynq.Task) error {
	var payload RangePayload
	if err := payload.UnmarshalBinary(task.Payload()); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w: %w", err, asynq.SkipRetry)
	}

	if err := CheckRange(payload.From, payload.To); err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	_, err := i.Import(ctx, payload.From, payload.To)

	return err
}

// Worker consumes window tasks.
type Worker struct {
	server   *asynq.Server
	importer *Importer
	log      logrus.FieldLogger
}

func NewWorker(log logrus.FieldLogger, opt asynq.RedisClientOpt, config *Config, importer *Importer) *Worker {
	return &Worker{
		server: asynq.NewServer(opt, asynq.Config{
			Concurrency: config.Workers,
			Queues:      map[string]int{config.Queue: 1},
			LogLevel:    asynq.WarnLevel,
			Logger:      log,
		}),
		importer: importer,
		log:      log.WithField("component", "backfill_worker"),
	}
}

// Run serves tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(RangeTaskType, w.importer.HandleRange)

	if err := w.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start backfill worker: %w", err)
	}

	w.log.Info("Backfill worker started")

	<-ctx.Done()

	w.server.Shutdown()

	return nil
}
