package backfill

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrBusy is returned when the local range queue is full.
var ErrBusy = errors.New("local range queue is full")

const localQueueSize = 16

// RangeImporter imports a closed range of block numbers.
type RangeImporter interface {
	Import(ctx context.Context, from, to uint64) (*Result, error)
}

// Local runs ranges through an in-process importer, one at a time, when no
// task queue is configured.
type Local struct {
	importer RangeImporter
	ranges   chan [2]uint64
	log      logrus.FieldLogger
}

func NewLocal(log logrus.FieldLogger, importer RangeImporter) *Local {
	return &Local{
		importer: importer,
		ranges:   make(chan [2]uint64, localQueueSize),
		log:      log.WithField("component", "backfill_local"),
	}
}

// EnqueueRange queues [from, to] without waiting for the import.
func (l *Local) EnqueueRange(_ context.Context, from, to uint64) error {
	if err := CheckRange(from, to); err != nil {
		return err
	}

	select {
	case l.ranges <- [2]uint64{from, to}:
		return nil
	default:
		return fmt.Errorf("%w: cannot queue %d-%d", ErrBusy, from, to)
	}
}

// Run imports queued ranges until ctx is cancelled. A range that stays
// incomplete is logged by the importer and not retried here.
func (l *Local) Run(ctx context.Context) error {
	l.log.Info("Local backfill started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-l.ranges:
			if _, err := l.importer.Import(ctx, r[0], r[1]); err != nil && ctx.Err() == nil {
				l.log.WithError(err).WithFields(logrus.Fields{"from": r[0], "to": r[1]}).Warn("Local range import failed")
			}
		}
	}
}
