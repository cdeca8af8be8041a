// Package delivery advances paid gift transactions through the shipping lifecycle.
//
// Progression is driven by persisted status timestamps only. A sweep finds every paid
// transaction whose status is older than the ship threshold and marks it shipped, then
// every shipped transaction older than the deliver threshold and marks it delivered.
// Each step is a compare-and-set on the current status, so concurrent or repeated sweeps
// never advance a row twice.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"gitlab.com/dirk.krummacker/giftagent/internal/model"
	apimodel "gitlab.com/dirk.krummacker/giftagent/pkg/model"
)

const defaultBatchSize = 500

// TransactionProgressor is the part of the transaction store the sweep needs.
type TransactionProgressor interface {
	ListDueForProgression(ctx context.Context, status model.Status, olderThan time.Time, limit int) ([]int64, error)
	AdvanceStatus(ctx context.Context, id int64, from, to model.Status, at time.Time) (bool, error)
}

// Options configures a Sweeper.
type Options struct {
	// ShipAfter is how long a transaction stays paid before it ships.
	ShipAfter time.Duration
	// DeliverAfter is how long a transaction stays shipped before it is delivered.
	DeliverAfter time.Duration
	BatchSize    int
	Now          func() time.Time
}

// Result counts the transactions advanced by one sweep.
type Result struct {
	Shipped   int
	Delivered int
}

// Summary converts the result into the JSON answer of the sweep endpoint.
func (r Result) Summary() apimodel.SweepSummary {
	return apimodel.SweepSummary{
		Success:   true,
		Message:   fmt.Sprintf("Advanced %d transactions: %d shipped, %d delivered", r.Shipped+r.Delivered, r.Shipped, r.Delivered),
		Shipped:   r.Shipped,
		Delivered: r.Delivered,
	}
}

// Sweeper runs delivery status sweeps.
type Sweeper struct {
	txs      TransactionProgressor
	opts     Options
	log      *zap.Logger
	advanced *prometheus.CounterVec
}

// NewSweeper creates a sweeper. reg may be nil if no metrics should be registered.
func NewSweeper(txs TransactionProgressor, opts Options, log *zap.Logger, reg prometheus.Registerer) (*Sweeper, error) {
	if txs == nil {
		return nil, errors.New("sweeper needs a transaction store")
	}
	if opts.ShipAfter < 0 || opts.DeliverAfter < 0 {
		return nil, errors.New("sweeper thresholds must not be negative")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sweeper{txs: txs, opts: opts, log: log}
	if reg != nil {
		s.advanced = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "giftagent",
				Name:      "delivery_transitions_total",
				Help:      "Transactions advanced by the delivery sweep, by new status.",
			},
			[]string{"status"},
		)
		reg.MustRegister(s.advanced)
	}
	return s, nil
}

// Sweep advances all due transactions once. A row moves at most one step per sweep:
// a transaction shipped by this sweep has a fresh status timestamp and is only
// delivered by a later sweep.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	now := s.opts.Now()
	var result Result
	var err error
	result.Shipped, err = s.advance(ctx, model.StatusPaid, now.Add(-s.opts.ShipAfter), now)
	if err != nil {
		return result, err
	}
	result.Delivered, err = s.advance(ctx, model.StatusShipped, now.Add(-s.opts.DeliverAfter), now)
	if err != nil {
		return result, err
	}
	if result.Shipped+result.Delivered > 0 {
		s.log.Info("delivery sweep advanced transactions",
			zap.Int("shipped", result.Shipped), zap.Int("delivered", result.Delivered))
	}
	return result, nil
}

func (s *Sweeper) advance(ctx context.Context, from model.Status, olderThan, now time.Time) (int, error) {
	to, ok := from.Next()
	if !ok {
		return 0, fmt.Errorf("status %s has no successor", from)
	}
	ids, err := s.txs.ListDueForProgression(ctx, from, olderThan, s.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	// A sweep started before this one may already have advanced some of the rows.
	advanced := 0
	for _, id := range ids {
		changed, err := s.txs.AdvanceStatus(ctx, id, from, to, now)
		if err != nil {
			return advanced, err
		}
		if !changed {
			continue
		}
		advanced++
		s.log.Debug("transaction advanced", zap.Int64("transaction_id", id), zap.String("status", string(to)))
	}
	if s.advanced != nil && advanced > 0 {
		s.advanced.WithLabelValues(string(to)).Add(float64(advanced))
	}
	return advanced, nil
}
