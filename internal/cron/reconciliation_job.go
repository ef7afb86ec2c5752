package cron

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/metrics"
)

type reconciliationCounter interface {
	CountNeedsReconciliation(ctx context.Context) (int64, error)
}

type stuckOutboxCounter interface {
	CountStuck(ctx context.Context, maxAttempts int) (int64, error)
}

type ReconciliationDigestJobParams struct {
	Logger      *logger.Logger
	Orders      reconciliationCounter
	Outbox      stuckOutboxCounter
	MaxAttempts int
	Metrics     *metrics.FulfillmentMetrics
}

// ReconciliationDigestJob reports work waiting on an operator: orders flagged
// for reconciliation and outbox rows parked after their last attempt.
type ReconciliationDigestJob struct {
	logg        *logger.Logger
	orders      reconciliationCounter
	outbox      stuckOutboxCounter
	maxAttempts int
	metrics     *metrics.FulfillmentMetrics
}

func NewReconciliationDigestJob(params ReconciliationDigestJobParams) (*ReconciliationDigestJob, error) {
	switch {
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case params.Orders == nil:
		return nil, fmt.Errorf("orders repository required")
	case params.Outbox == nil:
		return nil, fmt.Errorf("outbox repository required")
	case params.MaxAttempts <= 0:
		return nil, fmt.Errorf("outbox max attempts must be positive")
	}
	return &ReconciliationDigestJob{
		logg:        params.Logger,
		orders:      params.Orders,
		outbox:      params.Outbox,
		maxAttempts: params.MaxAttempts,
		metrics:     params.Metrics,
	}, nil
}

func (j *ReconciliationDigestJob) Name() string { return "reconciliation-digest" }

func (j *ReconciliationDigestJob) Run(ctx context.Context) error {
	var errs error
	flagged, err := j.orders.CountNeedsReconciliation(ctx)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("count flagged orders: %w", err))
	} else {
		j.metrics.SetOpenReconciliations(flagged)
	}
	stuck, err := j.outbox.CountStuck(ctx, j.maxAttempts)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("count stuck outbox rows: %w", err))
	}
	if errs != nil {
		return errs
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"flagged_orders":    flagged,
		"stuck_outbox_rows":  stuck,
	})
	if flagged > 0 || stuck > 0 {
		j.logg.Warn(logCtx, "operator attention required")
		return nil
	}
	j.logg.Info(logCtx, "nothing awaiting reconciliation")
	return nil
}
