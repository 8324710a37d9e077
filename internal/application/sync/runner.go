package sync

import (
	"context"
	"errors"
	"time"

	"github.com/aitbekov/kaspi-sync/internal/domain/order"
	"github.com/aitbekov/kaspi-sync/internal/observability"
	"github.com/aitbekov/kaspi-sync/internal/pkg/retry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const spanPrefix = "Sync."

// TaskRunner executes the per-order pipeline: validate availability,
// decrement stock, mark processed. Every failure is converted into an
// Outcome at this boundary; nothing propagates up to abort the batch.
type TaskRunner struct {
	ledger      Ledger
	tel         observability.Telemetry
	log         observability.Logger
	callTimeout time.Duration

	inconsistencies observability.Counter
}

func NewTaskRunner(ledger Ledger, tel observability.Telemetry, callTimeout time.Duration) *TaskRunner {
	if tel == nil {
		tel = observability.Nop()
	}
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	return &TaskRunner{
		ledger:          ledger,
		tel:             tel,
		log:             tel.Logger().With(observability.F("component", "task_runner")),
		callTimeout:     callTimeout,
		inconsistencies: tel.Metrics().Counter(observability.MInconsistencies),
	}
}

func (r *TaskRunner) Process(ctx context.Context, o *order.Order) (out Outcome) {
	logger := r.log.With(
		observability.F("order_id", o.ID),
		observability.F("order_code", o.Code),
	)

	ctx, span := r.tel.Tracer().Start(ctx, spanPrefix+"ProcessOrder",
		attribute.String("order.id", o.ID),
		attribute.String("order.stock", o.StockName),
	)
	defer func() {
		span.SetAttributes(attribute.String("order.status", string(out.Status)))
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, string(out.Status))
		} else {
			span.SetStatus(codes.Ok, string(out.Status))
		}
		span.End()
	}()

	if err := o.MarkProcessing(); err != nil {
		return r.failed(o, err, false)
	}

	available, err := r.checkAvailability(ctx, o)
	if err != nil {
		logger.Warn("availability_check_failed", observability.F("error", err.Error()))
		return r.failed(o, err, !retry.IsPermanent(err))
	}
	if !available {
		logger.Warn("insufficient_stock")
		return r.failed(o, ErrInsufficientStock, false)
	}

	if err := r.applyDecrement(ctx, o); err != nil {
		logger.Warn("decrement_failed", observability.F("error", err.Error()))
		return r.failed(o, err, !retry.IsPermanent(err))
	}

	if err := r.markProcessed(ctx, o); err != nil {
		// Partial-failure hazard: stock is decremented but the status
		// write did not land. Never retried, never auto-repaired.
		inc := &InconsistencyError{OrderID: o.ID, Err: err}
		r.inconsistencies.Add(1)
		logger.Error("ledger_inconsistency", observability.F("error", inc.Error()))
		return r.failed(o, inc, false)
	}

	if err := o.MarkProcessed(); err != nil {
		return r.failed(o, err, false)
	}

	return Outcome{OrderID: o.ID, Status: order.StatusProcessed}
}

func (r *TaskRunner) failed(o *order.Order, cause error, retryable bool) Outcome {
	if err := o.MarkFailed(cause.Error()); err != nil && !errors.Is(err, order.ErrInvalidTransition) {
		retryable = false
	}
	return Outcome{OrderID: o.ID, Status: order.StatusFailed, Retryable: retryable, Err: cause}
}

func (r *TaskRunner) checkAvailability(ctx context.Context, o *order.Order) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return r.ledger.CheckAvailability(ctx, o.StockName, o.Items)
}

func (r *TaskRunner) applyDecrement(ctx context.Context, o *order.Order) error {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return r.ledger.ApplyDecrement(ctx, o.ID, o.StockName, o.Items)
}

func (r *TaskRunner) markProcessed(ctx context.Context, o *order.Order) error {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return r.ledger.MarkProcessed(ctx, o)
}
