package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aitbekov/kaspi-sync/internal/domain/order"
	"github.com/aitbekov/kaspi-sync/internal/observability"
	"github.com/aitbekov/kaspi-sync/internal/pkg/retry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// remoteStatusApproved is the only remote status a fetched order may carry
// to be accepted and processed; anything else is skipped.
const remoteStatusApproved = "APPROVED_BY_BANK"

type Config struct {
	// MaxRounds bounds the retry rounds over the pending order set.
	MaxRounds int
	// Concurrency caps simultaneously in-flight order tasks.
	Concurrency int
	// RoundDelay is the fixed pause between retry rounds.
	RoundDelay time.Duration
	// CallTimeout bounds every single gateway and ledger call.
	CallTimeout time.Duration
	// MaxWindow clamps the fetch window when the cursor lags behind.
	MaxWindow time.Duration
	// BatchAttempts/BatchDelay drive the retry policy of batch-level steps
	// (cancellation sweep, fetch window).
	BatchAttempts int
	BatchDelay    time.Duration
	// AcceptAttempts bounds the per-order accept step.
	AcceptAttempts int
}

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 5
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.RoundDelay <= 0 {
		c.RoundDelay = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = 48 * time.Hour
	}
	if c.BatchAttempts <= 0 {
		c.BatchAttempts = 3
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 2 * time.Second
	}
	if c.AcceptAttempts <= 0 {
		c.AcceptAttempts = 3
	}
	return c
}

// Orchestrator sequences one synchronization run: cancellation sweep, fetch
// window, bounded-concurrency retry rounds, waybill issuance. One instance
// is safe for repeated RunOnce invocations; runs do not overlap unless the
// caller overlaps them.
type Orchestrator struct {
	gateway Gateway
	ledger  Ledger
	cursor  CursorStore
	runner  OrderProcessor
	ids     IDGenerator
	cfg     Config

	tel observability.Telemetry
	log observability.Logger

	batchPolicy  *retry.Policy
	acceptPolicy *retry.Policy

	runs         observability.Counter
	runDuration  observability.Histogram
	outcomes     observability.Counter
	waybillFails observability.Counter

	// Seams for tests; wall clock and real sleeping otherwise.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(
	gateway Gateway,
	ledger Ledger,
	cursor CursorStore,
	runner OrderProcessor,
	ids IDGenerator,
	tel observability.Telemetry,
	cfg Config,
) *Orchestrator {
	cfg = cfg.withDefaults()
	if tel == nil {
		tel = observability.Nop()
	}
	log := tel.Logger().With(observability.F("component", "orchestrator"))

	attempts := &attemptObserver{
		log:     log,
		counter: tel.Metrics().Counter(observability.MRetryAttempts),
	}

	return &Orchestrator{
		gateway:      gateway,
		ledger:       ledger,
		cursor:       cursor,
		runner:       runner,
		ids:          ids,
		cfg:          cfg,
		tel:          tel,
		log:          log,
		batchPolicy:  retry.New(cfg.BatchAttempts, cfg.BatchDelay, attempts),
		acceptPolicy: retry.New(cfg.AcceptAttempts, cfg.BatchDelay, attempts),
		runs:         tel.Metrics().Counter(observability.MSyncRuns),
		runDuration:  tel.Metrics().Histogram(observability.MSyncRunDuration),
		outcomes:     tel.Metrics().Counter(observability.MOrderOutcomes),
		waybillFails: tel.Metrics().Counter(observability.MWaybillFailures),
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// RunOnce performs one full synchronization run. It never returns an error:
// every path, batch-fatal ones included, resolves to a RunResult.
func (o *Orchestrator) RunOnce(ctx context.Context) *RunResult {
	start := o.now()
	res := &RunResult{RunID: o.ids.NewID(), Reason: ReasonCompleted}
	logger := o.log.With(observability.F("run_id", res.RunID))

	ctx, span := o.tel.Tracer().Start(ctx, spanPrefix+"RunOnce",
		attribute.String("run.id", res.RunID),
	)
	defer func() {
		res.Elapsed = o.now().Sub(start)
		o.runs.Add(1, observability.L("reason", string(res.Reason)))
		o.runDuration.Observe(res.Elapsed.Seconds())

		fields := []observability.Field{
			observability.F("reason", string(res.Reason)),
			observability.F("processed", res.Processed),
			observability.F("failed", res.Failed),
			observability.F("cancelled", res.Cancelled),
			observability.F("skipped", res.Skipped),
			observability.F("elapsed_seconds", res.Elapsed.Seconds()),
		}
		if res.Err != nil {
			fields = append(fields, observability.F("error", res.Err.Error()))
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, string(res.Reason))
		} else {
			span.SetStatus(codes.Ok, string(res.Reason))
		}
		logger.Info("run_done", fields...)
		span.End()
	}()

	cursorTime, err := o.loadCursor(ctx)
	if err != nil {
		logger.Warn("cursor_load_failed", observability.F("error", err.Error()))
		cursorTime = time.Time{}
	}
	res.Window = o.fetchWindow(cursorTime)

	if err := o.sweepCancellations(ctx, cursorTime, res, logger); err != nil {
		res.Reason, res.Err = ReasonFailed, err
		return res
	}

	orders, err := retry.DoValue(ctx, o.batchPolicy, "fetch-new-orders",
		func(ctx context.Context) ([]*order.Order, error) {
			ctx, cancel := o.callCtx(ctx)
			defer cancel()
			return o.gateway.FetchNewOrders(ctx, res.Window)
		})
	if err != nil {
		res.Reason, res.Err = ReasonFailed, err
		return res
	}
	logger.Info("window_fetched",
		observability.F("orders", len(orders)),
		observability.F("window_from", res.Window.From),
		observability.F("window_to", res.Window.To),
	)

	pending := o.acceptOrders(ctx, orders, res, logger)

	processed := o.runRounds(ctx, pending, res, logger)

	o.issueWaybills(ctx, processed, logger)

	o.saveCursor(ctx, res.Window.To, logger)
	return res
}

// fetchWindow derives the batch window from the persisted cursor, clamped
// so a long-stalled cursor cannot produce an unbounded result set.
func (o *Orchestrator) fetchWindow(cursor time.Time) TimeRange {
	to := o.now().UTC()
	from := cursor.UTC()
	if from.IsZero() || to.Sub(from) > o.cfg.MaxWindow {
		from = to.Add(-o.cfg.MaxWindow)
	}
	return TimeRange{From: from, To: to}
}

// sweepCancellations reverses archived cancellations: returned orders
// first, then cancelled ones, matching the remote archive semantics.
// Batch-fatal only when a fetch exhausts its retries; individual reversal
// failures are logged and skipped.
func (o *Orchestrator) sweepCancellations(ctx context.Context, since time.Time, res *RunResult, logger observability.Logger) error {
	returned, err := retry.DoValue(ctx, o.batchPolicy, "fetch-returned-cancellations",
		func(ctx context.Context) ([]order.CancellationRecord, error) {
			ctx, cancel := o.callCtx(ctx)
			defer cancel()
			return o.gateway.FetchReturnedCancellations(ctx, since)
		})
	if err != nil {
		return err
	}
	cancelled, err := retry.DoValue(ctx, o.batchPolicy, "fetch-archived-cancellations",
		func(ctx context.Context) ([]order.CancellationRecord, error) {
			ctx, cancel := o.callCtx(ctx)
			defer cancel()
			return o.gateway.FetchArchivedCancellations(ctx, since)
		})
	if err != nil {
		return err
	}

	records := append(returned, cancelled...)
	if len(records) == 0 {
		return nil
	}

	var reversed int64
	var mu sync.Mutex
	o.forEachBounded(ctx, len(records), func(i int) {
		rec := records[i]
		if o.cancelLocally(ctx, rec, logger) {
			mu.Lock()
			reversed++
			res.Cancelled++
			mu.Unlock()
		}
	})
	logger.Info("cancellation_sweep_done",
		observability.F("records", len(records)),
		observability.F("reversed", reversed),
	)
	return nil
}

// cancelLocally reverses one archived cancellation. Only orders the ledger
// has fully processed still hold a reservation worth reversing; everything
// else just gets the status flip.
func (o *Orchestrator) cancelLocally(ctx context.Context, rec order.CancellationRecord, logger observability.Logger) bool {
	logger = logger.With(observability.F("order_id", rec.OrderID))

	tctx, cancel := o.callCtx(ctx)
	status, err := o.ledger.OrderStatus(tctx, rec.OrderID)
	cancel()
	switch {
	case errors.Is(err, ErrUnknownOrder) || status == order.StatusCancelled:
		return false
	case err != nil:
		logger.Warn("cancel_status_read_failed", observability.F("error", err.Error()))
		return false
	}

	if status == order.StatusProcessed {
		tctx, cancel := o.callCtx(ctx)
		err := o.ledger.ReverseReservation(tctx, rec.OrderID)
		cancel()
		if err != nil {
			logger.Error("reservation_reversal_failed", observability.F("error", err.Error()))
			return false
		}
	}

	tctx, cancel = o.callCtx(ctx)
	err = o.ledger.SetOrderStatus(tctx, rec.OrderID, order.StatusCancelled)
	cancel()
	if err != nil {
		logger.Error("cancel_status_write_failed", observability.F("error", err.Error()))
		return false
	}
	logger.Info("order_cancelled_from_archive", observability.F("reason", rec.Reason))
	return true
}

// acceptOrders filters the fetched batch down to the processable set:
// already-terminal orders are skipped (re-runs stay idempotent), orders in
// an unexpected remote status are skipped, and the rest are accepted with
// the marketplace under a small bounded retry.
func (o *Orchestrator) acceptOrders(ctx context.Context, orders []*order.Order, res *RunResult, logger observability.Logger) []*order.Order {
	pending := make([]*order.Order, 0, len(orders))
	for _, ord := range orders {
		tctx, cancel := o.callCtx(ctx)
		status, err := o.ledger.OrderStatus(tctx, ord.ID)
		cancel()
		if err == nil && status.Terminal() {
			res.Skipped++
			continue
		}
		if err != nil && !errors.Is(err, ErrUnknownOrder) {
			logger.Warn("order_status_read_failed",
				observability.F("order_id", ord.ID),
				observability.F("error", err.Error()),
			)
		}
		if ord.RemoteStatus != remoteStatusApproved {
			res.Skipped++
			continue
		}

		acceptErr := o.acceptPolicy.Do(ctx, "accept-order", func(ctx context.Context) error {
			ctx, cancel := o.callCtx(ctx)
			defer cancel()
			return o.gateway.AcceptOrder(ctx, ord.ID, ord.Code)
		})
		if acceptErr != nil {
			logger.Error("order_accept_failed",
				observability.F("order_id", ord.ID),
				observability.F("error", acceptErr.Error()),
			)
			_ = ord.MarkFailed("accept rejected by marketplace")
			o.countOutcome(res, Outcome{OrderID: ord.ID, Status: order.StatusFailed, Err: acceptErr})
			continue
		}
		pending = append(pending, ord)
	}
	return pending
}

// runRounds drives the bounded-concurrency fan-out over the pending set for
// up to MaxRounds rounds, probing for cancellations between rounds. Returns
// the orders that reached the processed state.
func (o *Orchestrator) runRounds(ctx context.Context, pending []*order.Order, res *RunResult, logger observability.Logger) []*order.Order {
	var processed []*order.Order

	for round := 1; round <= o.cfg.MaxRounds && len(pending) > 0; round++ {
		outcomes := make([]Outcome, len(pending))
		o.forEachBounded(ctx, len(pending), func(i int) {
			outcomes[i] = o.runner.Process(ctx, pending[i])
		})
		// The fan-out above fully drains before anything below runs;
		// that barrier is what makes the probe meaningful.

		next := pending[:0]
		for i, oc := range outcomes {
			switch {
			case oc.Status == order.StatusProcessed:
				processed = append(processed, pending[i])
				o.countOutcome(res, oc)
			case oc.Retryable:
				next = append(next, pending[i])
			default:
				o.countOutcome(res, oc)
			}
		}
		logger.Info("round_done",
			observability.F("round", round),
			observability.F("remaining", len(next)),
		)
		if len(next) == 0 {
			pending = nil
			break
		}

		if stopped := o.probeAndCancel(ctx, next, res, logger); stopped {
			res.Reason = ReasonCancelledEarly
			return processed
		}

		if round == o.cfg.MaxRounds {
			pending = next
			break
		}
		if err := o.sleep(ctx, o.cfg.RoundDelay); err != nil {
			res.Reason, res.Err = ReasonFailed, err
			return processed
		}
		pending = next
	}

	if len(pending) > 0 {
		res.Reason = ReasonExhaustedRetries
		for _, ord := range pending {
			o.countOutcome(res, Outcome{OrderID: ord.ID, Status: order.StatusFailed})
		}
	}
	return processed
}

// probeAndCancel re-checks the retry set against the marketplace. Orders
// found cancelled terminate as CANCELLED, never FAILED, and stop the run:
// the batch is stale, further rounds would fight the customer.
func (o *Orchestrator) probeAndCancel(ctx context.Context, pending []*order.Order, res *RunResult, logger observability.Logger) bool {
	ids := make([]string, len(pending))
	for i, ord := range pending {
		ids[i] = ord.ID
	}

	tctx, cancel := o.callCtx(ctx)
	cancelledIDs, err := o.gateway.ProbeCancellation(tctx, ids)
	cancel()
	if err != nil {
		// The probe is best-effort; a failed probe never fails the batch.
		logger.Warn("cancellation_probe_failed", observability.F("error", err.Error()))
		return false
	}
	if len(cancelledIDs) == 0 {
		return false
	}

	cancelledSet := make(map[string]bool, len(cancelledIDs))
	for _, id := range cancelledIDs {
		cancelledSet[id] = true
	}

	for _, ord := range pending {
		if !cancelledSet[ord.ID] {
			// Not cancelled, but the run stops here: terminal for this run.
			o.countOutcome(res, Outcome{OrderID: ord.ID, Status: order.StatusFailed})
			continue
		}
		_ = ord.MarkCancelled("cancelled by customer mid-run")
		tctx, cancel := o.callCtx(ctx)
		if err := o.ledger.SetOrderStatus(tctx, ord.ID, order.StatusCancelled); err != nil {
			logger.Error("cancel_status_write_failed",
				observability.F("order_id", ord.ID),
				observability.F("error", err.Error()),
			)
		}
		cancel()
		o.countOutcome(res, Outcome{OrderID: ord.ID, Status: order.StatusCancelled})
		logger.Warn("order_cancelled_mid_run", observability.F("order_id", ord.ID))
	}
	return true
}

// issueWaybills requests shipping documents for processed orders. A waybill
// failure degrades the order (logged, counted) but never reverts it.
func (o *Orchestrator) issueWaybills(ctx context.Context, processed []*order.Order, logger observability.Logger) {
	if len(processed) == 0 {
		return
	}
	o.forEachBounded(ctx, len(processed), func(i int) {
		ord := processed[i]
		l := logger.With(observability.F("order_id", ord.ID))

		tctx, cancel := o.callCtx(ctx)
		link, err := o.gateway.RequestWaybill(tctx, ord.ID)
		cancel()
		if err != nil {
			o.waybillFails.Add(1)
			l.Warn("waybill_request_failed", observability.F("error", err.Error()))
			return
		}

		tctx, cancel = o.callCtx(ctx)
		err = o.ledger.RecordWaybill(tctx, ord.ID, link)
		cancel()
		if err != nil {
			o.waybillFails.Add(1)
			l.Warn("waybill_record_failed", observability.F("error", err.Error()))
			return
		}
		ord.SetWaybill(link)
	})
}

// forEachBounded fans fn out over n indexes with at most cfg.Concurrency
// in flight, and blocks until all of them return.
func (o *Orchestrator) forEachBounded(ctx context.Context, n int, fn func(i int)) {
	sem := make(chan struct{}, o.cfg.Concurrency)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}

func (o *Orchestrator) countOutcome(res *RunResult, oc Outcome) {
	switch oc.Status {
	case order.StatusProcessed:
		res.Processed++
	case order.StatusCancelled:
		res.Cancelled++
	default:
		res.Failed++
	}
	o.outcomes.Add(1, observability.L("outcome", string(oc.Status)))
}

func (o *Orchestrator) loadCursor(ctx context.Context) (time.Time, error) {
	if o.cursor == nil {
		return time.Time{}, nil
	}
	ctx, cancel := o.callCtx(ctx)
	defer cancel()
	return o.cursor.Load(ctx)
}

func (o *Orchestrator) saveCursor(ctx context.Context, boundary time.Time, logger observability.Logger) {
	if o.cursor == nil {
		return
	}
	ctx, cancel := o.callCtx(ctx)
	defer cancel()
	if err := o.cursor.Save(ctx, boundary); err != nil {
		logger.Warn("cursor_save_failed", observability.F("error", err.Error()))
	}
}

func (o *Orchestrator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.CallTimeout)
}

// attemptObserver reports retry attempts to the log and metrics sinks.
type attemptObserver struct {
	log     observability.Logger
	counter observability.Counter
}

func (a *attemptObserver) RecordAttempt(operation string, attempt int, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
		a.log.Warn("attempt_failed",
			observability.F("operation", operation),
			observability.F("attempt", attempt),
			observability.F("error", err.Error()),
		)
	}
	a.counter.Add(1,
		observability.L("operation", operation),
		observability.L("outcome", outcome),
	)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
