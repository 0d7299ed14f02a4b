// Package engine turns stored order intents into brokerage submissions. It
// owns the order state machine: reservation, stale-lock recovery, claiming,
// price resolution, submission, commit and retention of finished orders.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"reservo/internal/broker"
	"reservo/internal/config"
	"reservo/internal/domain"
	"reservo/internal/notify"
	"reservo/internal/resolver"
	"reservo/internal/store"
	"reservo/internal/util"
)

const notifyTimeout = 15 * time.Second

// Store writes that settle an attempt are retried before the order is left
// to the stale sweep.
const (
	commitTries = 4
	commitDelay = 50 * time.Millisecond
)

// Config holds execution parameters.
type Config struct {
	MaxRetry         int
	Tranches         int
	StaleAfter       time.Duration
	Workers          int
	BatchSize        int // due orders per pass; 0 = all
	RetainTerminal   int // terminal orders kept; 0 disables pruning
	MaxRepeatDays    int
	MaxScheduleAhead time.Duration
}

// ConfigFrom maps the engine section of the service configuration.
func ConfigFrom(c config.Engine) Config {
	return Config{
		MaxRetry:         c.MaxRetry,
		Tranches:         c.Tranches,
		StaleAfter:       c.StaleAfter,
		Workers:          c.Workers,
		BatchSize:        c.BatchSize,
		RetainTerminal:   c.RetainTerminal,
		MaxRepeatDays:    c.MaxRepeatDays,
		MaxScheduleAhead: c.MaxScheduleAhead,
	}
}

// Report summarises one reconciliation pass. Unconfirmed counts the swept
// orders that were parked in ERROR because a submission had been sent.
type Report struct {
	Swept        int `json:"swept"`
	Unconfirmed  int `json:"unconfirmed"`
	Due          int `json:"due"`
	Claimed      int `json:"claimed"`
	Lost         int `json:"lost"`
	Done         int `json:"done"`
	Retried      int `json:"retried"`
	Failed       int `json:"failed"`
	LockLost     int `json:"lock_lost"`
	CommitErrors int `json:"commit_errors"`
	Pruned       int `json:"pruned"`
}

// Engine executes queued orders against a brokerage.
type Engine struct {
	cfg       Config
	orders    store.OrderStore
	oracle    broker.PositionOracle
	prices    broker.PriceSource
	brokerage broker.Brokerage
	notifier  notify.Notifier
	archive   store.Archive
	calendar  *util.TradingCalendar
	clock     util.Clock
	metrics   *Metrics
	log       *slog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithNotifier sets the outcome notifier.
func WithNotifier(n notify.Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithArchive archives pruned orders before they are deleted.
func WithArchive(a store.Archive) Option { return func(e *Engine) { e.archive = a } }

// WithCalendar sets the trading calendar used for default scheduling.
func WithCalendar(c *util.TradingCalendar) Option { return func(e *Engine) { e.calendar = c } }

// WithClock replaces the wall clock.
func WithClock(c util.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithMetrics sets the metric collectors.
func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// NewEngine creates a new Engine wired with the given dependencies.
func NewEngine(cfg Config, orders store.OrderStore, b broker.Broker, opts ...Option) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	e := &Engine{
		cfg:       cfg,
		orders:    orders,
		oracle:    b,
		prices:    b,
		brokerage: b,
		notifier:  notify.Nop{},
		clock:     util.RealClock{},
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.calendar == nil {
		e.calendar = util.NewTradingCalendar(domain.MarketUS)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	e.log = e.log.With("component", "engine")
	return e
}

// ---------------------------------------------------------------------------
// Reservation
// ---------------------------------------------------------------------------

// Reserve validates the intent and queues a PENDING order that becomes due
// at executeAfter. A zero executeAfter means the next regular market open.
func (e *Engine) Reserve(ctx context.Context, in domain.Intent, executeAfter time.Time) (string, error) {
	in, err := normalizeIntent(in)
	if err != nil {
		return "", err
	}
	now := e.clock.Now().UTC()
	if executeAfter.IsZero() {
		executeAfter = e.calendar.NextOpen(now)
		if executeAfter.IsZero() {
			return "", fmt.Errorf("no market session found after %s", now.Format(time.RFC3339))
		}
	}
	if err := e.checkSchedule(executeAfter, now); err != nil {
		return "", err
	}

	o := e.newOrder(in, executeAfter, now)
	if err := e.orders.Insert(ctx, o); err != nil {
		return "", fmt.Errorf("queueing order: %w", err)
	}
	e.metrics.Reserved.Inc()
	e.log.Info("order reserved",
		"order_id", o.ID,
		"owner", o.Owner,
		"ticker", o.Ticker,
		"side", o.Side,
		"execute_after", o.ExecuteAfter,
	)
	return o.ID, nil
}

// ReserveRepeating queues one order per market session for the next days
// sessions. The orders share a repeat group and are numbered from 0.
func (e *Engine) ReserveRepeating(ctx context.Context, in domain.Intent, days int) (string, []string, error) {
	in, err := normalizeIntent(in)
	if err != nil {
		return "", nil, err
	}
	if days < 1 || days > e.cfg.MaxRepeatDays {
		return "", nil, &domain.ValidationError{Field: "repeat_days", Reason: fmt.Sprintf("must be between 1 and %d", e.cfg.MaxRepeatDays)}
	}

	now := e.clock.Now().UTC()
	sessions := e.calendar.NextSessions(now, days)
	if len(sessions) < days {
		return "", nil, fmt.Errorf("only %d market sessions found for %d repeat days", len(sessions), days)
	}
	if err := e.checkSchedule(sessions[len(sessions)-1].Open, now); err != nil {
		return "", nil, err
	}

	group := uuid.NewString()
	orders := make([]*domain.QueuedOrder, days)
	ids := make([]string, days)
	for i, s := range sessions {
		o := e.newOrder(in, s.Open, now)
		o.RepeatGroup = group
		o.RepeatIndex = i
		orders[i] = o
		ids[i] = o.ID
	}
	if err := e.orders.Insert(ctx, orders...); err != nil {
		return "", nil, fmt.Errorf("queueing repeat group: %w", err)
	}
	e.metrics.Reserved.Add(float64(days))
	e.log.Info("repeating order reserved",
		"repeat_group", group,
		"owner", in.Owner,
		"ticker", in.Ticker,
		"side", in.Side,
		"days", days,
	)
	return group, ids, nil
}

func (e *Engine) newOrder(in domain.Intent, executeAfter, now time.Time) *domain.QueuedOrder {
	return &domain.QueuedOrder{
		ID:           uuid.NewString(),
		Owner:        in.Owner,
		Ticker:       in.Ticker,
		Side:         in.Side,
		Seed:         in.Seed,
		AvgPrice:     in.AvgPrice,
		Tranches:     e.cfg.Tranches,
		Status:       domain.StatusPending,
		ExecuteAfter: executeAfter.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// ListPending returns the owner's orders that have not started executing.
func (e *Engine) ListPending(ctx context.Context, owner string) ([]domain.QueuedOrder, error) {
	return e.orders.List(ctx, owner, domain.StatusPending)
}

// ListOrders returns the owner's orders in the given statuses, or all of
// them when no status is given.
func (e *Engine) ListOrders(ctx context.Context, owner string, statuses ...domain.OrderStatus) ([]domain.QueuedOrder, error) {
	return e.orders.List(ctx, owner, statuses...)
}

// Get returns one order.
func (e *Engine) Get(ctx context.Context, id string) (*domain.QueuedOrder, error) {
	return e.orders.Get(ctx, id)
}

// Cancel deletes an order that is still PENDING. It returns
// domain.ErrNotFound for unknown ids and domain.ErrNotCancellable once the
// order has been claimed.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := e.orders.DeletePending(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		e.log.Info("order cancelled", "order_id", id)
		return true, nil
	}
	if _, err := e.orders.Get(ctx, id); err != nil {
		return false, err
	}
	return false, domain.ErrNotCancellable
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeLost
	outcomeDone
	outcomeRetried
	outcomeFailed
	outcomeLockLost
	outcomeCommitError
)

// Reconcile runs one pass: recover stale locks, then claim and execute every
// due order. Individual order failures are recorded on the order and never
// abort the pass; only store failures before execution starts are returned.
// Concurrent passes, in this process or others sharing the store, are safe.
func (e *Engine) Reconcile(ctx context.Context) (Report, error) {
	start := e.clock.Now()
	rep, err := e.reconcile(ctx)
	e.metrics.PassDuration.Observe(e.clock.Now().Sub(start).Seconds())
	if err != nil {
		e.metrics.Passes.WithLabelValues("error").Inc()
		return rep, err
	}
	e.metrics.Passes.WithLabelValues("ok").Inc()
	if rep != (Report{}) {
		e.log.Info("reconcile pass finished",
			"swept", rep.Swept,
			"unconfirmed", rep.Unconfirmed,
			"due", rep.Due,
			"claimed", rep.Claimed,
			"lost", rep.Lost,
			"done", rep.Done,
			"retried", rep.Retried,
			"failed", rep.Failed,
			"lock_lost", rep.LockLost,
			"commit_errors", rep.CommitErrors,
			"pruned", rep.Pruned,
		)
	}
	return rep, nil
}

func (e *Engine) reconcile(ctx context.Context) (Report, error) {
	var rep Report
	now := e.clock.Now().UTC()

	swept, err := e.orders.SweepStale(ctx, now.Add(-e.cfg.StaleAfter), now)
	if err != nil {
		return rep, fmt.Errorf("recovering stale orders: %w", err)
	}
	rep.Swept = len(swept)
	for _, sw := range swept {
		o, err := e.orders.Get(ctx, sw.ID)
		if err != nil {
			o = &domain.QueuedOrder{ID: sw.ID, Status: sw.Status}
		}
		if sw.Status == domain.StatusError {
			rep.Unconfirmed++
			e.metrics.Unconfirmed.Inc()
			e.log.Error("stale lock after submission, order needs review",
				"order_id", sw.ID, "reason", "stale_lock", "status", sw.Status)
			e.safeNotify(ctx, notify.Event{Kind: notify.KindFailure, Order: *o, Detail: domain.ErrUnconfirmed.Error(), At: now})
			continue
		}
		e.metrics.StaleRecovered.Inc()
		e.log.Warn("stale lock recovered", "order_id", sw.ID, "reason", "stale_lock")
		e.safeNotify(ctx, notify.Event{Kind: notify.KindStaleRecovered, Order: *o, At: now})
	}

	due, err := e.orders.Due(ctx, now, e.cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("selecting due orders: %w", err)
	}
	rep.Due = len(due)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.cfg.Workers)
	for _, o := range due {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out := e.execute(ctx, o)
			mu.Lock()
			rep.add(out)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	rep.Pruned = e.prune(ctx)
	return rep, ctx.Err()
}

func (r *Report) add(out outcome) {
	switch out {
	case outcomeLost:
		r.Lost++
		return
	case outcomeSkipped:
		return
	}
	r.Claimed++
	switch out {
	case outcomeDone:
		r.Done++
	case outcomeRetried:
		r.Retried++
	case outcomeFailed:
		r.Failed++
	case outcomeLockLost:
		r.LockLost++
	case outcomeCommitError:
		r.CommitErrors++
	}
}

// execute claims one order and drives it to its next state.
func (e *Engine) execute(ctx context.Context, o domain.QueuedOrder) outcome {
	log := e.log.With("order_id", o.ID, "ticker", o.Ticker, "side", o.Side)

	token := uuid.NewString()
	claimedAt := e.clock.Now().UTC()
	ok, err := e.orders.Claim(ctx, o.ID, token, claimedAt)
	if err != nil {
		log.Error("claim failed", "error", err)
		return outcomeSkipped
	}
	if !ok {
		e.metrics.LostRaces.Inc()
		log.Debug("claim lost to another worker")
		return outcomeLost
	}
	e.metrics.Claims.Inc()
	defer func() {
		e.metrics.ExecDuration.Observe(e.clock.Now().Sub(claimedAt).Seconds())
	}()

	// A claimed order runs to completion: cancelling the pass only stops
	// new claims.
	runCtx := context.WithoutCancel(ctx)
	if e.cfg.StaleAfter > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, e.cfg.StaleAfter/2)
		defer cancel()
	}

	res, brokerOrderID, attemptErr := e.attempt(runCtx, &o, token)
	if errors.Is(attemptErr, domain.ErrLockLost) {
		return e.commitFailed(log, attemptErr)
	}

	commitCtx := context.WithoutCancel(ctx)
	now := e.clock.Now().UTC()

	if attemptErr == nil {
		err := e.retryCommit(commitCtx, func() error {
			return e.orders.CommitDone(commitCtx, o.ID, token, res, brokerOrderID, now)
		})
		if err != nil {
			return e.commitFailed(log, err)
		}
		o.Status = domain.StatusDone
		o.ExecutedAt = &now
		o.UpdatedAt = now
		o.ExecPrice, o.ExecQty, o.BrokerOrderID = res.Price, res.Qty, brokerOrderID
		e.metrics.Done.Inc()
		log.Info("order executed",
			"status", o.Status,
			"price", res.Price,
			"qty", res.Qty,
			"broker_order_id", brokerOrderID,
		)
		e.safeNotify(ctx, notify.Event{Kind: notify.KindSuccess, Order: o, At: now})
		return outcomeDone
	}

	reason := attemptErr.Error()
	var (
		status  domain.OrderStatus
		retries int
	)
	err = e.retryCommit(commitCtx, func() error {
		var err error
		status, retries, err = e.orders.CommitFailure(commitCtx, o.ID, token, reason, e.cfg.MaxRetry, now)
		return err
	})
	if err != nil {
		return e.commitFailed(log, err)
	}
	o.Status, o.RetryCount, o.Error, o.UpdatedAt = status, retries, reason, now

	if status == domain.StatusError {
		e.metrics.Failed.Inc()
		log.Error("order failed permanently", "status", status, "retry_count", retries, "error", reason)
		e.safeNotify(ctx, notify.Event{Kind: notify.KindFailure, Order: o, Detail: reason, At: now})
		return outcomeFailed
	}
	e.metrics.Retried.Inc()
	log.Warn("order attempt failed", "status", status, "retry_count", retries, "error", reason)
	e.safeNotify(ctx, notify.Event{Kind: notify.KindRetry, Order: o, Detail: reason, At: now})
	return outcomeRetried
}

// retryCommit runs a settling store write, retrying transient store errors.
// A lost lock is final.
func (e *Engine) retryCommit(ctx context.Context, fn func() error) error {
	return util.Retry(ctx, commitTries, commitDelay, func() error {
		err := fn()
		if errors.Is(err, domain.ErrLockLost) {
			return util.Permanent(err)
		}
		return err
	})
}

func (e *Engine) commitFailed(log *slog.Logger, err error) outcome {
	if errors.Is(err, domain.ErrLockLost) {
		e.metrics.LockLost.Inc()
		log.Error("commit rejected, lock was taken over", "error", err)
		return outcomeLockLost
	}
	// The order stays RUNNING until the stale sweep releases it; a set
	// submission mark sends it to ERROR there, never back to PENDING.
	e.metrics.CommitErrors.Inc()
	log.Error("commit failed", "error", err)
	return outcomeCommitError
}

// attempt performs fetch, resolve, submit and the business-success check.
// The submission mark is written under the claim before the brokerage call.
func (e *Engine) attempt(ctx context.Context, o *domain.QueuedOrder, token string) (domain.Resolution, string, error) {
	holding, err := e.oracle.Position(ctx, o.Ticker)
	if err != nil {
		return domain.Resolution{}, "", &domain.FetchError{Op: "position", Ticker: o.Ticker, Err: err}
	}
	price, err := e.prices.LatestPrice(ctx, o.Ticker)
	if err != nil {
		return domain.Resolution{}, "", &domain.FetchError{Op: "price", Ticker: o.Ticker, Err: err}
	}

	avg := o.AvgPrice
	var owned int64
	if holding.Found {
		if holding.AvgPrice > 0 {
			avg = holding.AvgPrice
		}
		owned = holding.SellableQty
	}

	res, err := resolver.Resolve(resolver.Input{
		Side:             o.Side,
		Seed:             o.Seed,
		Tranches:         o.Tranches,
		LiveAvgPrice:     avg,
		LiveCurrentPrice: price,
		OwnedQty:         owned,
	})
	if err != nil {
		return domain.Resolution{}, "", fmt.Errorf("resolving order: %w", err)
	}

	req := domain.SubmitRequest{
		ClientOrderID: o.ID,
		Ticker:        o.Ticker,
		Price:         res.Price,
		Qty:           res.Qty,
		Direction:     o.Side.Direction(),
		Type:          domain.OrderTypeLimit,
	}
	if o.Side.IsBuy() {
		req.Type = domain.OrderTypeLOC
	}

	if err := e.orders.MarkSubmitted(ctx, o.ID, token, e.clock.Now().UTC()); err != nil {
		if errors.Is(err, domain.ErrLockLost) {
			return domain.Resolution{}, "", err
		}
		return domain.Resolution{}, "", fmt.Errorf("recording submission: %w", err)
	}

	// Brokerage calls cannot be cancelled safely once started.
	result, err := e.brokerage.Submit(context.WithoutCancel(ctx), req)
	if err != nil {
		return domain.Resolution{}, "", fmt.Errorf("submitting to %s: %w", e.brokerage.Name(), err)
	}
	if err := assertBusinessSuccess(result); err != nil {
		return domain.Resolution{}, "", err
	}
	return res, result.BrokerOrderID, nil
}

// assertBusinessSuccess turns a transport-level success carrying a
// non-OK business code into a RejectError.
func assertBusinessSuccess(res *domain.SubmitResult) error {
	if res == nil {
		return &domain.RejectError{Code: "EMPTY", Message: "brokerage returned no result"}
	}
	if res.Code != domain.CodeOK {
		return &domain.RejectError{Code: res.Code, Message: res.Message}
	}
	return nil
}

// safeNotify delivers ev, swallowing errors and panics from the notifier.
func (e *Engine) safeNotify(ctx context.Context, ev notify.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.NotifyFailures.Inc()
			e.log.Error("notifier panicked", "order_id", ev.Order.ID, "kind", ev.Kind, "panic", r)
		}
	}()

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := e.notifier.Notify(nctx, ev); err != nil {
		e.metrics.NotifyFailures.Inc()
		e.log.Warn("notification failed", "order_id", ev.Order.ID, "kind", ev.Kind, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Retention
// ---------------------------------------------------------------------------

// prune archives and deletes terminal orders beyond the retention window.
func (e *Engine) prune(ctx context.Context) int {
	if e.cfg.RetainTerminal <= 0 || ctx.Err() != nil {
		return 0
	}
	old, err := e.orders.TerminalBeyond(ctx, e.cfg.RetainTerminal)
	if err != nil {
		e.log.Error("listing prunable orders", "error", err)
		return 0
	}
	if len(old) == 0 {
		return 0
	}
	if e.archive != nil {
		if err := e.archive.ArchiveOrders(ctx, old); err != nil {
			e.log.Error("archiving orders, skipping prune", "count", len(old), "error", err)
			return 0
		}
	}

	ids := make([]string, len(old))
	for i, o := range old {
		ids[i] = o.ID
	}
	n, err := e.orders.DeleteTerminal(ctx, ids)
	if err != nil {
		e.log.Error("pruning orders", "error", err)
		return 0
	}
	e.metrics.Pruned.Add(float64(n))
	return int(n)
}
