package order

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"go-tcfprep/errs"
	"go-tcfprep/payment/gateway"
	"go-tcfprep/web/db"
)

const (
	DefaultGrace  = 10 * time.Minute
	DefaultExpiry = 24 * time.Hour
	defaultBatch  = 100
	runTimeout    = 2 * time.Minute
)

type ReconcileStats struct {
	Checked int `json:"checked"`
	Paid    int `json:"paid"`
	Expired int `json:"expired"`
	Pending int `json:"pending"`
	Errors  int `json:"errors"`
}

// Reconciler periodically settles pending orders whose webhook never
// arrived.
type Reconciler struct {
	ledger *Ledger
	grace  time.Duration
	expiry time.Duration
	batch  int
	now    func() time.Time
	logger *slog.Logger
	onPaid func(context.Context, Result)
	cron   *cron.Cron
}

type ReconcilerOption func(*Reconciler)

// WithWindows sets how old a pending order must be before it is checked
// (grace) and before an unpaid one is cancelled (expiry).
func WithWindows(grace, expiry time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if grace > 0 {
			r.grace = grace
		}
		if expiry > 0 {
			r.expiry = expiry
		}
	}
}

func WithReconcileClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// OnPaid registers a callback run after an order is completed by the
// reconciler, outside its transaction.
func OnPaid(fn func(context.Context, Result)) ReconcilerOption {
	return func(r *Reconciler) { r.onPaid = fn }
}

func NewReconciler(l *Ledger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		ledger: l,
		grace:  DefaultGrace,
		expiry: DefaultExpiry,
		batch:  defaultBatch,
		now:    time.Now,
		logger: l.logger.With("component", "reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce checks one batch of stale pending orders. Orders with a checkout
// session are synced with the processor; orders past the expiry window that
// were never paid are cancelled without touching the owner's balance.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats
	now := r.now()

	var orders []db.Order
	err := r.ledger.db.WithContext(ctx).
		Where("status = ? AND updated_at <= ?", db.OrderPending, now.Add(-r.grace)).
		Order("id").
		Limit(r.batch).
		Find(&orders).Error
	if err != nil {
		return stats, err
	}

	for _, o := range orders {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Checked++
		outcome := r.reconcile(ctx, o, now)
		r.ledger.metrics.Reconciled(outcome)
		switch outcome {
		case "paid":
			stats.Paid++
		case "expired":
			stats.Expired++
		case "pending":
			stats.Pending++
		default:
			stats.Errors++
		}
	}

	if stats.Checked > 0 {
		r.logger.Info("reconciliation finished", "checked", stats.Checked, "paid", stats.Paid, "expired", stats.Expired, "pending", stats.Pending, "errors", stats.Errors)
	}
	return stats, nil
}

// reconcile settles one pending order. An order with a checkout session
// follows the processor: paid completes it, expired cancels it, and an open
// session keeps it pending however old it is. Only orders without a session,
// or whose session the processor no longer knows, expire by age, counted
// from when the last session was attached.
func (r *Reconciler) reconcile(ctx context.Context, o db.Order, now time.Time) string {
	log := r.logger.With("order_id", o.ID, "order_number", o.OrderNumber)
	sid := o.SessionID()

	if sid != "" {
		s, err := r.ledger.processor.RetrieveSession(ctx, sid)
		switch {
		case errors.Is(err, errs.ErrSessionNotFound):
			log.Warn("checkout session unknown to the processor", "session_id", sid)
		case err != nil:
			r.ledger.metrics.ProcessorError("retrieve_session")
			log.Warn("retrieve checkout session failed", "session_id", sid, "error", err)
			return "error"
		case s.Status == gateway.SessionStatusExpired && s.PaymentStatus != gateway.PaymentStatusPaid:
			return r.expire(ctx, o, log)
		default:
			res, err := r.ledger.SyncWithSession(ctx, o.ID, s)
			switch {
			case err != nil:
				log.Error("sync order with session failed", "session_id", sid, "error", err)
				return "error"
			case res.Paid():
				if r.onPaid != nil {
					r.onPaid(ctx, res)
				}
				return "paid"
			case res.Order.Status != db.OrderPending:
				return res.Order.Status
			}
			return "pending"
		}
	}

	since := o.CreatedAt
	if o.SessionAttachedAt != nil {
		since = *o.SessionAttachedAt
	}
	if now.Sub(since) < r.expiry {
		return "pending"
	}
	return r.expire(ctx, o, log)
}

func (r *Reconciler) expire(ctx context.Context, o db.Order, log *slog.Logger) string {
	res, err := r.ledger.ExpireCheckout(ctx, o.ID, o.SessionID())
	if err != nil {
		log.Error("expire pending order failed", "error", err)
		return "error"
	}
	if res.AlreadyProcessed {
		return "pending"
	}
	return "expired"
}

// Start runs RunOnce on the cron schedule until Stop. Overlapping runs are
// skipped.
func (r *Reconciler) Start(schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("reconciliation run failed", "error", err)
		}
	})
	if err != nil {
		return errs.Invalid("schedule", err.Error())
	}
	r.cron = c
	c.Start()
	r.logger.Info("reconciler started", "schedule", schedule, "grace", r.grace, "expiry", r.expiry)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish or ctx to
// expire.
func (r *Reconciler) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}
