package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"go-tcfprep/credit"
	"go-tcfprep/errs"
	"go-tcfprep/payment/gateway"
	"go-tcfprep/web/db"
)

// legal lists the transitions that mutate an order. Anything else, including
// a repeat of the current status, is reported as already processed.
var legal = map[string]map[string]bool{
	db.OrderPending: {db.OrderPaid: true, db.OrderCancelled: true, db.OrderRefunded: true},
	db.OrderPaid:    {db.OrderRefunded: true, db.OrderCancelled: true},
}

type TransitionOptions struct {
	ActorID         *uint
	Reason          string
	ResetBalance    bool // cancellation only; refunds always reset
	PaymentIntentID string
	RefundID        string

	reopen bool // lets a paid checkout complete an order the system expired
}

type Result struct {
	Order            db.Order       `json:"order"`
	From             string         `json:"from"`
	To               string         `json:"to"`
	AlreadyProcessed bool           `json:"already_processed"`
	Credit           *credit.Change `json:"credit,omitempty"`
}

// Paid reports whether this call moved the order to paid.
func (r Result) Paid() bool {
	return !r.AlreadyProcessed && r.To == db.OrderPaid
}

func lockOrder(tx *gorm.DB, orderID uint) (db.Order, error) {
	var o db.Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&o, orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Order{}, fmt.Errorf("order %d: %w", orderID, errs.ErrOrderNotFound)
	}
	if err != nil {
		return db.Order{}, fmt.Errorf("lock order %d: %w", orderID, err)
	}
	return o, nil
}

// Transition moves an order to status to. Reaching paid grants the plan's
// credits; cancellation resets the balance on request; refund always does.
// The order and user rows stay locked until the change commits.
func (l *Ledger) Transition(ctx context.Context, orderID uint, to string, opts TransitionOptions) (Result, error) {
	switch to {
	case db.OrderPaid, db.OrderCancelled, db.OrderRefunded:
	default:
		return Result{}, errs.Invalid("status", fmt.Sprintf("cannot transition to %q", to))
	}

	var res Result
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		res, err = l.transitionTx(tx, &o, to, opts)
		return err
	})
	if err != nil {
		l.logger.Error("order transition failed", "order_id", orderID, "transition", to, "actor_id", opts.ActorID, "error", err)
		return Result{}, err
	}
	l.logResult(res)
	return res, nil
}

func (l *Ledger) transitionTx(tx *gorm.DB, o *db.Order, to string, opts TransitionOptions) (Result, error) {
	res := Result{From: o.Status, To: to}
	late := opts.reopen && o.Status == db.OrderCancelled && to == db.OrderPaid
	if !legal[o.Status][to] && !late {
		res.AlreadyProcessed = true
		res.Order = *o
		return res, nil
	}

	user, err := credit.LockUser(tx, o.UserID)
	if err != nil {
		return Result{}, err
	}

	now := l.now()
	updates := map[string]any{"status": to}
	switch to {
	case db.OrderPaid:
		updates["payment_status"] = db.OrderPaymentCompleted
		updates["paid_at"] = now
		if opts.PaymentIntentID != "" {
			updates["stripe_payment_intent_id"] = opts.PaymentIntentID
		}

		g := credit.Grant{PlanID: o.SubscriptionPlan, Usages: o.PlanUsages, OrderID: &o.ID, ActorID: opts.ActorID}
		pack, err := l.catalog.LookupWith(tx, o.SubscriptionPlan)
		switch {
		case err == nil:
			g.Pack = &pack
		case !errors.Is(err, errs.ErrPlanNotFound):
			return Result{}, err
		}
		change, err := l.credits.GrantAdditiveTx(tx, &user, g)
		if err != nil {
			return Result{}, err
		}
		res.Credit = &change

	case db.OrderCancelled:
		updates["payment_status"] = db.OrderPaymentCancelled
		updates["cancelled_at"] = now
		updates["cancelled_by"] = opts.ActorID
		if opts.Reason != "" {
			updates["refund_reason"] = opts.Reason
		}
		if opts.ResetBalance {
			change, err := l.credits.ResetBalanceTx(tx, &user, credit.Reset{OrderID: &o.ID, ActorID: opts.ActorID, Reason: "order cancelled: " + opts.Reason})
			if err != nil {
				return Result{}, err
			}
			res.Credit = &change
		}

	case db.OrderRefunded:
		updates["payment_status"] = db.OrderPaymentRefunded
		updates["refunded_at"] = now
		updates["refund_reason"] = opts.Reason
		if opts.RefundID != "" {
			updates["stripe_refund_id"] = opts.RefundID
		}
		change, err := l.credits.ResetBalanceTx(tx, &user, credit.Reset{OrderID: &o.ID, ActorID: opts.ActorID, Reason: "order refunded: " + opts.Reason})
		if err != nil {
			return Result{}, err
		}
		res.Credit = &change
	}

	if err := tx.Model(o).Updates(updates).Error; err != nil {
		return Result{}, fmt.Errorf("update order %d: %w", o.ID, err)
	}
	if err := tx.First(o, o.ID).Error; err != nil {
		return Result{}, err
	}
	res.Order = *o
	l.metrics.Transition(res.From, res.To)
	return res, nil
}

func (l *Ledger) logResult(res Result) {
	log := l.logger.With("order_id", res.Order.ID, "order_number", res.Order.OrderNumber, "user_id", res.Order.UserID, "transition", res.From+"->"+res.To)
	if res.AlreadyProcessed {
		log.Info("order already processed")
		return
	}
	log.Info("order transitioned")
}

// SyncWithSession reconciles an order with the processor's session. A paid
// session completes the order even when its total disagrees with the order
// amount by more than a cent; the mismatch is only logged. A paid session
// also completes an order the reconciler expired, while one an
// administrator cancelled before any payment fails with
// errs.ErrPaidAfterCancel. An unpaid session leaves the order as it is.
// Other statuses are rejected untouched.
func (l *Ledger) SyncWithSession(ctx context.Context, orderID uint, s gateway.Session) (Result, error) {
	switch s.PaymentStatus {
	case gateway.PaymentStatusPaid:
	case gateway.PaymentStatusUnpaid:
		o, err := l.Get(ctx, orderID)
		if err != nil {
			return Result{}, err
		}
		return Result{Order: o, From: o.Status, To: db.OrderPending, AlreadyProcessed: true}, nil
	default:
		l.logger.Warn("unknown payment status", "order_id", orderID, "session_id", s.ID, "payment_status", s.PaymentStatus)
		return Result{}, fmt.Errorf("session %s status %q: %w", s.ID, s.PaymentStatus, errs.ErrUnknownPaymentStatus)
	}

	var res Result
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := lockOrder(tx, orderID)
		if err != nil {
			return err
		}

		opts := TransitionOptions{PaymentIntentID: s.PaymentIntentID, Reason: "checkout completed"}
		if o.Status == db.OrderCancelled && o.PaidAt == nil {
			if o.CancelledBy != nil {
				l.metrics.LatePayment("rejected")
				l.logger.Error("PAYMENT FOR CANCELLED ORDER: checkout paid after an administrator cancelled the order, refund or reinstate it manually",
					"order_id", o.ID, "order_number", o.OrderNumber, "session_id", s.ID,
					"payment_intent", s.PaymentIntentID, "cancelled_by", *o.CancelledBy)
				return fmt.Errorf("order %s: %w", o.OrderNumber, errs.ErrPaidAfterCancel)
			}
			l.metrics.LatePayment("completed")
			l.logger.Warn("checkout paid after the order expired, completing it",
				"order_id", o.ID, "order_number", o.OrderNumber, "session_id", s.ID)
			opts.reopen = true
		}
		if o.Status == db.OrderPending || opts.reopen {
			l.checkAmount(o, s)
		}
		if o.StripeSessionID == nil && s.ID != "" {
			if err := tx.Model(&o).Update("stripe_session_id", s.ID).Error; err != nil {
				return err
			}
		}

		res, err = l.transitionTx(tx, &o, db.OrderPaid, opts)
		return err
	})
	if err != nil {
		l.logger.Error("session sync failed", "order_id", orderID, "session_id", s.ID, "error", err)
		return Result{}, err
	}
	l.logResult(res)
	return res, nil
}

func (l *Ledger) checkAmount(o db.Order, s gateway.Session) {
	paid := decimal.New(s.AmountTotal, -2)
	if paid.Sub(o.Amount).Abs().LessThanOrEqual(l.tolerance) {
		return
	}
	l.metrics.AmountMismatch()
	l.logger.Warn("payment amount mismatch, completing anyway",
		"order_id", o.ID, "order_number", o.OrderNumber,
		"expected", o.Amount.StringFixed(2), "paid", paid.StringFixed(2),
		"error", errs.ErrPaymentAmountMismatch)
}

// ExpireCheckout cancels a pending order whose checkout ended unpaid,
// without touching the owner's balance. sessionID must still be the order's
// current session ("" for an order that never had one); an order that has
// moved on to a newer checkout is left alone and reported as already
// processed.
func (l *Ledger) ExpireCheckout(ctx context.Context, orderID uint, sessionID string) (Result, error) {
	var res Result
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if o.SessionID() != sessionID {
			res = Result{Order: o, From: o.Status, To: db.OrderCancelled, AlreadyProcessed: true}
			return nil
		}
		res, err = l.transitionTx(tx, &o, db.OrderCancelled, TransitionOptions{Reason: "checkout expired"})
		return err
	})
	if err != nil {
		l.logger.Error("expire checkout failed", "order_id", orderID, "session_id", sessionID, "error", err)
		return Result{}, err
	}
	l.logResult(res)
	return res, nil
}

// Cancel marks an order cancelled, zeroing the owner's balance when
// resetBalance is set.
func (l *Ledger) Cancel(ctx context.Context, orderID, actorID uint, reason string, resetBalance bool) (Result, error) {
	return l.Transition(ctx, orderID, db.OrderCancelled, TransitionOptions{
		ActorID:      &actorID,
		Reason:       reason,
		ResetBalance: resetBalance,
	})
}

// Refund returns the payment through the processor, then records the refund
// and zeroes the owner's balance. Nothing local changes when the processor
// call fails. A local failure after the processor accepted the refund
// cannot be rolled back and is returned as errs.ErrRefundNotRecorded.
func (l *Ledger) Refund(ctx context.Context, orderID, actorID uint, reason string) (Result, error) {
	o, err := l.Get(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if o.Status == db.OrderRefunded {
		return Result{Order: o, From: o.Status, To: db.OrderRefunded, AlreadyProcessed: true}, nil
	}
	if o.Status != db.OrderPaid {
		return Result{}, fmt.Errorf("order %s is %s: %w", o.OrderNumber, o.Status, errs.ErrNotRefundable)
	}
	if o.StripePaymentIntentID == "" {
		return Result{}, fmt.Errorf("order %s has no payment intent: %w", o.OrderNumber, errs.ErrNotRefundable)
	}

	refund, err := l.processor.IssueRefund(ctx, o.StripePaymentIntentID, gateway.RefundReasonRequestedCustomer)
	if err != nil {
		l.metrics.ProcessorError("refund")
		l.logger.Error("processor refund failed", "order_id", o.ID, "order_number", o.OrderNumber, "error", err)
		return Result{}, err
	}

	res, err := l.Transition(ctx, orderID, db.OrderRefunded, TransitionOptions{
		ActorID:  &actorID,
		Reason:   reason,
		RefundID: refund.ID,
	})
	if err != nil {
		l.logger.Error("REFUND NOT RECORDED: processor refunded but local update failed, manual reconciliation required",
			"order_id", o.ID, "order_number", o.OrderNumber, "refund_id", refund.ID,
			"payment_intent", o.StripePaymentIntentID, "error", err)
		return Result{}, fmt.Errorf("order %s refund %s: %v: %w", o.OrderNumber, refund.ID, err, errs.ErrRefundNotRecorded)
	}
	return res, nil
}
