// Package events turns processor notifications and checkout redirects into
// order transitions. Webhooks, client-side verification and the reconciler
// all converge on CompleteCheckout, so a payment is applied once whichever
// path sees it first.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"go-tcfprep/catalog"
	"go-tcfprep/errs"
	"go-tcfprep/metrics"
	"go-tcfprep/payment/gateway"
	"go-tcfprep/payment/order"
	"go-tcfprep/utils"
	"go-tcfprep/web/db"
)

const ProviderStripe = "stripe"

// Notifier delivers the post-purchase welcome message.
type Notifier interface {
	SendWelcome(ctx context.Context, user db.User, order db.Order) error
}

type Adapter struct {
	db        *gorm.DB
	catalog   *catalog.Catalog
	orders    *order.Ledger
	processor gateway.Processor
	notifier  Notifier
	logger    *slog.Logger
	metrics   *metrics.Billing
	now       func() time.Time
	newKey    func() string

	successURL string
	cancelURL  string
}

type Option func(*Adapter)

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

func WithMetrics(m *metrics.Billing) Option {
	return func(a *Adapter) { a.metrics = m }
}

func WithNotifier(n Notifier) Option {
	return func(a *Adapter) { a.notifier = n }
}

// WithRedirects derives the checkout success and cancel pages from the
// frontend base URL.
func WithRedirects(frontendURL string) Option {
	base := strings.TrimRight(frontendURL, "/")
	return func(a *Adapter) {
		a.successURL = base + "/payment/success?session_id={CHECKOUT_SESSION_ID}"
		a.cancelURL = base + "/payment/cancel"
	}
}

func New(conn *gorm.DB, cat *catalog.Catalog, orders *order.Ledger, processor gateway.Processor, opts ...Option) *Adapter {
	a := &Adapter{
		db:        conn,
		catalog:   cat,
		orders:    orders,
		processor: processor,
		logger:    utils.DiscardLogger(),
		now:       time.Now,
		newKey:    uuid.NewString,
	}
	WithRedirects("http://localhost:3000")(a)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type CheckoutRequest struct {
	PlanID     string         `json:"plan_id" binding:"required"`
	Coupon     string         `json:"coupon"`
	SuccessURL string         `json:"success_url"`
	CancelURL  string         `json:"cancel_url"`
	Customer   order.Customer `json:"customer"`
}

type Checkout struct {
	SessionID   string `json:"session_id"`
	URL         string `json:"url"`
	OrderID     uint   `json:"order_id"`
	OrderNumber string `json:"order_number"`
	Reused      bool   `json:"reused"`
}

// StartCheckout opens a processor checkout for the user's pending order on
// the plan, creating the order if needed. When the processor fails the
// order stays pending and the next attempt reuses it.
func (a *Adapter) StartCheckout(ctx context.Context, userID uint, req CheckoutRequest) (Checkout, error) {
	var user db.User
	if err := a.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Checkout{}, fmt.Errorf("user %d: %w", userID, errs.ErrUserNotFound)
		}
		return Checkout{}, err
	}

	customer := req.Customer
	if customer.Email == "" {
		customer.Email = user.Email
	}
	if customer.Name == "" {
		customer.Name = user.FullName()
	}
	if customer.Phone == "" {
		customer.Phone = user.Phone
	}

	o, reused, err := a.orders.CreatePending(ctx, userID, order.PendingOrder{PlanID: req.PlanID, Customer: customer})
	if err != nil {
		return Checkout{}, err
	}
	pack, err := a.catalog.Lookup(ctx, o.SubscriptionPlan)
	if err != nil {
		return Checkout{}, err
	}

	successURL, cancelURL := a.successURL, a.cancelURL
	if req.SuccessURL != "" {
		successURL = req.SuccessURL
	}
	if req.CancelURL != "" {
		cancelURL = req.CancelURL
	}

	cs, err := a.processor.CreateCheckoutSession(ctx, gateway.CheckoutRequest{
		PlanID:        pack.PackID,
		PlanName:      pack.Name,
		ProductID:     pack.StripeProductID,
		AmountCents:   o.Amount.Shift(2).Round(0).IntPart(),
		Currency:      o.Currency,
		CustomerEmail: customer.Email,
		SuccessURL:    successURL,
		CancelURL:     cancelURL,
		Coupon:        req.Coupon,
		Metadata: map[string]string{
			gateway.MetadataUserID:      strconv.FormatUint(uint64(userID), 10),
			gateway.MetadataPlanID:      pack.PackID,
			gateway.MetadataOrderNumber: o.OrderNumber,
		},
		IdempotencyKey: a.newKey(),
	})
	if err != nil {
		a.metrics.ProcessorError("create_checkout")
		a.logger.Error("create checkout session failed", "user_id", userID, "order_id", o.ID, "plan_id", pack.PackID, "error", err)
		return Checkout{}, err
	}
	if err := a.orders.AttachSession(ctx, o.ID, cs.ID); err != nil {
		return Checkout{}, err
	}

	a.logger.Info("checkout started", "user_id", userID, "order_id", o.ID, "order_number", o.OrderNumber, "session_id", cs.ID, "reused", reused)
	return Checkout{SessionID: cs.ID, URL: cs.URL, OrderID: o.ID, OrderNumber: o.OrderNumber, Reused: reused}, nil
}

// CompleteCheckout applies the processor's view of a checkout session to
// the matching order. The order is found by session id, then by the order
// number in the session metadata. If neither exists but the metadata names
// a user and a plan, a pending order is created for them first.
func (a *Adapter) CompleteCheckout(ctx context.Context, s gateway.Session) (order.Result, error) {
	o, err := a.findOrder(ctx, s)
	if err != nil {
		return order.Result{}, err
	}
	res, err := a.orders.SyncWithSession(ctx, o.ID, s)
	if err != nil {
		return order.Result{}, err
	}
	if res.Paid() {
		a.AfterPaid(ctx, res)
	}
	return res, nil
}

func (a *Adapter) findOrder(ctx context.Context, s gateway.Session) (db.Order, error) {
	o, err := a.orders.GetBySession(ctx, s.ID)
	if err == nil || !errors.Is(err, errs.ErrOrderNotFound) {
		return o, err
	}

	if number := s.Metadata[gateway.MetadataOrderNumber]; number != "" {
		o, err := a.orders.GetByNumber(ctx, number)
		if err == nil || !errors.Is(err, errs.ErrOrderNotFound) {
			return o, err
		}
	}

	uid, err := strconv.ParseUint(s.Metadata[gateway.MetadataUserID], 10, 64)
	planID := s.Metadata[gateway.MetadataPlanID]
	if err != nil || planID == "" {
		return db.Order{}, fmt.Errorf("no order for session %s: %w", s.ID, errs.ErrOrderNotFound)
	}

	o, _, err = a.orders.CreatePending(ctx, uint(uid), order.PendingOrder{
		PlanID:   planID,
		Amount:   decimal.New(s.AmountTotal, -2),
		Currency: s.Currency,
		Customer: order.Customer{Email: s.CustomerEmail},
	})
	if err != nil {
		return db.Order{}, err
	}
	a.logger.Warn("order recreated from checkout metadata", "session_id", s.ID, "order_id", o.ID, "order_number", o.OrderNumber, "user_id", uid, "plan_id", planID)
	return o, nil
}

// ExpireCheckout cancels the order of a checkout the processor closed
// unpaid. A session that is no longer the order's current checkout leaves
// the order untouched.
func (a *Adapter) ExpireCheckout(ctx context.Context, s gateway.Session) (order.Result, error) {
	if s.PaymentStatus == gateway.PaymentStatusPaid {
		return a.CompleteCheckout(ctx, s)
	}
	o, err := a.orders.GetBySession(ctx, s.ID)
	if err != nil {
		return order.Result{}, err
	}
	return a.orders.ExpireCheckout(ctx, o.ID, s.ID)
}

// AfterPaid runs the side effects of a completed purchase once the order
// transaction has committed. Notification failures are logged and dropped.
func (a *Adapter) AfterPaid(ctx context.Context, res order.Result) {
	if a.notifier == nil {
		return
	}
	var user db.User
	if err := a.db.WithContext(ctx).First(&user, res.Order.UserID).Error; err != nil {
		a.logger.Warn("welcome email skipped, user not loaded", "user_id", res.Order.UserID, "order_id", res.Order.ID, "error", err)
		return
	}
	if err := a.notifier.SendWelcome(ctx, user, res.Order); err != nil {
		a.logger.Warn("welcome email failed", "user_id", user.ID, "order_number", res.Order.OrderNumber, "error", err)
		return
	}
	a.logger.Info("welcome email sent", "user_id", user.ID, "order_number", res.Order.OrderNumber)
}

// VerifyPayment lets a returning client confirm a checkout without waiting
// for the webhook. Sessions of other users are reported as not found.
func (a *Adapter) VerifyPayment(ctx context.Context, userID uint, sessionID string) (order.Result, error) {
	if sessionID == "" {
		return order.Result{}, errs.Invalid("session_id", "is required")
	}
	o, err := a.orders.GetBySession(ctx, sessionID)
	switch {
	case err == nil && o.UserID != userID:
		return order.Result{}, fmt.Errorf("session %s: %w", sessionID, errs.ErrOrderNotFound)
	case err != nil && !errors.Is(err, errs.ErrOrderNotFound):
		return order.Result{}, err
	}
	found := err == nil

	s, err := a.processor.RetrieveSession(ctx, sessionID)
	if err != nil {
		a.metrics.ProcessorError("retrieve_session")
		return order.Result{}, err
	}
	if !found && s.Metadata[gateway.MetadataUserID] != strconv.FormatUint(uint64(userID), 10) {
		return order.Result{}, fmt.Errorf("session %s: %w", sessionID, errs.ErrOrderNotFound)
	}
	return a.CompleteCheckout(ctx, s)
}

type WebhookResult struct {
	EventID          string    `json:"event_id"`
	Type             string    `json:"type"`
	Duplicate        bool      `json:"duplicate,omitempty"`
	Ignored          bool      `json:"ignored,omitempty"`
	AlreadyProcessed bool      `json:"already_processed,omitempty"`
	Order            *db.Order `json:"order,omitempty"`
}

// HandleWebhook verifies and applies one processor notification. Nothing is
// recorded for a payload that fails verification. An event id that was
// already processed successfully returns at once.
func (a *Adapter) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	ev, err := a.processor.VerifyWebhook(payload, signature)
	if err != nil {
		a.metrics.WebhookEvent("unverified", "rejected")
		a.logger.Warn("webhook rejected", "error", err)
		return WebhookResult{}, err
	}
	out := WebhookResult{EventID: ev.ID, Type: ev.Type}
	log := a.logger.With("event_id", ev.ID, "event_type", ev.Type)

	rec, seen, err := a.record(ctx, ev)
	if err != nil {
		return WebhookResult{}, err
	}
	if seen {
		a.metrics.WebhookEvent(ev.Type, "duplicate")
		log.Info("webhook event already processed")
		out.Duplicate = true
		return out, nil
	}

	switch ev.Type {
	case gateway.EventCheckoutCompleted, gateway.EventCheckoutAsyncSucceeded:
		if ev.Session == nil {
			err = errs.Invalid("data.object", "checkout session missing")
			break
		}
		var res order.Result
		res, err = a.CompleteCheckout(ctx, *ev.Session)
		if err == nil {
			out.Order = &res.Order
			out.AlreadyProcessed = res.AlreadyProcessed
		}
	case gateway.EventCheckoutExpired:
		if ev.Session == nil {
			err = errs.Invalid("data.object", "checkout session missing")
			break
		}
		var res order.Result
		res, err = a.ExpireCheckout(ctx, *ev.Session)
		switch {
		case errors.Is(err, errs.ErrOrderNotFound):
			err = nil
			out.Ignored = true
		case err == nil:
			out.Order = &res.Order
			out.AlreadyProcessed = res.AlreadyProcessed
		}
	default:
		out.Ignored = true
	}

	a.finish(ctx, rec, err)
	switch {
	case err != nil:
		a.metrics.WebhookEvent(ev.Type, "error")
		log.Error("webhook processing failed", "error", err)
		return WebhookResult{}, err
	case out.Ignored:
		a.metrics.WebhookEvent(ev.Type, "ignored")
		log.Debug("webhook event ignored")
	default:
		a.metrics.WebhookEvent(ev.Type, "processed")
		log.Info("webhook event processed", "order_id", out.Order.ID, "order_number", out.Order.OrderNumber, "already_processed", out.AlreadyProcessed)
	}
	return out, nil
}

// record stores the event, or loads the stored copy of a redelivery. seen is
// true when that copy was processed successfully.
func (a *Adapter) record(ctx context.Context, ev gateway.Event) (db.WebhookEvent, bool, error) {
	rec := db.WebhookEvent{
		Provider:  ProviderStripe,
		EventID:   ev.ID,
		EventType: ev.Type,
		Payload:   datatypes.JSON(ev.Payload),
		Attempts:  1,
	}
	err := a.db.WithContext(ctx).Create(&rec).Error
	if err == nil {
		return rec, false, nil
	}
	if !db.IsDuplicateKey(err) {
		return db.WebhookEvent{}, false, fmt.Errorf("record webhook event %s: %w", ev.ID, err)
	}

	var existing db.WebhookEvent
	if err := a.db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", ProviderStripe, ev.ID).
		First(&existing).Error; err != nil {
		return db.WebhookEvent{}, false, err
	}
	if existing.ProcessedAt != nil {
		return existing, true, nil
	}
	existing.Attempts++
	if err := a.db.WithContext(ctx).Model(&existing).Update("attempts", existing.Attempts).Error; err != nil {
		return db.WebhookEvent{}, false, err
	}
	return existing, false, nil
}

func (a *Adapter) finish(ctx context.Context, rec db.WebhookEvent, procErr error) {
	updates := map[string]any{"error": ""}
	if procErr != nil {
		updates["error"] = procErr.Error()
	} else {
		updates["processed_at"] = a.now()
	}
	if err := a.db.WithContext(ctx).Model(&rec).Updates(updates).Error; err != nil {
		a.logger.Error("update webhook event record failed", "event_id", rec.EventID, "error", err)
	}
}
