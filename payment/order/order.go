// Package order keeps the ledger of purchase attempts: creation with unique
// order numbers, status transitions, and reconciliation against the payment
// processor's view of each checkout.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"go-tcfprep/catalog"
	"go-tcfprep/credit"
	"go-tcfprep/errs"
	"go-tcfprep/metrics"
	"go-tcfprep/payment/gateway"
	"go-tcfprep/utils"
	"go-tcfprep/web/db"
)

const (
	defaultPerPage = 50
	maxPerPage     = 200
)

type Ledger struct {
	db        *gorm.DB
	catalog   *catalog.Catalog
	credits   *credit.Ledger
	processor gateway.Processor
	logger    *slog.Logger
	metrics   *metrics.Billing
	now       func() time.Time
	backoff   func() backoff.BackOff
	tolerance decimal.Decimal
}

type Option func(*Ledger)

func WithLogger(l *slog.Logger) Option {
	return func(led *Ledger) { led.logger = l }
}

func WithMetrics(m *metrics.Billing) Option {
	return func(led *Ledger) { led.metrics = m }
}

func WithNow(now func() time.Time) Option {
	return func(led *Ledger) { led.now = now }
}

// WithBackOff sets the retry policy for order number conflicts.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(led *Ledger) { led.backoff = factory }
}

func New(conn *gorm.DB, cat *catalog.Catalog, credits *credit.Ledger, processor gateway.Processor, opts ...Option) *Ledger {
	l := &Ledger{
		db:        conn,
		catalog:   cat,
		credits:   credits,
		processor: processor,
		logger:    utils.DiscardLogger(),
		now:       time.Now,
		tolerance: decimal.RequireFromString("0.01"),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxElapsedTime = 2 * time.Second
			return backoff.WithMaxRetries(b, 8)
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Customer holds the contact details captured at checkout.
type Customer struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type PendingOrder struct {
	PlanID        string
	Amount        decimal.Decimal // major units; zero means the pack price
	Currency      string
	PaymentMethod string
	Customer      Customer
}

// CreatePending returns the user's pending order for the plan, refreshing
// its contact details, or creates one with the next order number. The
// boolean reports whether an existing order was reused.
func (l *Ledger) CreatePending(ctx context.Context, userID uint, in PendingOrder) (db.Order, bool, error) {
	return l.create(ctx, userID, in, true)
}

// create allocates a pending order. With reuse, an open order for the same
// plan is returned instead of a new one.
func (l *Ledger) create(ctx context.Context, userID uint, in PendingOrder, reuse bool) (db.Order, bool, error) {
	if strings.TrimSpace(in.PlanID) == "" {
		return db.Order{}, false, errs.Invalid("plan_id", "is required")
	}
	if in.Amount.IsNegative() {
		return db.Order{}, false, errs.Invalid("amount", "must not be negative")
	}
	pack, err := l.catalog.Lookup(ctx, in.PlanID)
	if err != nil {
		return db.Order{}, false, err
	}

	if in.Amount.IsZero() {
		in.Amount = pack.Price
	}
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.Currency == "" {
		in.Currency = pack.Currency
	}
	if in.PaymentMethod == "" {
		in.PaymentMethod = "stripe"
	}

	var (
		order  db.Order
		reused bool
	)
	attempt := func() error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if _, err := credit.LockUser(tx, userID); err != nil {
				return err
			}

			if !reuse {
				return l.insert(tx, userID, pack, in, &order)
			}
			var existing db.Order
			err := tx.Where("user_id = ? AND subscription_plan = ? AND status = ?", userID, pack.PackID, db.OrderPending).
				Order("id DESC").
				First(&existing).Error
			if err == nil {
				updates := map[string]any{}
				if in.Customer.Email != "" {
					updates["customer_email"] = in.Customer.Email
				}
				if in.Customer.Name != "" {
					updates["customer_name"] = in.Customer.Name
				}
				if in.Customer.Phone != "" {
					updates["customer_phone"] = in.Customer.Phone
				}
				if len(updates) > 0 {
					if err := tx.Model(&existing).Updates(updates).Error; err != nil {
						return err
					}
					if err := tx.First(&existing, existing.ID).Error; err != nil {
						return err
					}
				}
				order, reused = existing, true
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			reused = false
			return l.insert(tx, userID, pack, in, &order)
		})
	}

	err = backoff.Retry(func() error {
		err := attempt()
		if errors.Is(err, errs.ErrDuplicateOrderNumber) {
			l.metrics.NumberConflict()
			l.logger.Warn("order number conflict, retrying", "user_id", userID, "error", err)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(l.backoff(), ctx))
	if err != nil {
		return db.Order{}, false, err
	}

	if reused {
		l.logger.Info("pending order reused", "order_id", order.ID, "order_number", order.OrderNumber, "user_id", userID)
	} else {
		l.logger.Info("pending order created", "order_id", order.ID, "order_number", order.OrderNumber, "user_id", userID, "plan_id", pack.PackID, "amount", order.Amount.StringFixed(2))
	}
	return order, reused, nil
}

func (l *Ledger) insert(tx *gorm.DB, userID uint, pack db.SubscriptionPack, in PendingOrder, order *db.Order) error {
	number, err := nextNumber(tx)
	if err != nil {
		return err
	}
	*order = db.Order{
		OrderNumber:      number,
		UserID:           userID,
		SubscriptionPlan: pack.PackID,
		PlanUsages:       pack.Usages,
		PlanPrice:        pack.Price,
		Amount:           in.Amount,
		Currency:         in.Currency,
		Status:           db.OrderPending,
		PaymentStatus:    db.OrderPaymentPending,
		PaymentMethod:    in.PaymentMethod,
		CustomerEmail:    in.Customer.Email,
		CustomerName:     in.Customer.Name,
		CustomerPhone:    in.Customer.Phone,
	}
	if err := tx.Create(order).Error; err != nil {
		if db.IsDuplicateKey(err) {
			return fmt.Errorf("order number %s: %w", number, errs.ErrDuplicateOrderNumber)
		}
		return err
	}
	return nil
}

// ManualOrder is an order recorded by an administrator, for payments taken
// outside the processor.
type ManualOrder struct {
	UserID        uint
	PlanID        string
	Amount        decimal.Decimal
	Currency      string
	PaymentMethod string
	Notes         string
	MarkPaid      bool
	Customer      Customer
}

// CreateManual records a new order on behalf of a user. It never reuses an
// open checkout order. With MarkPaid the order immediately goes through the
// paid transition and grants credits.
func (l *Ledger) CreateManual(ctx context.Context, actorID uint, in ManualOrder) (db.Order, error) {
	if in.UserID == 0 {
		return db.Order{}, errs.Invalid("user_id", "is required")
	}
	method := in.PaymentMethod
	if method == "" {
		method = "manual"
	}
	order, _, err := l.create(ctx, in.UserID, PendingOrder{
		PlanID:        in.PlanID,
		Amount:        in.Amount,
		Currency:      in.Currency,
		PaymentMethod: method,
		Customer:      in.Customer,
	}, false)
	if err != nil {
		return db.Order{}, err
	}
	if in.Notes != "" {
		if err := l.UpdateNotes(ctx, order.ID, in.Notes); err != nil {
			return db.Order{}, err
		}
	}
	if in.MarkPaid {
		if _, err := l.Transition(ctx, order.ID, db.OrderPaid, TransitionOptions{ActorID: &actorID, Reason: "manual payment"}); err != nil {
			return db.Order{}, err
		}
	}
	return l.Get(ctx, order.ID)
}

// AttachSession links a processor checkout session to an order, replacing
// any earlier session. The attach time starts the order's expiry clock.
func (l *Ledger) AttachSession(ctx context.Context, orderID uint, sessionID string) error {
	if sessionID == "" {
		return errs.Invalid("session_id", "is required")
	}
	res := l.db.WithContext(ctx).Model(&db.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]any{"stripe_session_id": sessionID, "session_attached_at": l.now()})
	if res.Error != nil {
		return fmt.Errorf("attach session to order %d: %w", orderID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("order %d: %w", orderID, errs.ErrOrderNotFound)
	}
	return nil
}

// UpdateNotes replaces the administrator notes of an order.
func (l *Ledger) UpdateNotes(ctx context.Context, orderID uint, notes string) error {
	res := l.db.WithContext(ctx).Model(&db.Order{}).Where("id = ?", orderID).Update("notes", notes)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("order %d: %w", orderID, errs.ErrOrderNotFound)
	}
	return nil
}

// Delete soft-deletes an order that never completed.
func (l *Ledger) Delete(ctx context.Context, orderID uint) error {
	order, err := l.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == db.OrderPaid || order.Status == db.OrderRefunded {
		return fmt.Errorf("order %s is %s: %w", order.OrderNumber, order.Status, errs.ErrInvalidTransition)
	}
	return l.db.WithContext(ctx).Delete(&order).Error
}

func (l *Ledger) Get(ctx context.Context, orderID uint) (db.Order, error) {
	return l.first(l.db.WithContext(ctx).Where("id = ?", orderID), fmt.Sprintf("order %d", orderID))
}

func (l *Ledger) GetByNumber(ctx context.Context, number string) (db.Order, error) {
	return l.first(l.db.WithContext(ctx).Where("order_number = ?", number), "order "+number)
}

func (l *Ledger) GetBySession(ctx context.Context, sessionID string) (db.Order, error) {
	if sessionID == "" {
		return db.Order{}, errs.Invalid("session_id", "is required")
	}
	return l.first(l.db.WithContext(ctx).Where("stripe_session_id = ?", sessionID), "order for session "+sessionID)
}

// GetForUser returns an order only if userID owns it.
func (l *Ledger) GetForUser(ctx context.Context, userID, orderID uint) (db.Order, error) {
	return l.first(l.db.WithContext(ctx).Where("id = ? AND user_id = ?", orderID, userID), fmt.Sprintf("order %d", orderID))
}

func (l *Ledger) first(q *gorm.DB, what string) (db.Order, error) {
	var order db.Order
	err := q.First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Order{}, fmt.Errorf("%s: %w", what, errs.ErrOrderNotFound)
	}
	return order, err
}

// Filter narrows List. Zero values are ignored.
type Filter struct {
	Status  string
	UserID  uint
	PlanID  string
	From    time.Time
	To      time.Time
	Page    int
	PerPage int
}

type Page struct {
	Orders  []db.Order `json:"orders"`
	Total   int64      `json:"total"`
	Page    int        `json:"page"`
	PerPage int        `json:"per_page"`
	Pages   int        `json:"pages"`
}

// List returns orders newest first.
func (l *Ledger) List(ctx context.Context, f Filter) (Page, error) {
	scoped := func() *gorm.DB {
		q := l.db.WithContext(ctx).Model(&db.Order{})
		if f.Status != "" {
			q = q.Where("status = ?", f.Status)
		}
		if f.UserID != 0 {
			q = q.Where("user_id = ?", f.UserID)
		}
		if f.PlanID != "" {
			q = q.Where("subscription_plan = ?", f.PlanID)
		}
		if !f.From.IsZero() {
			q = q.Where("created_at >= ?", f.From)
		}
		if !f.To.IsZero() {
			q = q.Where("created_at <= ?", f.To)
		}
		return q
	}

	page, perPage := f.Page, f.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	out := Page{Page: page, PerPage: perPage, Orders: []db.Order{}}
	if err := scoped().Count(&out.Total).Error; err != nil {
		return Page{}, err
	}
	out.Pages = int((out.Total + int64(perPage) - 1) / int64(perPage))
	err := scoped().Order("created_at DESC, id DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&out.Orders).Error
	return out, err
}

// ListForUser pages through one user's orders.
func (l *Ledger) ListForUser(ctx context.Context, userID uint, page, perPage int) (Page, error) {
	return l.List(ctx, Filter{UserID: userID, Page: page, PerPage: perPage})
}
