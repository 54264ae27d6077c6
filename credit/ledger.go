// Package credit owns every write to a user's sold/total_sold balance.
//
// Two policies coexist. GrantAdditive stacks a plan's usages on top of the
// current balance and is driven by completed purchases.
// ResizePreservingRatio replaces the ceiling with the plan's usages and
// carries the remaining percentage over; admin plan changes and usage syncs
// use it. Each write runs in one transaction holding the user row lock and
// appends a CreditEntry, so the balance on the user row is always explained
// by the entries behind it.
package credit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.jetify.com/typeid/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"go-tcfprep/catalog"
	"go-tcfprep/errs"
	"go-tcfprep/metrics"
	"go-tcfprep/utils"
	"go-tcfprep/web/db"
)

const (
	PolicyGrantAdditive         = "grant_additive"
	PolicyResizePreservingRatio = "resize_preserving_ratio"
	PolicyReset                 = "reset"
	PolicyConsume               = "consume"
)

// Reasons a grant left the balance untouched.
const (
	SkipSamePlan     = "same_plan"
	SkipPlanNotFound = "plan_not_found"
)

const entryPrefix = "cred"

type Balance struct {
	Sold      float64 `json:"sold"`
	TotalSold float64 `json:"total_sold"`
}

// Clamp enforces 0 <= Sold <= TotalSold.
func Clamp(b Balance) Balance {
	if b.TotalSold < 0 || math.IsNaN(b.TotalSold) {
		b.TotalSold = 0
	}
	if b.Sold < 0 || math.IsNaN(b.Sold) {
		b.Sold = 0
	}
	if b.Sold > b.TotalSold {
		b.Sold = b.TotalSold
	}
	return b
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// Change describes the outcome of one ledger operation.
type Change struct {
	UserID  uint    `json:"user_id"`
	PlanID  string  `json:"plan_id"`
	Policy  string  `json:"policy"`
	Before  Balance `json:"before"`
	After   Balance `json:"after"`
	Skipped string  `json:"skipped,omitempty"`
}

// Changed reports whether the balance moved.
func (c Change) Changed() bool {
	return c.Before != c.After
}

// Grant is the input of GrantAdditiveTx. A zero Pack means the plan was not
// found or is inactive.
type Grant struct {
	PlanID  string
	Pack    *db.SubscriptionPack
	Usages  int // overrides Pack.Usages when positive
	OrderID *uint
	ActorID *uint
}

// Reset is the input of ResetBalanceTx.
type Reset struct {
	OrderID *uint
	ActorID *uint
	Reason  string
}

type Ledger struct {
	db      *gorm.DB
	catalog *catalog.Catalog
	logger  *slog.Logger
	metrics *metrics.Billing
	now     func() time.Time
}

type Option func(*Ledger)

func WithLogger(l *slog.Logger) Option {
	return func(led *Ledger) { led.logger = l }
}

func WithMetrics(m *metrics.Billing) Option {
	return func(led *Ledger) { led.metrics = m }
}

// WithNow overrides the clock used to stamp entries.
func WithNow(now func() time.Time) Option {
	return func(led *Ledger) { led.now = now }
}

func New(conn *gorm.DB, cat *catalog.Catalog, opts ...Option) *Ledger {
	l := &Ledger{
		db:      conn,
		catalog: cat,
		logger:  utils.DiscardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LockUser loads a user row with a write lock held until tx ends.
func LockUser(tx *gorm.DB, userID uint) (db.User, error) {
	var user db.User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.User{}, fmt.Errorf("user %d: %w", userID, errs.ErrUserNotFound)
	}
	if err != nil {
		return db.User{}, fmt.Errorf("lock user %d: %w", userID, err)
	}
	return user, nil
}

// GrantAdditive applies a purchase of planID to the user outside of any
// order. An unknown or inactive plan grants nothing and is not an error.
func (l *Ledger) GrantAdditive(ctx context.Context, userID uint, planID string) (Change, error) {
	g := Grant{PlanID: planID}
	pack, err := l.catalog.Lookup(ctx, planID)
	switch {
	case err == nil:
		g.Pack = &pack
	case !errors.Is(err, errs.ErrPlanNotFound):
		return Change{}, err
	}

	var change Change
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := LockUser(tx, userID)
		if err != nil {
			return err
		}
		change, err = l.GrantAdditiveTx(tx, &user, g)
		return err
	})
	if err != nil {
		l.logger.Error("grant failed", "user_id", userID, "plan_id", planID, "error", err)
		return Change{}, err
	}
	return change, nil
}

// GrantAdditiveTx is Policy A on a user row already locked in tx.
//
// Usages are added to both sold and total_sold unless the user already holds
// planID as a paid plan, in which case only the plan and payment status are
// (re)written.
func (l *Ledger) GrantAdditiveTx(tx *gorm.DB, user *db.User, g Grant) (Change, error) {
	before := Clamp(Balance{Sold: user.Sold, TotalSold: user.TotalSold})
	change := Change{UserID: user.ID, PlanID: g.PlanID, Policy: PolicyGrantAdditive, Before: before, After: before}
	log := l.logger.With("user_id", user.ID, "plan_id", g.PlanID, "policy", PolicyGrantAdditive)

	if g.Pack == nil {
		change.Skipped = SkipPlanNotFound
		log.Warn("plan not found or inactive, granting zero credits")
		l.metrics.CreditWrite(PolicyGrantAdditive, false)
		return change, nil
	}

	usages := g.Pack.Usages
	if g.Usages > 0 {
		usages = g.Usages
	}

	previousPlan := user.SubscriptionPlan
	if user.HasActivePlan() && previousPlan == g.PlanID {
		change.Skipped = SkipSamePlan
		log.Info("user already holds this plan, credits not added", "sold", before.Sold, "total_sold", before.TotalSold)
	} else {
		change.After = Clamp(Balance{
			Sold:      round(before.Sold + float64(usages)),
			TotalSold: round(before.TotalSold + float64(usages)),
		})
	}

	err := tx.Model(user).Updates(map[string]any{
		"subscription_plan": g.PlanID,
		"payment_status":    db.PaymentPaid,
		"sold":              change.After.Sold,
		"total_sold":        change.After.TotalSold,
	}).Error
	if err != nil {
		return Change{}, fmt.Errorf("grant %s to user %d: %w", g.PlanID, user.ID, err)
	}
	user.SubscriptionPlan = g.PlanID
	user.PaymentStatus = db.PaymentPaid
	user.Sold, user.TotalSold = change.After.Sold, change.After.TotalSold

	if err := l.appendEntry(tx, "grant", change, g.OrderID, g.ActorID, change.Skipped, map[string]any{
		"usages":        usages,
		"previous_plan": previousPlan,
	}); err != nil {
		return Change{}, err
	}

	if change.Changed() {
		log.Info("credits granted", "sold", change.After.Sold, "total_sold", change.After.TotalSold, "added", usages)
	}
	l.metrics.CreditWrite(PolicyGrantAdditive, change.Changed())
	return change, nil
}

// ResizePreservingRatio is Policy B: the user's ceiling becomes the plan's
// usages and the remaining fraction of credits carries over. The plan must
// be active; otherwise nothing is written.
func (l *Ledger) ResizePreservingRatio(ctx context.Context, userID uint, planID string, actorID *uint) (Change, error) {
	pack, err := l.catalog.Lookup(ctx, planID)
	if err != nil {
		return Change{}, err
	}

	var change Change
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := LockUser(tx, userID)
		if err != nil {
			return err
		}
		change, err = l.ResizePreservingRatioTx(tx, &user, pack, actorID)
		return err
	})
	if err != nil {
		l.logger.Error("resize failed", "user_id", userID, "plan_id", planID, "error", err)
		return Change{}, err
	}
	return change, nil
}

// ResizePreservingRatioTx is Policy B on a user row already locked in tx.
func (l *Ledger) ResizePreservingRatioTx(tx *gorm.DB, user *db.User, pack db.SubscriptionPack, actorID *uint) (Change, error) {
	before := Clamp(Balance{Sold: user.Sold, TotalSold: user.TotalSold})

	ratio := 0.0
	if before.TotalSold > 0 {
		ratio = before.Sold / before.TotalSold
	}
	total := float64(pack.Usages)
	after := Clamp(Balance{Sold: round(total * ratio), TotalSold: total})

	change := Change{UserID: user.ID, PlanID: pack.PackID, Policy: PolicyResizePreservingRatio, Before: before, After: after}

	err := tx.Model(user).Updates(map[string]any{
		"subscription_plan": pack.PackID,
		"sold":              after.Sold,
		"total_sold":        after.TotalSold,
	}).Error
	if err != nil {
		return Change{}, fmt.Errorf("resize user %d to %s: %w", user.ID, pack.PackID, err)
	}
	previousPlan := user.SubscriptionPlan
	user.SubscriptionPlan = pack.PackID
	user.Sold, user.TotalSold = after.Sold, after.TotalSold

	if err := l.appendEntry(tx, "resize", change, nil, actorID, "", map[string]any{
		"ratio":         ratio,
		"usages":        pack.Usages,
		"previous_plan": previousPlan,
	}); err != nil {
		return Change{}, err
	}

	l.logger.Info("credits resized",
		"user_id", user.ID, "plan_id", pack.PackID, "ratio", ratio,
		"sold", after.Sold, "total_sold", after.TotalSold)
	l.metrics.CreditWrite(PolicyResizePreservingRatio, change.Changed())
	return change, nil
}

// ResetBalance zeroes a user's balance.
func (l *Ledger) ResetBalance(ctx context.Context, userID uint, r Reset) (Change, error) {
	var change Change
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := LockUser(tx, userID)
		if err != nil {
			return err
		}
		change, err = l.ResetBalanceTx(tx, &user, r)
		return err
	})
	return change, err
}

// ResetBalanceTx sets sold and total_sold to zero on a user row already
// locked in tx and marks the plan unpaid, so the next purchase of the same
// plan grants again. The whole balance goes, not only the credits of one
// order.
func (l *Ledger) ResetBalanceTx(tx *gorm.DB, user *db.User, r Reset) (Change, error) {
	before := Balance{Sold: user.Sold, TotalSold: user.TotalSold}
	change := Change{UserID: user.ID, PlanID: user.SubscriptionPlan, Policy: PolicyReset, Before: before}

	err := tx.Model(user).Updates(map[string]any{"sold": 0.0, "total_sold": 0.0, "payment_status": db.PaymentPending}).Error
	if err != nil {
		return Change{}, fmt.Errorf("reset user %d: %w", user.ID, err)
	}
	user.Sold, user.TotalSold = 0, 0
	user.PaymentStatus = db.PaymentPending

	if err := l.appendEntry(tx, "reset", change, r.OrderID, r.ActorID, r.Reason, nil); err != nil {
		return Change{}, err
	}

	l.logger.Warn("credit balance reset", "user_id", user.ID, "order_id", r.OrderID, "previous_sold", before.Sold, "previous_total_sold", before.TotalSold, "reason", r.Reason)
	l.metrics.CreditWrite(PolicyReset, change.Changed())
	return change, nil
}

// Consume debits amount credits, typically one per exam attempt.
func (l *Ledger) Consume(ctx context.Context, userID uint, amount float64, reason string) (Change, error) {
	if amount <= 0 {
		return Change{}, errs.Invalid("amount", "must be positive")
	}

	var change Change
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := LockUser(tx, userID)
		if err != nil {
			return err
		}
		before := Clamp(Balance{Sold: user.Sold, TotalSold: user.TotalSold})
		if before.Sold < amount {
			return fmt.Errorf("user %d has %.2f credits, needs %.2f: %w", userID, before.Sold, amount, errs.ErrInsufficientCredits)
		}
		change = Change{
			UserID: user.ID,
			PlanID: user.SubscriptionPlan,
			Policy: PolicyConsume,
			Before: before,
			After:  Clamp(Balance{Sold: round(before.Sold - amount), TotalSold: before.TotalSold}),
		}
		if err := tx.Model(&user).Update("sold", change.After.Sold).Error; err != nil {
			return err
		}
		return l.appendEntry(tx, "consume", change, nil, nil, reason, nil)
	})
	if err != nil {
		return Change{}, err
	}
	l.metrics.CreditWrite(PolicyConsume, true)
	return change, nil
}

// Entries returns the most recent ledger entries of a user, newest first.
func (l *Ledger) Entries(ctx context.Context, userID uint, limit int) ([]db.CreditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []db.CreditEntry
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (l *Ledger) appendEntry(tx *gorm.DB, kind string, c Change, orderID, actorID *uint, reason string, meta map[string]any) error {
	tid, err := typeid.Generate(entryPrefix)
	if err != nil {
		return fmt.Errorf("credit entry id: %w", err)
	}

	entry := db.CreditEntry{
		ID:             tid.String(),
		UserID:         c.UserID,
		OrderID:        orderID,
		ActorID:        actorID,
		Kind:           kind,
		Policy:         c.Policy,
		PlanID:         c.PlanID,
		SoldDelta:      round(c.After.Sold - c.Before.Sold),
		TotalSoldDelta: round(c.After.TotalSold - c.Before.TotalSold),
		SoldAfter:      c.After.Sold,
		TotalSoldAfter: c.After.TotalSold,
		Reason:         reason,
		CreatedAt:      l.now(),
	}
	if meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		entry.Metadata = datatypes.JSON(raw)
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("append credit entry for user %d: %w", c.UserID, err)
	}
	return nil
}
