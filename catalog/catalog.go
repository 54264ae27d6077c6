// Package catalog is the registry of subscription packs: the credit grant
// each plan gives and whether it can currently be bought.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"go-tcfprep/errs"
	"go-tcfprep/utils"
	"go-tcfprep/web/db"
)

const (
	defaultCacheSize = 64
	defaultCacheTTL  = time.Minute
)

// Catalog serves active pack lookups from a short-lived cache in front of
// the database. Every write through Catalog invalidates the cache.
type Catalog struct {
	db     *gorm.DB
	cache  *expirable.LRU[string, db.SubscriptionPack]
	logger *slog.Logger
}

type Option func(*Catalog)

func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) { c.logger = l }
}

// WithCacheTTL sets how long an active pack is served from memory.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Catalog) {
		c.cache = expirable.NewLRU[string, db.SubscriptionPack](defaultCacheSize, nil, ttl)
	}
}

func New(conn *gorm.DB, opts ...Option) *Catalog {
	c := &Catalog{
		db:     conn,
		cache:  expirable.NewLRU[string, db.SubscriptionPack](defaultCacheSize, nil, defaultCacheTTL),
		logger: utils.DiscardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the active pack with the given id or errs.ErrPlanNotFound.
func (c *Catalog) Lookup(ctx context.Context, planID string) (db.SubscriptionPack, error) {
	return c.LookupWith(c.db.WithContext(ctx), planID)
}

// LookupWith is Lookup through the caller's transaction.
func (c *Catalog) LookupWith(tx *gorm.DB, planID string) (db.SubscriptionPack, error) {
	planID = normalizeID(planID)
	if planID == "" {
		return db.SubscriptionPack{}, errs.ErrPlanNotFound
	}
	if pack, ok := c.cache.Get(planID); ok {
		return pack, nil
	}

	var pack db.SubscriptionPack
	err := tx.Where("pack_id = ? AND is_active = ?", planID, true).First(&pack).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.SubscriptionPack{}, fmt.Errorf("plan %q: %w", planID, errs.ErrPlanNotFound)
	}
	if err != nil {
		return db.SubscriptionPack{}, fmt.Errorf("lookup plan %q: %w", planID, err)
	}

	c.cache.Add(planID, pack)
	return pack, nil
}

// ListActive returns the packs offered for sale, cheapest first.
func (c *Catalog) ListActive(ctx context.Context) ([]db.SubscriptionPack, error) {
	var packs []db.SubscriptionPack
	err := c.db.WithContext(ctx).
		Preload("Features", func(q *gorm.DB) *gorm.DB {
			return q.Where("is_active = ?", true).Order("sort_order ASC")
		}).
		Where("is_active = ?", true).
		Order("price ASC").
		Find(&packs).Error
	return packs, err
}

// List returns every pack, active or not, for administration.
func (c *Catalog) List(ctx context.Context) ([]db.SubscriptionPack, error) {
	var packs []db.SubscriptionPack
	err := c.db.WithContext(ctx).
		Preload("Features", func(q *gorm.DB) *gorm.DB { return q.Order("sort_order ASC") }).
		Order("sort_order ASC, price ASC").
		Find(&packs).Error
	return packs, err
}

// Get returns a pack by id regardless of its active flag.
func (c *Catalog) Get(ctx context.Context, planID string) (db.SubscriptionPack, error) {
	var pack db.SubscriptionPack
	err := c.db.WithContext(ctx).
		Preload("Features", func(q *gorm.DB) *gorm.DB { return q.Order("sort_order ASC") }).
		Where("pack_id = ?", normalizeID(planID)).
		First(&pack).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.SubscriptionPack{}, fmt.Errorf("plan %q: %w", planID, errs.ErrPlanNotFound)
	}
	return pack, err
}

// PackInput carries the editable fields of a pack.
type PackInput struct {
	PackID          string          `json:"pack_id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Price           decimal.Decimal `json:"price"`
	Currency        string          `json:"currency"`
	Usages          int             `json:"usages"`
	StripeProductID string          `json:"stripe_product_id"`
	IsPopular       bool            `json:"is_popular"`
	IsActive        *bool           `json:"is_active"`
	SortOrder       int             `json:"sort_order"`
	Features        []string        `json:"features"`
}

func (in PackInput) validate(requireID bool) error {
	if requireID && normalizeID(in.PackID) == "" {
		return errs.Invalid("pack_id", "is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return errs.Invalid("name", "is required")
	}
	if in.Price.IsNegative() {
		return errs.Invalid("price", "must not be negative")
	}
	if in.Usages < 0 {
		return errs.Invalid("usages", "must not be negative")
	}
	return nil
}

func features(texts []string) []db.PackFeature {
	out := make([]db.PackFeature, 0, len(texts))
	for i, text := range texts {
		if text = strings.TrimSpace(text); text == "" {
			continue
		}
		out = append(out, db.PackFeature{Text: text, SortOrder: i, IsActive: true})
	}
	return out
}

// Create adds a new pack.
func (c *Catalog) Create(ctx context.Context, in PackInput) (db.SubscriptionPack, error) {
	if err := in.validate(true); err != nil {
		return db.SubscriptionPack{}, err
	}
	pack := db.SubscriptionPack{
		PackID:          normalizeID(in.PackID),
		Name:            strings.TrimSpace(in.Name),
		Description:     in.Description,
		Price:           in.Price,
		Currency:        currency(in.Currency),
		Usages:          in.Usages,
		StripeProductID: in.StripeProductID,
		IsPopular:       in.IsPopular,
		IsActive:        in.IsActive == nil || *in.IsActive,
		SortOrder:       in.SortOrder,
		Features:        features(in.Features),
	}
	if err := c.db.WithContext(ctx).Create(&pack).Error; err != nil {
		if db.IsDuplicateKey(err) {
			return db.SubscriptionPack{}, fmt.Errorf("plan %q: %w", pack.PackID, errs.ErrPlanExists)
		}
		return db.SubscriptionPack{}, err
	}
	c.cache.Remove(pack.PackID)
	c.logger.Info("subscription pack created", "plan_id", pack.PackID, "usages", pack.Usages)
	return pack, nil
}

// Update replaces the editable fields of a pack. Orders keep the usages and
// price they were created with.
func (c *Catalog) Update(ctx context.Context, planID string, in PackInput) (db.SubscriptionPack, error) {
	if err := in.validate(false); err != nil {
		return db.SubscriptionPack{}, err
	}
	pack, err := c.Get(ctx, planID)
	if err != nil {
		return db.SubscriptionPack{}, err
	}

	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"name":              strings.TrimSpace(in.Name),
			"description":       in.Description,
			"price":             in.Price,
			"currency":          currency(in.Currency),
			"usages":            in.Usages,
			"stripe_product_id": in.StripeProductID,
			"is_popular":        in.IsPopular,
			"sort_order":        in.SortOrder,
		}
		if in.IsActive != nil {
			updates["is_active"] = *in.IsActive
		}
		if err := tx.Model(&pack).Updates(updates).Error; err != nil {
			return err
		}
		if in.Features == nil {
			return nil
		}
		if err := tx.Unscoped().Where("subscription_pack_id = ?", pack.ID).Delete(&db.PackFeature{}).Error; err != nil {
			return err
		}
		fs := features(in.Features)
		for i := range fs {
			fs[i].SubscriptionPackID = pack.ID
		}
		if len(fs) == 0 {
			return nil
		}
		return tx.Create(&fs).Error
	})
	if err != nil {
		return db.SubscriptionPack{}, fmt.Errorf("update plan %q: %w", pack.PackID, err)
	}

	c.cache.Remove(pack.PackID)
	c.logger.Info("subscription pack updated", "plan_id", pack.PackID, "usages", in.Usages)
	return c.Get(ctx, pack.PackID)
}

// SetActive toggles whether a pack can be bought.
func (c *Catalog) SetActive(ctx context.Context, planID string, active bool) (db.SubscriptionPack, error) {
	pack, err := c.Get(ctx, planID)
	if err != nil {
		return db.SubscriptionPack{}, err
	}
	if err := c.db.WithContext(ctx).Model(&pack).Update("is_active", active).Error; err != nil {
		return db.SubscriptionPack{}, err
	}
	c.cache.Remove(pack.PackID)
	c.logger.Info("subscription pack toggled", "plan_id", pack.PackID, "active", active)
	pack.IsActive = active
	return pack, nil
}

// Delete removes a pack that no order references.
func (c *Catalog) Delete(ctx context.Context, planID string) error {
	pack, err := c.Get(ctx, planID)
	if err != nil {
		return err
	}

	var refs int64
	if err := c.db.WithContext(ctx).Unscoped().Model(&db.Order{}).
		Where("subscription_plan = ?", pack.PackID).Count(&refs).Error; err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("plan %q has %d orders: %w", pack.PackID, refs, errs.ErrPlanInUse)
	}

	if err := c.db.WithContext(ctx).Select("Features").Delete(&pack).Error; err != nil {
		return err
	}
	c.cache.Remove(pack.PackID)
	c.logger.Info("subscription pack deleted", "plan_id", pack.PackID)
	return nil
}

// Invalidate drops every cached pack.
func (c *Catalog) Invalidate() {
	c.cache.Purge()
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func currency(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "CAD"
	}
	return code
}
