package catalog

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"go-tcfprep/web/db"
)

var commonFeatures = []string{
	"Personalised remarks on every production",
	"Corrected models for each task",
	"Full access to the writing coach",
	"Real exam conditions simulation",
	"CEFR level estimate",
}

// DefaultPacks is the catalog a fresh installation starts with.
func DefaultPacks() []PackInput {
	active := true
	pack := func(id, name, price string, usages int, popular bool, product string, sort int) PackInput {
		return PackInput{
			PackID:          id,
			Name:            name,
			Price:           decimal.RequireFromString(price),
			Currency:        "CAD",
			Usages:          usages,
			StripeProductID: product,
			IsPopular:       popular,
			IsActive:        &active,
			SortOrder:       sort,
			Features:        append([]string{fmt.Sprintf("%d real exams on current topics", usages)}, commonFeatures...),
		}
	}
	return []PackInput{
		pack("standard", "Writing Pack Standard", "14.99", 5, false, "prod_SMeQcS5gdyO7Nh", 0),
		pack("performance", "Writing Pack Performance", "29.99", 15, true, "prod_SMePWWnxhhQXZJ", 1),
		pack("pro", "Writing Pack Pro", "49.99", 30, false, "prod_SMeQ8tIJeu8sHA", 2),
	}
}

// SeedDefaults inserts the default packs that are missing and returns how
// many were created. Existing packs are left untouched.
func (c *Catalog) SeedDefaults(ctx context.Context) (int, error) {
	created := 0
	for _, in := range DefaultPacks() {
		var count int64
		if err := c.db.WithContext(ctx).Unscoped().Model(&db.SubscriptionPack{}).
			Where("pack_id = ?", in.PackID).Count(&count).Error; err != nil {
			return created, err
		}
		if count > 0 {
			continue
		}
		if _, err := c.Create(ctx, in); err != nil {
			return created, fmt.Errorf("seed %s: %w", in.PackID, err)
		}
		created++
	}
	return created, nil
}
