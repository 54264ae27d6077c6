package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"go-tcfprep/errs"
	"go-tcfprep/web/db"
)

func newTestCatalog(t *testing.T) (*Catalog, *gorm.DB) {
	t.Helper()
	conn, err := db.OpenTest()
	require.NoError(t, err)
	return New(conn), conn
}

func TestSeedDefaults(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()

	n, err := c.SeedDefaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = c.SeedDefaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second seed must not duplicate packs")

	packs, err := c.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, packs, 3)
	assert.Equal(t, "standard", packs[0].PackID)
	assert.Equal(t, "performance", packs[1].PackID)
	assert.Equal(t, "pro", packs[2].PackID)
	assert.Equal(t, 5, packs[0].Usages)
	assert.True(t, packs[0].Price.Equal(decimal.RequireFromString("14.99")))
	assert.Len(t, packs[0].Features, 6)
}

func TestLookupFiltersInactive(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	_, err := c.SeedDefaults(ctx)
	require.NoError(t, err)

	pack, err := c.Lookup(ctx, "Standard ")
	require.NoError(t, err)
	assert.Equal(t, 5, pack.Usages)

	_, err = c.SetActive(ctx, "standard", false)
	require.NoError(t, err)

	_, err = c.Lookup(ctx, "standard")
	assert.True(t, errors.Is(err, errs.ErrPlanNotFound))

	_, err = c.Lookup(ctx, "platinum")
	assert.True(t, errors.Is(err, errs.ErrPlanNotFound))

	_, err = c.Lookup(ctx, "")
	assert.True(t, errors.Is(err, errs.ErrPlanNotFound))
}

func TestLookupIsCached(t *testing.T) {
	c, conn := newTestCatalog(t)
	ctx := context.Background()
	_, err := c.SeedDefaults(ctx)
	require.NoError(t, err)

	_, err = c.Lookup(ctx, "pro")
	require.NoError(t, err)

	// A write that bypasses the catalog is not seen until the cache is dropped.
	require.NoError(t, conn.Model(&db.SubscriptionPack{}).Where("pack_id = ?", "pro").Update("usages", 40).Error)
	pack, err := c.Lookup(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, 30, pack.Usages)

	c.Invalidate()
	pack, err = c.Lookup(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, 40, pack.Usages)
}

func TestUpdateInvalidatesCache(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()
	_, err := c.SeedDefaults(ctx)
	require.NoError(t, err)

	_, err = c.Lookup(ctx, "performance")
	require.NoError(t, err)

	updated, err := c.Update(ctx, "performance", PackInput{
		Name:     "Writing Pack Performance",
		Price:    decimal.RequireFromString("34.99"),
		Usages:   20,
		Features: []string{"20 exams", " ", "Coach"},
	})
	require.NoError(t, err)
	assert.Equal(t, 20, updated.Usages)
	assert.Len(t, updated.Features, 2)

	pack, err := c.Lookup(ctx, "performance")
	require.NoError(t, err)
	assert.Equal(t, 20, pack.Usages)
}

func TestCreateValidatesAndRejectsDuplicates(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()

	_, err := c.Create(ctx, PackInput{Name: "No id", Usages: 3})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	_, err = c.Create(ctx, PackInput{PackID: "neg", Name: "Negative", Usages: -1})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	inactive := false
	pack, err := c.Create(ctx, PackInput{PackID: "Trial", Name: "Trial", Usages: 1, IsActive: &inactive})
	require.NoError(t, err)
	assert.Equal(t, "trial", pack.PackID)
	assert.False(t, pack.IsActive)
	assert.Equal(t, "CAD", pack.Currency)

	_, err = c.Create(ctx, PackInput{PackID: "trial", Name: "Trial again", Usages: 1})
	assert.True(t, errors.Is(err, errs.ErrPlanExists))
}

func TestDeleteRefusesReferencedPack(t *testing.T) {
	c, conn := newTestCatalog(t)
	ctx := context.Background()
	_, err := c.SeedDefaults(ctx)
	require.NoError(t, err)

	require.NoError(t, conn.Create(&db.Order{OrderNumber: "Ordre#0001000", UserID: 1, SubscriptionPlan: "pro"}).Error)

	err = c.Delete(ctx, "pro")
	assert.True(t, errors.Is(err, errs.ErrPlanInUse))

	require.NoError(t, c.Delete(ctx, "standard"))
	_, err = c.Get(ctx, "standard")
	assert.True(t, errors.Is(err, errs.ErrPlanNotFound))
}
