package credit

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"go-tcfprep/catalog"
	"go-tcfprep/errs"
	"go-tcfprep/web/db"
)

type fixture struct {
	db      *gorm.DB
	catalog *catalog.Catalog
	ledger  *Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.OpenTest()
	require.NoError(t, err)
	cat := catalog.New(conn)
	_, err = cat.SeedDefaults(context.Background())
	require.NoError(t, err)
	return &fixture{db: conn, catalog: cat, ledger: New(conn, cat)}
}

func (f *fixture) user(t *testing.T, name string, plan string, status string, sold, total float64) db.User {
	t.Helper()
	u := db.User{
		Username:         name,
		Email:            fmt.Sprintf("%s@example.com", name),
		SubscriptionPlan: plan,
		PaymentStatus:    status,
		Sold:             sold,
		TotalSold:        total,
	}
	require.NoError(t, f.db.Create(&u).Error)
	return u
}

func (f *fixture) reload(t *testing.T, id uint) db.User {
	t.Helper()
	var u db.User
	require.NoError(t, f.db.First(&u, id).Error)
	return u
}

func TestClamp(t *testing.T) {
	tests := []struct {
		in, want Balance
	}{
		{Balance{5, 5}, Balance{5, 5}},
		{Balance{7, 5}, Balance{5, 5}},
		{Balance{-1, 5}, Balance{0, 5}},
		{Balance{3, -2}, Balance{0, 0}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Clamp(tt.in), "clamp %+v", tt.in)
	}
}

func TestGrantAdditiveStacksAcrossPlans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "lea", "", db.PaymentPending, 0, 0)

	change, err := f.ledger.GrantAdditive(ctx, u.ID, "standard")
	require.NoError(t, err)
	assert.Equal(t, Balance{5, 5}, change.After)
	got := f.reload(t, u.ID)
	assert.Equal(t, 5.0, got.Sold)
	assert.Equal(t, 5.0, got.TotalSold)
	assert.Equal(t, "standard", got.SubscriptionPlan)
	assert.Equal(t, db.PaymentPaid, got.PaymentStatus)

	change, err = f.ledger.GrantAdditive(ctx, u.ID, "standard")
	require.NoError(t, err)
	assert.Equal(t, SkipSamePlan, change.Skipped)
	assert.False(t, change.Changed())
	got = f.reload(t, u.ID)
	assert.Equal(t, 5.0, got.Sold)
	assert.Equal(t, 5.0, got.TotalSold)

	_, err = f.ledger.GrantAdditive(ctx, u.ID, "pro")
	require.NoError(t, err)
	got = f.reload(t, u.ID)
	assert.Equal(t, 35.0, got.Sold)
	assert.Equal(t, 35.0, got.TotalSold)
	assert.Equal(t, "pro", got.SubscriptionPlan)
}

func TestGrantAdditiveChosenButUnpaidPlanStillGrants(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "omar", "standard", db.PaymentPending, 0, 0)

	change, err := f.ledger.GrantAdditive(context.Background(), u.ID, "standard")
	require.NoError(t, err)
	assert.Empty(t, change.Skipped)
	assert.Equal(t, Balance{5, 5}, change.After)
}

func TestGrantAdditiveUnknownPlanGrantsZero(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ines", "", db.PaymentPending, 2, 4)

	change, err := f.ledger.GrantAdditive(context.Background(), u.ID, "platinum")
	require.NoError(t, err)
	assert.Equal(t, SkipPlanNotFound, change.Skipped)

	got := f.reload(t, u.ID)
	assert.Equal(t, 2.0, got.Sold)
	assert.Equal(t, 4.0, got.TotalSold)
	assert.Empty(t, got.SubscriptionPlan)
}

func TestGrantAdditiveUnknownUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.GrantAdditive(context.Background(), 999, "standard")
	assert.True(t, errors.Is(err, errs.ErrUserNotFound))

	var entries int64
	require.NoError(t, f.db.Model(&db.CreditEntry{}).Count(&entries).Error)
	assert.Zero(t, entries)
}

func TestGrantAdditiveClampsCorruptBalance(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "noor", "", db.PaymentPending, 9, 4)

	change, err := f.ledger.GrantAdditive(context.Background(), u.ID, "standard")
	require.NoError(t, err)
	assert.Equal(t, Balance{4, 4}, change.Before)
	assert.Equal(t, Balance{9, 9}, change.After)
}

func TestResizePreservingRatio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.catalog.Create(ctx, catalog.PackInput{PackID: "fifty", Name: "Fifty", Usages: 50})
	require.NoError(t, err)
	u := f.user(t, "yann", "pro", db.PaymentPaid, 30, 100)

	change, err := f.ledger.ResizePreservingRatio(ctx, u.ID, "fifty", nil)
	require.NoError(t, err)
	assert.InDelta(t, 15.0, change.After.Sold, 1e-9)
	assert.Equal(t, 50.0, change.After.TotalSold)

	got := f.reload(t, u.ID)
	assert.InDelta(t, 15.0, got.Sold, 1e-9)
	assert.Equal(t, 50.0, got.TotalSold)
	assert.Equal(t, "fifty", got.SubscriptionPlan)
}

func TestResizePreservingRatioFromEmptyBalance(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "zoe", "", db.PaymentPending, 0, 0)

	change, err := f.ledger.ResizePreservingRatio(context.Background(), u.ID, "pro", nil)
	require.NoError(t, err)
	assert.Equal(t, Balance{0, 30}, change.After)
}

func TestResizePreservingRatioRejectsMissingPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "adam", "standard", db.PaymentPaid, 3, 5)

	_, err := f.catalog.SetActive(ctx, "performance", false)
	require.NoError(t, err)

	_, err = f.ledger.ResizePreservingRatio(ctx, u.ID, "performance", nil)
	assert.True(t, errors.Is(err, errs.ErrPlanNotFound))

	got := f.reload(t, u.ID)
	assert.Equal(t, 3.0, got.Sold)
	assert.Equal(t, 5.0, got.TotalSold)
	assert.Equal(t, "standard", got.SubscriptionPlan)
}

func TestResetBalance(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "sara", "pro", db.PaymentPaid, 12, 35)
	admin := uint(42)

	change, err := f.ledger.ResetBalance(context.Background(), u.ID, Reset{ActorID: &admin, Reason: "chargeback"})
	require.NoError(t, err)
	assert.Equal(t, Balance{}, change.After)

	got := f.reload(t, u.ID)
	assert.Zero(t, got.Sold)
	assert.Zero(t, got.TotalSold)
	assert.Equal(t, db.PaymentPending, got.PaymentStatus)
	assert.Equal(t, "pro", got.SubscriptionPlan)

	entries, err := f.ledger.Entries(context.Background(), u.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "reset", entries[0].Kind)
	assert.Equal(t, -12.0, entries[0].SoldDelta)
	assert.Equal(t, -35.0, entries[0].TotalSoldDelta)
	assert.Equal(t, "chargeback", entries[0].Reason)
	assert.Equal(t, admin, *entries[0].ActorID)
}

func TestConsume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "malik", "standard", db.PaymentPaid, 1, 5)

	change, err := f.ledger.Consume(ctx, u.ID, 1, "exam attempt")
	require.NoError(t, err)
	assert.Equal(t, Balance{0, 5}, change.After)

	_, err = f.ledger.Consume(ctx, u.ID, 1, "exam attempt")
	assert.True(t, errors.Is(err, errs.ErrInsufficientCredits))

	_, err = f.ledger.Consume(ctx, u.ID, 0, "noop")
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
}

func TestEntriesRecordEveryWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "rita", "", db.PaymentPending, 0, 0)

	_, err := f.ledger.GrantAdditive(ctx, u.ID, "standard")
	require.NoError(t, err)
	_, err = f.ledger.GrantAdditive(ctx, u.ID, "standard")
	require.NoError(t, err)
	_, err = f.ledger.ResizePreservingRatio(ctx, u.ID, "performance", nil)
	require.NoError(t, err)

	entries, err := f.ledger.Entries(ctx, u.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	kinds := map[string]int{}
	for _, e := range entries {
		kinds[e.Kind]++
		assert.Contains(t, e.ID, "cred_")
		assert.GreaterOrEqual(t, e.TotalSoldAfter, e.SoldAfter)
	}
	assert.Equal(t, map[string]int{"grant": 2, "resize": 1}, kinds)
}

func TestSyncUsages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.user(t, "alpha", "standard", db.PaymentPaid, 2.5, 5)
	b := f.user(t, "beta", "retired", db.PaymentPaid, 1, 2)
	f.user(t, "gamma", "", db.PaymentPending, 0, 0)

	_, err := f.catalog.Update(ctx, "standard", catalog.PackInput{Name: "Writing Pack Standard", Usages: 10})
	require.NoError(t, err)

	report, err := f.ledger.SyncUsages(ctx, "", nil)
	require.NoError(t, err)
	require.Len(t, report.Updated, 1)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, b.ID, report.Skipped[0].UserID)
	assert.Equal(t, SkipPlanNotFound, report.Skipped[0].Reason)

	got := f.reload(t, a.ID)
	assert.Equal(t, 5.0, got.Sold)
	assert.Equal(t, 10.0, got.TotalSold)
}

func TestSyncUsagesSingleUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "delta", "pro", db.PaymentPaid, 15, 30)
	f.user(t, "epsilon", "", db.PaymentPending, 0, 0)
	f.user(t, "zeta", "retired", db.PaymentPaid, 1, 1)

	report, err := f.ledger.SyncUsages(ctx, "delta", nil)
	require.NoError(t, err)
	require.Len(t, report.Updated, 1)
	assert.Equal(t, Balance{15, 30}, report.Updated[0].After)

	_, err = f.ledger.SyncUsages(ctx, "nobody", nil)
	assert.True(t, errors.Is(err, errs.ErrUserNotFound))

	_, err = f.ledger.SyncUsages(ctx, "epsilon", nil)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	_, err = f.ledger.SyncUsages(ctx, "zeta", nil)
	assert.True(t, errors.Is(err, errs.ErrPlanNotFound))
}
