package db

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncCreatesTables(t *testing.T) {
	conn, err := OpenTest()
	require.NoError(t, err)

	for _, model := range []any{&User{}, &SubscriptionPack{}, &PackFeature{}, &Order{}, &OrderSequence{}, &CreditEntry{}, &WebhookEvent{}} {
		assert.True(t, conn.Migrator().HasTable(model))
	}
}

func TestOrderNumberIsUnique(t *testing.T) {
	conn, err := OpenTest()
	require.NoError(t, err)

	first := Order{OrderNumber: "Ordre#0001000", UserID: 1, SubscriptionPlan: "standard", Amount: decimal.RequireFromString("14.99")}
	require.NoError(t, conn.Create(&first).Error)

	dup := Order{OrderNumber: "Ordre#0001000", UserID: 2, SubscriptionPlan: "pro", Amount: decimal.RequireFromString("49.99")}
	err = conn.Create(&dup).Error
	assert.True(t, IsDuplicateKey(err), "got %v", err)
}

func TestSessionIDIsUniqueWhenPresent(t *testing.T) {
	conn, err := OpenTest()
	require.NoError(t, err)

	// Orders without a session never collide.
	require.NoError(t, conn.Create(&Order{OrderNumber: "Ordre#0001000", UserID: 1, SubscriptionPlan: "standard"}).Error)
	require.NoError(t, conn.Create(&Order{OrderNumber: "Ordre#0001001", UserID: 1, SubscriptionPlan: "pro"}).Error)

	sess := "cs_test_1"
	require.NoError(t, conn.Create(&Order{OrderNumber: "Ordre#0001002", UserID: 1, SubscriptionPlan: "standard", StripeSessionID: &sess}).Error)
	err = conn.Create(&Order{OrderNumber: "Ordre#0001003", UserID: 2, SubscriptionPlan: "standard", StripeSessionID: &sess}).Error
	assert.True(t, IsDuplicateKey(err), "got %v", err)
}

func TestUserHelpers(t *testing.T) {
	u := User{Username: "amina"}
	assert.False(t, u.HasActivePlan())
	assert.Equal(t, "amina", u.FullName())

	u.SubscriptionPlan = "standard"
	assert.False(t, u.HasActivePlan())
	u.PaymentStatus = PaymentPaid
	assert.True(t, u.HasActivePlan())

	u.FirstName, u.LastName = "Amina", "Diallo"
	assert.Equal(t, "Amina Diallo", u.FullName())
}

func TestIsDuplicateKey(t *testing.T) {
	assert.False(t, IsDuplicateKey(nil))
	assert.True(t, IsDuplicateKey(errors.New("Error 1062: Duplicate entry 'Ordre#0001000' for key 'order_number'")))
	assert.False(t, IsDuplicateKey(errors.New("connection refused")))
}
