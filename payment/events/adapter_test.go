package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"go-tcfprep/catalog"
	"go-tcfprep/credit"
	"go-tcfprep/errs"
	"go-tcfprep/payment/gateway"
	"go-tcfprep/payment/order"
	"go-tcfprep/web/db"
)

const webhookSecret = "whsec_events"

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (n *recordingNotifier) SendWelcome(_ context.Context, user db.User, o db.Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, user.Email+" "+o.OrderNumber)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fixture struct {
	db       *gorm.DB
	fake     *gateway.Fake
	orders   *order.Ledger
	notifier *recordingNotifier
	adapter  *Adapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.OpenTest()
	require.NoError(t, err)
	cat := catalog.New(conn)
	_, err = cat.SeedDefaults(context.Background())
	require.NoError(t, err)

	fake := gateway.NewFake(webhookSecret)
	orders := order.New(conn, cat, credit.New(conn, cat), fake)
	n := &recordingNotifier{}
	return &fixture{
		db:       conn,
		fake:     fake,
		orders:   orders,
		notifier: n,
		adapter:  New(conn, cat, orders, fake, WithNotifier(n), WithRedirects("https://app.example.com")),
	}
}

func (f *fixture) signup(t *testing.T, name, plan string) db.User {
	t.Helper()
	u := db.User{
		Username:         name,
		Email:            name + "@example.com",
		Role:             db.RoleClient,
		SubscriptionPlan: plan,
		PaymentStatus:    db.PaymentPending,
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

func TestCheckoutWebhookDeliveredTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.signup(t, "lea", "standard")

	co, err := f.adapter.StartCheckout(ctx, u.ID, CheckoutRequest{PlanID: "standard"})
	require.NoError(t, err)
	assert.Equal(t, "Ordre#0001000", co.OrderNumber)
	assert.False(t, co.Reused)

	req, ok := f.fake.Request(co.SessionID)
	require.True(t, ok)
	assert.Equal(t, int64(1499), req.AmountCents)
	assert.Equal(t, "lea@example.com", req.CustomerEmail)
	assert.Equal(t, "Ordre#0001000", req.Metadata[gateway.MetadataOrderNumber])
	assert.Equal(t, "standard", req.Metadata[gateway.MetadataPlanID])
	assert.Equal(t, "https://app.example.com/payment/success?session_id={CHECKOUT_SESSION_ID}", req.SuccessURL)
	assert.NotEmpty(t, req.IdempotencyKey)

	f.fake.Pay(co.SessionID, "pi_lea")
	payload, sig, err := f.fake.SignedEvent("evt_1", gateway.EventCheckoutCompleted, co.SessionID)
	require.NoError(t, err)

	first, err := f.adapter.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	require.NotNil(t, first.Order)
	assert.Equal(t, db.OrderPaid, first.Order.Status)

	second, err := f.adapter.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	var orders []db.Order
	require.NoError(t, f.db.Find(&orders).Error)
	require.Len(t, orders, 1)
	o := orders[0]
	assert.Equal(t, "Ordre#0001000", o.OrderNumber)
	assert.Equal(t, db.OrderPaid, o.Status)
	assert.True(t, decimal.RequireFromString("14.99").Equal(o.Amount))
	assert.Equal(t, "pi_lea", o.StripePaymentIntentID)

	got := f.reload(t, u.ID)
	assert.Equal(t, 5.0, got.Sold)
	assert.Equal(t, 5.0, got.TotalSold)
	assert.Equal(t, db.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, 1, f.notifier.count())

	var rec db.WebhookEvent
	require.NoError(t, f.db.Where("event_id = ?", "evt_1").First(&rec).Error)
	assert.NotNil(t, rec.ProcessedAt)
	assert.Equal(t, ProviderStripe, rec.Provider)
}

func TestRedeliveryUnderNewEventIDIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.signup(t, "lea", "")

	co, err := f.adapter.StartCheckout(ctx, u.ID, CheckoutRequest{PlanID: "performance"})
	require.NoError(t, err)
	f.fake.Pay(co.SessionID, "pi_1")

	for _, id := range []string{"evt_a", "evt_b"} {
		payload, sig, err := f.fake.SignedEvent(id, gateway.EventCheckoutCompleted, co.SessionID)
		require.NoError(t, err)
		_, err = f.adapter.HandleWebhook(ctx, payload, sig)
		require.NoError(t, err)
	}

	assert.Equal(t, 15.0, f.reload(t, u.ID).Sold)
	assert.Equal(t, 1, f.notifier.count())
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.signup(t, "lea", "")
	co, err := f.adapter.StartCheckout(ctx, u.ID, CheckoutRequest{PlanID: "standard"})
	require.NoError(t, err)
	f.fake.Pay(co.SessionID, "pi_1")
	payload, _, err := f.fake.SignedEvent("evt_bad", gateway.EventCheckoutCompleted, co.SessionID)
	require.NoError(t, err)

	_, err = f.adapter.HandleWebhook(ctx, payload, "t=1,v1=deadbeef")
	assert.True(t, errors.Is(err, errs.ErrSignatureVerificationFailed))

	var count int64
	require.NoError(t, f.db.Model(&db.WebhookEvent{}).Count(&count).Error)
	assert.Zero(t, count)
	got, err := f.orders.Get(ctx, co.OrderID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderPending, got.Status)
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.signup(t, "lea", "")
	co, err := f.adapter.StartCheckout(ctx, u.ID, CheckoutRequest{PlanID: "standard"})
	require.NoError(t, err)

	payload, sig, err := f.fake.SignedEvent("evt_pi", "payment_intent.created", co.SessionID)
	require.NoError(t, err)
	res, err := f.adapter.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.True(t, res.Ignored)

	got, err := f.orders.Get(ctx, co.OrderID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderPending, got.Status)
}

func TestExpiredCheckoutWebhook(t *testing.T) {
	t.Run("cancels the order", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		u := f.signup(t, "lea", "")
		require.NoError(t, f.db.Model(&u).Updates(map[string]any{"sold": 2.0, "total_sold": 5.0}).Error)
		co, err := f.adapter.StartCheckout(ctx, u.ID, CheckoutRequest{PlanID: "standard"})
		require.NoError(t, err)

		f.fake.Expire(co.SessionID)
		payload, sig, err := f.fake.SignedEvent("evt_exp", gateway.EventCheckoutExpired, co.SessionID)
		require.NoError(t, err)
		res, err := f.adapter.HandleWebhook(ctx, payload, sig)
		require.NoError(t, err)
		require.NotNil(t, res.Order)
		assert.Equal(t, db.OrderCancelled, res.Order.Status)
		assert.Nil(t, res.Order.CancelledBy)
		assert.Equal(t, 2.0, f.reload(t, u.ID).Sold)
	})

	t.Run("superseded session leaves the order pending", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		u := f.signup(t, "lea", "")
		first, err := f.adapter.StartCheckout(ctx, u.ID, CheckoutRequest{PlanID: "standard"})
		require.NoError(t, err)
		second, err := f.adapter.StartCheckout(ctx, u.ID, CheckoutRequest{PlanID: "standard"})
		require.NoError(t, err)
		require.True(t, second.Reused)

		f.fake.Expire(first.SessionID)
		payload, sig, err := f.fake.SignedEvent("evt_exp", gateway.EventCheckoutExpired, first.SessionID)
		require.NoError(t, err)
		res, err := f.adapter.HandleWebhook(ctx, payload, sig)
		require.NoError(t, err)
		assert.True(t, res.Ignored)

		got, err := f.orders.Get(ctx, second.OrderID)
		require.NoError(t, err)
		assert.Equal(t, db.OrderPending, got.Status)
		assert.Equal(t, second.SessionID, got.SessionID())
	})
}

func TestReusedCheckoutSurvivesReconcilerAndPays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.signup(t, "lea", "")

	first, err := f.adapter.StartCheckout(ctx, u.ID, CheckoutRequest{PlanID: "standard"})
	require.NoError(t, err)
	old := time.Now().Add(-23 * time.Hour)
	require.NoError(t, f.db.Model(&db.Order{}).Where("id = ?", first.OrderID).
		Updates(map[string]any{"created_at": old, "session_attached_at": old}).Error)

	again, err := f.adapter.StartCheckout(ctx, u.ID, CheckoutRequest{PlanID: "standard"})
	require.NoError(t, err)
	require.True(t, again.Reused)

	r := order.NewReconciler(f.orders,
		order.WithReconcileClock(func() time.Time { return time.Now().Add(2 * time.Hour) }),
		order.OnPaid(f.adapter.AfterPaid),
	)
	stats, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, order.ReconcileStats{Checked: 1, Pending: 1}, stats)

	f.fake.Pay(again.SessionID, "pi_late")
	payload, sig, err := f.fake.SignedEvent("evt_paid", gateway.EventCheckoutCompleted, again.SessionID)
	require.NoError(t, err)
	res, err := f.adapter.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.False(t, res.AlreadyProcessed)
	require.NotNil(t, res.Order)
	assert.Equal(t, db.OrderPaid, res.Order.Status)

	got := f.reload(t, u.ID)
	assert.Equal(t, 5.0, got.Sold)
	assert.Equal(t, 5.0, got.TotalSold)
}

func TestPaymentForCancelledOrder(t *testing.T) {
	t.Run("expired by the system completes", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		u := f.signup(t, "lea", "")
		co, err := f.adapter.StartCheckout(ctx, u.ID, CheckoutRequest{PlanID: "standard"})
		require.NoError(t, err)
		_, err = f.orders.ExpireCheckout(ctx, co.OrderID, co.SessionID)
		require.NoError(t, err)

		f.fake.Pay(co.SessionID, "pi_after")
		payload, sig, err := f.fake.SignedEvent("evt_paid", gateway.EventCheckoutCompleted, co.SessionID)
		require.NoError(t, err)
		res, err := f.adapter.HandleWebhook(ctx, payload, sig)
		require.NoError(t, err)
		require.NotNil(t, res.Order)
		assert.Equal(t, db.OrderPaid, res.Order.Status)
		assert.Equal(t, 5.0, f.reload(t, u.ID).Sold)
		assert.Equal(t, 1, f.notifier.count())
	})

	t.Run("cancelled by an administrator is rejected", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		u := f.signup(t, "lea", "")
		co, err := f.adapter.StartCheckout(ctx, u.ID, CheckoutRequest{PlanID: "standard"})
		require.NoError(t, err)
		_, err = f.orders.Cancel(ctx, co.OrderID, 99, "duplicate", false)
		require.NoError(t, err)

		f.fake.Pay(co.SessionID, "pi_after")
		payload, sig, err := f.fake.SignedEvent("evt_paid", gateway.EventCheckoutCompleted, co.SessionID)
		require.NoError(t, err)
		_, err = f.adapter.HandleWebhook(ctx, payload, sig)
		assert.True(t, errors.Is(err, errs.ErrPaidAfterCancel))

		var rec db.WebhookEvent
		require.NoError(t, f.db.Where("event_id = ?", "evt_paid").First(&rec).Error)
		assert.Nil(t, rec.ProcessedAt)
		assert.Equal(t, 0.0, f.reload(t, u.ID).Sold)
	})
}

func TestWelcomeEmailFailureKeepsPayment(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")
	ctx := context.Background()
	u := f.signup(t, "lea", "")

	co, err := f.adapter.StartCheckout(ctx, u.ID, CheckoutRequest{PlanID: "standard"})
	require.NoError(t, err)
	f.fake.Pay(co.SessionID, "pi_1")
	payload, sig, err := f.fake.SignedEvent("evt_mail", gateway.EventCheckoutCompleted, co.SessionID)
	require.NoError(t, err)

	_, err = f.adapter.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, 1, f.notifier.count())
	assert.Equal(t, 5.0, f.reload(t, u.ID).Sold)
}

func TestStartCheckoutProcessorFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.signup(t, "lea", "")

	f.fake.CheckoutErr = errors.New("stripe unavailable")
	_, err := f.adapter.StartCheckout(ctx, u.ID, CheckoutRequest{PlanID: "standard"})
	assert.True(t, errors.Is(err, errs.ErrExternalProcessor))

	f.fake.CheckoutErr = nil
	co, err := f.adapter.StartCheckout(ctx, u.ID, CheckoutRequest{PlanID: "standard"})
	require.NoError(t, err)
	assert.True(t, co.Reused)
	assert.Equal(t, "Ordre#0001000", co.OrderNumber)

	_, err = f.adapter.StartCheckout(ctx, 999, CheckoutRequest{PlanID: "standard"})
	assert.True(t, errors.Is(err, errs.ErrUserNotFound))
}

func TestCompleteCheckoutFallbacks(t *testing.T) {
	ctx := context.Background()

	t.Run("by order number", func(t *testing.T) {
		f := newFixture(t)
		u := f.signup(t, "lea", "")
		o, _, err := f.orders.CreatePending(ctx, u.ID, order.PendingOrder{PlanID: "standard"})
		require.NoError(t, err)

		res, err := f.adapter.CompleteCheckout(ctx, gateway.Session{
			ID:            "cs_lost",
			PaymentStatus: gateway.PaymentStatusPaid,
			AmountTotal:   1499,
			Metadata:      map[string]string{gateway.MetadataOrderNumber: o.OrderNumber},
		})
		require.NoError(t, err)
		assert.Equal(t, o.ID, res.Order.ID)
		assert.Equal(t, "cs_lost", res.Order.SessionID())
		assert.Equal(t, db.OrderPaid, res.Order.Status)
	})

	t.Run("recreated from user and plan", func(t *testing.T) {
		f := newFixture(t)
		u := f.signup(t, "lea", "")

		res, err := f.adapter.CompleteCheckout(ctx, gateway.Session{
			ID:            "cs_orphan",
			PaymentStatus: gateway.PaymentStatusPaid,
			AmountTotal:   2999,
			Currency:      "CAD",
			Metadata: map[string]string{
				gateway.MetadataUserID: "1",
				gateway.MetadataPlanID: "performance",
			},
		})
		require.NoError(t, err)
		assert.Equal(t, u.ID, res.Order.UserID)
		assert.Equal(t, "Ordre#0001000", res.Order.OrderNumber)
		assert.True(t, decimal.RequireFromString("29.99").Equal(res.Order.Amount))
		assert.Equal(t, 15.0, f.reload(t, u.ID).Sold)
	})

	t.Run("no metadata", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.adapter.CompleteCheckout(ctx, gateway.Session{ID: "cs_none", PaymentStatus: gateway.PaymentStatusPaid})
		assert.True(t, errors.Is(err, errs.ErrOrderNotFound))
	})
}

func TestVerifyPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lea := f.signup(t, "lea", "")
	marc := f.signup(t, "marc", "")

	co, err := f.adapter.StartCheckout(ctx, lea.ID, CheckoutRequest{PlanID: "pro"})
	require.NoError(t, err)

	res, err := f.adapter.VerifyPayment(ctx, lea.ID, co.SessionID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderPending, res.Order.Status)

	f.fake.Pay(co.SessionID, "pi_pro")
	_, err = f.adapter.VerifyPayment(ctx, marc.ID, co.SessionID)
	assert.True(t, errors.Is(err, errs.ErrOrderNotFound))

	res, err = f.adapter.VerifyPayment(ctx, lea.ID, co.SessionID)
	require.NoError(t, err)
	assert.True(t, res.Paid())
	assert.Equal(t, 30.0, f.reload(t, lea.ID).Sold)

	res, err = f.adapter.VerifyPayment(ctx, lea.ID, co.SessionID)
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
	assert.Equal(t, 1, f.notifier.count())

	_, err = f.adapter.VerifyPayment(ctx, lea.ID, "")
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
}
