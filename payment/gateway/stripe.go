package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"go-tcfprep/errs"
	"go-tcfprep/utils"
)

// Stripe talks to the Stripe API with a bounded HTTP timeout.
type Stripe struct {
	api           *client.API
	webhookSecret string
	logger        *slog.Logger
}

func NewStripe(secretKey, webhookSecret string, timeout time.Duration, logger *slog.Logger) *Stripe {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = utils.DiscardLogger()
	}
	api := &client.API{}
	api.Init(secretKey, stripe.NewBackends(&http.Client{Timeout: timeout}))
	return &Stripe{api: api, webhookSecret: webhookSecret, logger: logger}
}

func (s *Stripe) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	priceData := &stripe.CheckoutSessionLineItemPriceDataParams{
		Currency:   stripe.String(strings.ToLower(req.Currency)),
		UnitAmount: stripe.Int64(req.AmountCents),
	}
	if req.ProductID != "" {
		priceData.Product = stripe.String(req.ProductID)
	} else {
		priceData.ProductData = &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(req.PlanName),
		}
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: priceData,
				Quantity:  stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if req.Coupon != "" {
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{{Coupon: stripe.String(req.Coupon)}}
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		s.logger.Error("stripe checkout session failed", "plan_id", req.PlanID, "error", err)
		return CheckoutSession{}, processorError("create checkout session", err)
	}
	return CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func (s *Stripe) RetrieveSession(ctx context.Context, sessionID string) (Session, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := s.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Code == stripe.ErrorCodeResourceMissing {
			return Session{}, fmt.Errorf("session %s: %w", sessionID, errs.ErrSessionNotFound)
		}
		s.logger.Error("stripe session retrieve failed", "session_id", sessionID, "error", err)
		return Session{}, processorError("retrieve session "+sessionID, err)
	}
	return sessionFromStripe(sess), nil
}

func (s *Stripe) IssueRefund(ctx context.Context, paymentIntentID, reason string) (Refund, error) {
	if reason == "" {
		reason = RefundReasonRequestedCustomer
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
		Reason:        stripe.String(reason),
	}
	params.Context = ctx
	r, err := s.api.Refunds.New(params)
	if err != nil {
		s.logger.Error("stripe refund failed", "payment_intent", paymentIntentID, "error", err)
		return Refund{}, processorError("refund "+paymentIntentID, err)
	}
	return Refund{ID: r.ID, Status: string(r.Status)}, nil
}

func (s *Stripe) VerifyWebhook(payload []byte, signature string) (Event, error) {
	return verifyEvent(payload, signature, s.webhookSecret)
}

func processorError(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return fmt.Errorf("%s: stripe %d %s: %s: %w", op, serr.HTTPStatusCode, serr.Code, serr.Msg, errs.ErrExternalProcessor)
	}
	return fmt.Errorf("%s: %v: %w", op, err, errs.ErrExternalProcessor)
}
