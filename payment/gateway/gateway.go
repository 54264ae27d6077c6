// Package gateway is the boundary to the external payment processor.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"go-tcfprep/errs"
)

// Checkout session payment statuses.
const (
	PaymentStatusPaid              = "paid"
	PaymentStatusUnpaid            = "unpaid"
	PaymentStatusNoPaymentRequired = "no_payment_required"
)

// Checkout session lifecycle statuses.
const (
	SessionStatusOpen     = "open"
	SessionStatusComplete = "complete"
	SessionStatusExpired  = "expired"
)

// Event types the service acts on.
const (
	EventCheckoutCompleted        = "checkout.session.completed"
	EventCheckoutAsyncSucceeded   = "checkout.session.async_payment_succeeded"
	EventCheckoutExpired          = "checkout.session.expired"
	MetadataUserID                = "user_id"
	MetadataPlanID                = "plan_id"
	MetadataOrderNumber           = "order_number"
	RefundReasonRequestedCustomer = "requested_by_customer"
)

type CheckoutRequest struct {
	PlanID         string
	PlanName       string
	ProductID      string
	AmountCents    int64
	Currency       string
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
	Coupon         string
	Metadata       map[string]string
	IdempotencyKey string
}

type CheckoutSession struct {
	ID  string `json:"session_id"`
	URL string `json:"url"`
}

// Session is the processor's authoritative view of a checkout.
type Session struct {
	ID              string            `json:"id"`
	Status          string            `json:"status"`
	PaymentStatus   string            `json:"payment_status"`
	AmountTotal     int64             `json:"amount_total"` // minor units
	Currency        string            `json:"currency"`
	CustomerEmail   string            `json:"customer_email"`
	PaymentIntentID string            `json:"payment_intent_id"`
	Metadata        map[string]string `json:"metadata"`
}

type Refund struct {
	ID     string `json:"refund_id"`
	Status string `json:"status"`
}

// Event is a verified webhook notification. Session is set for checkout
// session events.
type Event struct {
	ID      string
	Type    string
	Session *Session
	Payload []byte
}

// Processor is implemented by Stripe and Fake.
type Processor interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (Session, error)
	IssueRefund(ctx context.Context, paymentIntentID, reason string) (Refund, error)
	VerifyWebhook(payload []byte, signature string) (Event, error)
}

// verifyEvent checks a Stripe-Signature header and decodes the event.
func verifyEvent(payload []byte, signature, secret string) (Event, error) {
	if secret == "" {
		return Event{}, fmt.Errorf("webhook secret not configured: %w", errs.ErrSignatureVerificationFailed)
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%v: %w", err, errs.ErrSignatureVerificationFailed)
	}

	out := Event{ID: ev.ID, Type: string(ev.Type), Payload: payload}
	if strings.HasPrefix(out.Type, "checkout.session.") && ev.Data != nil {
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
			return Event{}, errs.Invalid("data.object", "not a checkout session: "+err.Error())
		}
		s := sessionFromStripe(&cs)
		out.Session = &s
	}
	return out, nil
}

func sessionFromStripe(cs *stripe.CheckoutSession) Session {
	s := Session{
		ID:            cs.ID,
		Status:        string(cs.Status),
		PaymentStatus: string(cs.PaymentStatus),
		AmountTotal:   cs.AmountTotal,
		Currency:      strings.ToUpper(string(cs.Currency)),
		CustomerEmail: cs.CustomerEmail,
		Metadata:      cs.Metadata,
	}
	if s.CustomerEmail == "" && cs.CustomerDetails != nil {
		s.CustomerEmail = cs.CustomerDetails.Email
	}
	if cs.PaymentIntent != nil {
		s.PaymentIntentID = cs.PaymentIntent.ID
	}
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	return s
}
