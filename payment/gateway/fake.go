package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go-tcfprep/errs"
)

// Fake is an in-memory Processor. Webhook payloads it produces are signed
// like Stripe's, so VerifyWebhook runs the same verification path.
type Fake struct {
	mu            sync.Mutex
	webhookSecret string
	seq           int
	sessions      map[string]*Session
	requests      map[string]CheckoutRequest
	refunds       []Refund
	refundCalls   map[string]int

	// Errors returned by the next calls when set.
	CheckoutErr error
	RetrieveErr error
	RefundErr   error
}

func NewFake(webhookSecret string) *Fake {
	return &Fake{
		webhookSecret: webhookSecret,
		sessions:      make(map[string]*Session),
		requests:      make(map[string]CheckoutRequest),
		refundCalls:   make(map[string]int),
	}
}

func (f *Fake) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CheckoutErr != nil {
		return CheckoutSession{}, fmt.Errorf("create checkout session: %v: %w", f.CheckoutErr, errs.ErrExternalProcessor)
	}

	f.seq++
	id := fmt.Sprintf("cs_test_%04d", f.seq)
	meta := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		meta[k] = v
	}
	f.sessions[id] = &Session{
		ID:            id,
		Status:        SessionStatusOpen,
		PaymentStatus: PaymentStatusUnpaid,
		AmountTotal:   req.AmountCents,
		Currency:      strings.ToUpper(req.Currency),
		CustomerEmail: req.CustomerEmail,
		Metadata:      meta,
	}
	f.requests[id] = req
	return CheckoutSession{ID: id, URL: "https://checkout.fake.test/pay/" + id}, nil
}

func (f *Fake) RetrieveSession(_ context.Context, sessionID string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.RetrieveErr != nil {
		return Session{}, fmt.Errorf("retrieve session: %v: %w", f.RetrieveErr, errs.ErrExternalProcessor)
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("no such checkout session %q: %w", sessionID, errs.ErrSessionNotFound)
	}
	return *s, nil
}

func (f *Fake) IssueRefund(_ context.Context, paymentIntentID, reason string) (Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refundCalls[paymentIntentID]++
	if f.RefundErr != nil {
		return Refund{}, fmt.Errorf("refund: %v: %w", f.RefundErr, errs.ErrExternalProcessor)
	}
	r := Refund{ID: fmt.Sprintf("re_test_%04d", len(f.refunds)+1), Status: "succeeded"}
	f.refunds = append(f.refunds, r)
	return r, nil
}

func (f *Fake) VerifyWebhook(payload []byte, signature string) (Event, error) {
	return verifyEvent(payload, signature, f.webhookSecret)
}

// Pay marks a session as paid with the given payment intent.
func (f *Fake) Pay(sessionID, paymentIntentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		s.Status = SessionStatusComplete
		s.PaymentStatus = PaymentStatusPaid
		s.PaymentIntentID = paymentIntentID
	}
}

// Expire closes an unpaid session the way the processor does when its
// checkout window ends.
func (f *Fake) Expire(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		s.Status = SessionStatusExpired
	}
}

// SetSession stores or replaces a session, for tests that need a specific
// payload such as a mismatched amount.
func (f *Fake) SetSession(s Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := s
	f.sessions[s.ID] = &cp
}

// Request returns the checkout request that created sessionID.
func (f *Fake) Request(sessionID string) (CheckoutRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[sessionID]
	return r, ok
}

// RefundCalls counts IssueRefund calls for a payment intent.
func (f *Fake) RefundCalls(paymentIntentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refundCalls[paymentIntentID]
}

// SignedEvent builds a webhook payload for the current state of a session
// and the Stripe-Signature header that authenticates it.
func (f *Fake) SignedEvent(eventID, eventType, sessionID string) ([]byte, string, error) {
	f.mu.Lock()
	s, ok := f.sessions[sessionID]
	var snapshot Session
	if ok {
		snapshot = *s
	}
	f.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("no such checkout session %q", sessionID)
	}

	object := map[string]any{
		"id":             snapshot.ID,
		"object":         "checkout.session",
		"status":         snapshot.Status,
		"payment_status": snapshot.PaymentStatus,
		"amount_total":   snapshot.AmountTotal,
		"currency":       strings.ToLower(snapshot.Currency),
		"customer_email": snapshot.CustomerEmail,
		"metadata":       snapshot.Metadata,
	}
	if snapshot.PaymentIntentID != "" {
		object["payment_intent"] = snapshot.PaymentIntentID
	}
	payload, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"api_version": "2024-06-20",
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		return nil, "", err
	}
	return payload, SignPayload(payload, f.webhookSecret, time.Now()), nil
}

// SignPayload computes a Stripe-Signature header value for payload.
func SignPayload(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
