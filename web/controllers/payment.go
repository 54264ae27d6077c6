package controllers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"go-tcfprep/authz"
	"go-tcfprep/errs"
	"go-tcfprep/payment/events"
	"go-tcfprep/payment/order"
	"go-tcfprep/web/middleware"
)

const maxWebhookBody = 65536

func (h *Handler) ListPlans(c *gin.Context) {
	packs, err := h.Catalog.ListActive(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": packsView(packs)})
}

func (h *Handler) GetPlan(c *gin.Context) {
	pack, err := h.Catalog.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": packView(pack)})
}

// Checkout opens a processor checkout for the current user.
func (h *Handler) Checkout(c *gin.Context) {
	var body events.CheckoutRequest
	if c.ShouldBindJSON(&body) != nil {
		badBody(c)
		return
	}
	user := middleware.CurrentUser(c)
	co, err := h.Events.StartCheckout(c.Request.Context(), user.ID, body)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, co)
}

// VerifyCheckout confirms a checkout from the success page.
func (h *Handler) VerifyCheckout(c *gin.Context) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if c.ShouldBindJSON(&body) != nil {
		badBody(c)
		return
	}
	user := middleware.CurrentUser(c)
	res, err := h.Events.VerifyPayment(c.Request.Context(), user.ID, body.SessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resultView(res))
}

// StripeWebhook receives processor notifications. The body is read raw so
// the signature can be checked against the exact bytes sent.
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to read body"})
		return
	}
	res, err := h.Events.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, errs.ErrSignatureVerificationFailed) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
			return
		}
		h.fail(c, err)
		return
	}
	out := gin.H{
		"received":          true,
		"event_id":          res.EventID,
		"type":              res.Type,
		"duplicate":         res.Duplicate,
		"ignored":           res.Ignored,
		"already_processed": res.AlreadyProcessed,
	}
	if res.Order != nil {
		out["order_number"] = res.Order.OrderNumber
		out["status"] = res.Order.Status
	}
	c.JSON(http.StatusOK, out)
}

// CreateOrder records a pending order without opening a checkout.
func (h *Handler) CreateOrder(c *gin.Context) {
	var body struct {
		PlanID        string         `json:"plan_id"`
		PaymentMethod string         `json:"payment_method"`
		Customer      order.Customer `json:"customer"`
	}
	if c.ShouldBindJSON(&body) != nil {
		badBody(c)
		return
	}
	user := middleware.CurrentUser(c)
	if err := authz.Authorize(user, authz.CreateOrder, authz.Own(user.ID)); err != nil {
		h.fail(c, err)
		return
	}
	if body.Customer.Email == "" {
		body.Customer.Email = user.Email
	}

	o, reused, err := h.Orders.CreatePending(c.Request.Context(), user.ID, order.PendingOrder{
		PlanID:        body.PlanID,
		PaymentMethod: body.PaymentMethod,
		Customer:      body.Customer,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusCreated
	if reused {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"order": orderView(o), "reused": reused})
}

func (h *Handler) ListMyOrders(c *gin.Context) {
	user := middleware.CurrentUser(c)
	page, err := h.Orders.ListForUser(c.Request.Context(), user.ID, queryInt(c, "page", 1), queryInt(c, "per_page", 0))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pageView(page))
}

func (h *Handler) GetOrder(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	o, err := h.Orders.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := authz.Authorize(middleware.CurrentUser(c), authz.ViewOrder, authz.Own(o.UserID)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": orderView(o)})
}

// ConfirmOrder lets the buyer ask for their order to be checked against the
// processor. The client never sets the status itself.
func (h *Handler) ConfirmOrder(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var body struct {
		SessionID string `json:"session_id"`
	}
	if !bindOptional(c, &body) {
		return
	}

	user := middleware.CurrentUser(c)
	o, err := h.Orders.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := authz.Authorize(user, authz.ConfirmOrder, authz.Own(o.UserID)); err != nil {
		h.fail(c, err)
		return
	}
	sessionID := o.SessionID()
	if sessionID == "" {
		sessionID = body.SessionID
	}
	if sessionID == "" {
		h.fail(c, errs.Invalid("session_id", "order has no checkout session"))
		return
	}
	if o.SessionID() != "" && body.SessionID != "" && body.SessionID != o.SessionID() {
		h.fail(c, errs.Invalid("session_id", "does not match the order"))
		return
	}

	res, err := h.Events.VerifyPayment(c.Request.Context(), o.UserID, sessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resultView(res))
}

func (h *Handler) MyCredits(c *gin.Context) {
	user := middleware.CurrentUser(c)
	entries, err := h.Credits.Entries(c.Request.Context(), user.ID, queryInt(c, "limit", 50))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, creditsView(*user, entries))
}

// ConsumeCredits debits the current user, one credit per exam attempt by
// default.
func (h *Handler) ConsumeCredits(c *gin.Context) {
	var body struct {
		Amount float64 `json:"amount"`
		Reason string  `json:"reason"`
	}
	if c.ShouldBindJSON(&body) != nil {
		badBody(c)
		return
	}
	if body.Amount == 0 {
		body.Amount = 1
	}
	user := middleware.CurrentUser(c)
	if err := authz.Authorize(user, authz.ConsumeCredits, authz.Own(user.ID)); err != nil {
		h.fail(c, err)
		return
	}
	change, err := h.Credits.Consume(c.Request.Context(), user.ID, body.Amount, body.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, changeView(change))
}
