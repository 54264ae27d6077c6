package controllers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"go-tcfprep/authz"
	"go-tcfprep/catalog"
	"go-tcfprep/credit"
	"go-tcfprep/errs"
	"go-tcfprep/payment/order"
	"go-tcfprep/web/db"
	"go-tcfprep/web/middleware"
)

func parseDate(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errs.Invalid(field, "expected RFC3339 or YYYY-MM-DD")
}

func (h *Handler) AdminListOrders(c *gin.Context) {
	from, err := parseDate("from", c.Query("from"))
	if err != nil {
		h.fail(c, err)
		return
	}
	to, err := parseDate("to", c.Query("to"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !to.IsZero() && len(c.Query("to")) == len("2006-01-02") {
		to = to.Add(24*time.Hour - time.Nanosecond)
	}

	page, err := h.Orders.List(c.Request.Context(), order.Filter{
		Status:  c.Query("status"),
		UserID:  uint(queryInt(c, "user_id", 0)),
		PlanID:  c.Query("plan_id"),
		From:    from,
		To:      to,
		Page:    queryInt(c, "page", 1),
		PerPage: queryInt(c, "per_page", 0),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pageView(page))
}

func (h *Handler) AdminCreateOrder(c *gin.Context) {
	var body struct {
		UserID        uint           `json:"user_id"`
		PlanID        string         `json:"plan_id"`
		Amount        string         `json:"amount"`
		Currency      string         `json:"currency"`
		PaymentMethod string         `json:"payment_method"`
		Notes         string         `json:"notes"`
		MarkPaid      bool           `json:"mark_paid"`
		Customer      order.Customer `json:"customer"`
	}
	if c.ShouldBindJSON(&body) != nil {
		badBody(c)
		return
	}
	amount := decimal.Zero
	if body.Amount != "" {
		var err error
		if amount, err = decimal.NewFromString(body.Amount); err != nil {
			h.fail(c, errs.Invalid("amount", "is not a number"))
			return
		}
	}

	actor := middleware.CurrentUser(c)
	o, err := h.Orders.CreateManual(c.Request.Context(), actor.ID, order.ManualOrder{
		UserID:        body.UserID,
		PlanID:        body.PlanID,
		Amount:        amount,
		Currency:      body.Currency,
		PaymentMethod: body.PaymentMethod,
		Notes:         body.Notes,
		MarkPaid:      body.MarkPaid,
		Customer:      body.Customer,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": orderView(o)})
}

// AdminUpdateOrder edits notes and can mark an order paid or cancelled.
// Refunds go through AdminRefundOrder so the processor is involved.
func (h *Handler) AdminUpdateOrder(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var body struct {
		Notes  *string `json:"notes"`
		Status string  `json:"status"`
		Reason string  `json:"reason"`
	}
	if c.ShouldBindJSON(&body) != nil {
		badBody(c)
		return
	}
	ctx := c.Request.Context()
	actor := middleware.CurrentUser(c)

	if body.Notes != nil {
		if err := h.Orders.UpdateNotes(ctx, id, *body.Notes); err != nil {
			h.fail(c, err)
			return
		}
	}

	var res *order.Result
	switch body.Status {
	case "":
	case db.OrderPaid, db.OrderCancelled:
		r, err := h.Orders.Transition(ctx, id, body.Status, order.TransitionOptions{ActorID: &actor.ID, Reason: body.Reason})
		if err != nil {
			h.fail(c, err)
			return
		}
		res = &r
	default:
		h.fail(c, errs.Invalid("status", "must be paid or cancelled"))
		return
	}

	if res != nil {
		c.JSON(http.StatusOK, resultView(*res))
		return
	}
	o, err := h.Orders.Get(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": orderView(o)})
}

func (h *Handler) AdminDeleteOrder(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Orders.Delete(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Order deleted"})
}

func (h *Handler) AdminCancelOrder(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var body struct {
		Reason       string `json:"reason"`
		ResetBalance bool   `json:"reset_balance"`
	}
	if !bindOptional(c, &body) {
		return
	}

	res, err := h.Orders.Cancel(c.Request.Context(), id, middleware.CurrentUser(c).ID, body.Reason, body.ResetBalance)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resultView(res))
}

func (h *Handler) AdminRefundOrder(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !bindOptional(c, &body) {
		return
	}

	res, err := h.Orders.Refund(c.Request.Context(), id, middleware.CurrentUser(c).ID, body.Reason)
	if errors.Is(err, errs.ErrRefundNotRecorded) {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Refund issued by the payment processor but not recorded; manual reconciliation required",
		})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resultView(res))
}

func (h *Handler) AdminSyncUsages(c *gin.Context) {
	var body struct {
		Username string `json:"username"`
	}
	if !bindOptional(c, &body) {
		return
	}

	report, err := h.Credits.SyncUsages(c.Request.Context(), body.Username, &middleware.CurrentUser(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	updated := make([]gin.H, 0, len(report.Updated))
	for _, ch := range report.Updated {
		updated = append(updated, changeView(ch))
	}
	skipped := report.Skipped
	if skipped == nil {
		skipped = []credit.SyncSkip{}
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated, "skipped": skipped})
}

// SetUserPlan moves a user to another plan, keeping the fraction of credits
// they had left.
func (h *Handler) SetUserPlan(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var body struct {
		PlanID string `json:"plan_id"`
	}
	if c.ShouldBindJSON(&body) != nil || body.PlanID == "" {
		h.fail(c, errs.Invalid("plan_id", "is required"))
		return
	}
	change, err := h.Credits.ResizePreservingRatio(c.Request.Context(), id, body.PlanID, &middleware.CurrentUser(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, changeView(change))
}

// UserCredits shows a balance and its history to admins and to the
// moderator who created the account.
func (h *Handler) UserCredits(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var user db.User
	if err := h.DB.WithContext(c.Request.Context()).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = errs.ErrUserNotFound
		}
		h.fail(c, err)
		return
	}
	res := authz.Resource{OwnerID: user.ID, CreatedBy: user.CreatedBy}
	if err := authz.Authorize(middleware.CurrentUser(c), authz.ViewCredits, res); err != nil {
		h.fail(c, err)
		return
	}
	entries, err := h.Credits.Entries(c.Request.Context(), user.ID, queryInt(c, "limit", 100))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, creditsView(user, entries))
}

func (h *Handler) AdminListPlans(c *gin.Context) {
	packs, err := h.Catalog.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": packsView(packs)})
}

func (h *Handler) AdminCreatePlan(c *gin.Context) {
	var body catalog.PackInput
	if c.ShouldBindJSON(&body) != nil {
		badBody(c)
		return
	}
	pack, err := h.Catalog.Create(c.Request.Context(), body)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"plan": packView(pack)})
}

func (h *Handler) AdminUpdatePlan(c *gin.Context) {
	var body catalog.PackInput
	if c.ShouldBindJSON(&body) != nil {
		badBody(c)
		return
	}
	pack, err := h.Catalog.Update(c.Request.Context(), c.Param("id"), body)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": packView(pack)})
}

func (h *Handler) AdminTogglePlan(c *gin.Context) {
	ctx := c.Request.Context()
	pack, err := h.Catalog.Get(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	pack, err = h.Catalog.SetActive(ctx, pack.PackID, !pack.IsActive)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": packView(pack)})
}

func (h *Handler) AdminDeletePlan(c *gin.Context) {
	if err := h.Catalog.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Plan deleted"})
}
