package controllers

import (
	"github.com/gin-gonic/gin"

	"go-tcfprep/credit"
	"go-tcfprep/payment/order"
	"go-tcfprep/web/db"
)

func userView(u db.User) gin.H {
	return gin.H{
		"id":                u.ID,
		"username":          u.Username,
		"email":             u.Email,
		"first_name":        u.FirstName,
		"last_name":         u.LastName,
		"phone":             u.Phone,
		"role":              u.Role,
		"created_by":        u.CreatedBy,
		"subscription_plan": u.SubscriptionPlan,
		"payment_status":    u.PaymentStatus,
		"sold":              u.Sold,
		"total_sold":        u.TotalSold,
		"created_at":        u.CreatedAt,
	}
}

func usersView(users []db.User) []gin.H {
	out := make([]gin.H, 0, len(users))
	for _, u := range users {
		out = append(out, userView(u))
	}
	return out
}

func packView(p db.SubscriptionPack) gin.H {
	features := make([]string, 0, len(p.Features))
	for _, f := range p.Features {
		if f.IsActive {
			features = append(features, f.Text)
		}
	}
	return gin.H{
		"id":                p.PackID,
		"name":              p.Name,
		"description":       p.Description,
		"price":             p.Price.StringFixed(2),
		"currency":          p.Currency,
		"usages":            p.Usages,
		"stripe_product_id": p.StripeProductID,
		"is_popular":        p.IsPopular,
		"is_active":         p.IsActive,
		"sort_order":        p.SortOrder,
		"features":          features,
	}
}

func packsView(packs []db.SubscriptionPack) []gin.H {
	out := make([]gin.H, 0, len(packs))
	for _, p := range packs {
		out = append(out, packView(p))
	}
	return out
}

func orderView(o db.Order) gin.H {
	return gin.H{
		"id":                       o.ID,
		"order_number":             o.OrderNumber,
		"user_id":                  o.UserID,
		"subscription_plan":        o.SubscriptionPlan,
		"plan_usages":              o.PlanUsages,
		"plan_price":               o.PlanPrice.StringFixed(2),
		"amount":                   o.Amount.StringFixed(2),
		"currency":                 o.Currency,
		"status":                   o.Status,
		"payment_status":           o.PaymentStatus,
		"payment_method":           o.PaymentMethod,
		"stripe_session_id":        o.SessionID(),
		"stripe_payment_intent_id": o.StripePaymentIntentID,
		"stripe_refund_id":         o.StripeRefundID,
		"customer_email":           o.CustomerEmail,
		"customer_name":            o.CustomerName,
		"customer_phone":           o.CustomerPhone,
		"notes":                    o.Notes,
		"refund_reason":            o.RefundReason,
		"cancelled_by":             o.CancelledBy,
		"paid_at":                  o.PaidAt,
		"cancelled_at":             o.CancelledAt,
		"refunded_at":              o.RefundedAt,
		"created_at":               o.CreatedAt,
		"updated_at":               o.UpdatedAt,
	}
}

func pageView(p order.Page) gin.H {
	orders := make([]gin.H, 0, len(p.Orders))
	for _, o := range p.Orders {
		orders = append(orders, orderView(o))
	}
	return gin.H{
		"orders":   orders,
		"total":    p.Total,
		"page":     p.Page,
		"per_page": p.PerPage,
		"pages":    p.Pages,
	}
}

func resultView(r order.Result) gin.H {
	out := gin.H{
		"order":             orderView(r.Order),
		"from":              r.From,
		"to":                r.To,
		"already_processed": r.AlreadyProcessed,
	}
	if r.Credit != nil {
		out["credit"] = changeView(*r.Credit)
	}
	return out
}

func changeView(c credit.Change) gin.H {
	return gin.H{
		"user_id": c.UserID,
		"plan_id": c.PlanID,
		"policy":  c.Policy,
		"before":  balanceView(c.Before),
		"after":   balanceView(c.After),
		"changed": c.Changed(),
		"skipped": c.Skipped,
	}
}

func balanceView(b credit.Balance) gin.H {
	return gin.H{"sold": b.Sold, "total_sold": b.TotalSold}
}

func entryView(e db.CreditEntry) gin.H {
	return gin.H{
		"id":               e.ID,
		"kind":             e.Kind,
		"policy":           e.Policy,
		"plan_id":          e.PlanID,
		"order_id":         e.OrderID,
		"actor_id":         e.ActorID,
		"sold_delta":       e.SoldDelta,
		"total_sold_delta": e.TotalSoldDelta,
		"sold_after":       e.SoldAfter,
		"total_sold_after": e.TotalSoldAfter,
		"reason":           e.Reason,
		"metadata":         e.Metadata,
		"created_at":       e.CreatedAt,
	}
}

func creditsView(u db.User, entries []db.CreditEntry) gin.H {
	list := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		list = append(list, entryView(e))
	}
	return gin.H{
		"user_id":           u.ID,
		"subscription_plan": u.SubscriptionPlan,
		"payment_status":    u.PaymentStatus,
		"balance":           balanceView(credit.Balance{Sold: u.Sold, TotalSold: u.TotalSold}),
		"entries":           list,
	}
}
