package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"go-tcfprep/authz"
	"go-tcfprep/web/middleware"
)

// Register mounts every route on r. limiter may be nil; metrics, when set,
// is served on GET /metrics.
func (h *Handler) Register(r *gin.Engine, limiter *middleware.RateLimiter, metrics http.Handler) {
	limit := func(c *gin.Context) { c.Next() }
	if limiter != nil {
		limit = limiter.Middleware()
	}
	auth := h.Auth.RequireAuth

	r.GET("/healthz", h.Healthz)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	r.POST("/signup", limit, h.Signup)
	r.POST("/login", limit, h.Login)
	r.GET("/plans", h.ListPlans)
	r.GET("/plans/:id", h.GetPlan)
	r.POST("/stripe/webhook", h.StripeWebhook)

	client := r.Group("/", limit, auth)
	client.GET("/user", h.User)
	client.GET("/user/credits", h.MyCredits)
	client.POST("/checkout", h.Checkout)
	client.POST("/checkout/verify", h.VerifyCheckout)
	client.POST("/orders", h.CreateOrder)
	client.GET("/orders", h.ListMyOrders)
	client.GET("/orders/:id", h.GetOrder)
	client.POST("/orders/:id/status", h.ConfirmOrder)
	client.POST("/credits/consume", h.ConsumeCredits)

	admin := r.Group("/admin", limit, auth)
	admin.GET("/users/:id/credits", h.UserCredits)

	orders := admin.Group("/orders", middleware.RequirePermission(authz.ManageOrders))
	orders.GET("", h.AdminListOrders)
	orders.POST("", h.AdminCreateOrder)
	orders.PATCH("/:id", h.AdminUpdateOrder)
	orders.DELETE("/:id", h.AdminDeleteOrder)
	orders.POST("/:id/cancel", h.AdminCancelOrder)
	orders.POST("/:id/refund", middleware.RequirePermission(authz.RefundOrder), h.AdminRefundOrder)

	admin.POST("/sync-usages", middleware.RequirePermission(authz.SyncUsages), h.AdminSyncUsages)
	admin.PUT("/users/:id/plan", middleware.RequirePermission(authz.SetUserPlan), h.SetUserPlan)

	plans := admin.Group("/plans", middleware.RequirePermission(authz.ManagePlans))
	plans.GET("", h.AdminListPlans)
	plans.POST("", h.AdminCreatePlan)
	plans.PUT("/:id", h.AdminUpdatePlan)
	plans.DELETE("/:id", h.AdminDeletePlan)
	plans.POST("/:id/toggle", h.AdminTogglePlan)

	mod := r.Group("/moderator", limit, auth)
	mod.POST("/users", h.CreateManagedUser)
	mod.GET("/users", h.ListManagedUsers)
}
