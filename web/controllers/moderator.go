package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"go-tcfprep/authz"
	"go-tcfprep/web/db"
	"go-tcfprep/web/middleware"
)

// CreateManagedUser lets moderators open client accounts and admins open
// accounts of any role.
func (h *Handler) CreateManagedUser(c *gin.Context) {
	var body struct {
		signupBody
		Role string `json:"role"`
	}
	if c.ShouldBindJSON(&body) != nil {
		badBody(c)
		return
	}
	if body.Role == "" {
		body.Role = db.RoleClient
	}
	switch body.Role {
	case db.RoleClient, db.RoleModerator, db.RoleAdmin:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "role: must be client, moderator or admin"})
		return
	}

	actor := middleware.CurrentUser(c)
	if err := authz.Authorize(actor, authz.CreateUser, authz.Resource{Role: body.Role}); err != nil {
		h.fail(c, err)
		return
	}
	user, err := h.newUser(c, body.signupBody, body.Role, &actor.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger().Info("account created", "user_id", user.ID, "role", user.Role, "created_by", actor.ID)
	c.JSON(http.StatusCreated, gin.H{"user": userView(user)})
}

// ListManagedUsers returns the accounts a moderator created, or every
// account for an admin.
func (h *Handler) ListManagedUsers(c *gin.Context) {
	actor := middleware.CurrentUser(c)
	if err := authz.Authorize(actor, authz.ListUsers, authz.Resource{}); err != nil {
		h.fail(c, err)
		return
	}
	q := h.DB.WithContext(c.Request.Context()).Order("id DESC")
	if actor.Role != db.RoleAdmin {
		q = q.Where("created_by = ?", actor.ID)
	}
	var users []db.User
	if err := q.Find(&users).Error; err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": usersView(users)})
}
