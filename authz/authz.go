// Package authz decides what an authenticated user may do. Handlers ask one
// question, Authorize(actor, action, resource), instead of branching on
// roles themselves.
package authz

import (
	"fmt"

	"go-tcfprep/errs"
	"go-tcfprep/web/db"
)

type Action string

const (
	ViewOrder      Action = "order:view"
	CreateOrder    Action = "order:create"
	ConfirmOrder   Action = "order:confirm"
	ManageOrders   Action = "orders:manage"
	RefundOrder    Action = "order:refund"
	ManagePlans    Action = "plans:manage"
	SyncUsages     Action = "credits:sync"
	SetUserPlan    Action = "user:set-plan"
	ViewCredits    Action = "credits:view"
	ConsumeCredits Action = "credits:consume"
	CreateUser     Action = "user:create"
	ListUsers      Action = "users:list"
	ViewUser       Action = "user:view"
)

// Resource describes the object an action targets. Zero fields mean the
// action is not tied to a particular object.
type Resource struct {
	OwnerID   uint   // user owning the order or balance
	CreatedBy *uint  // account that created the target user
	Role      string // role of a user being created
}

func Own(ownerID uint) Resource {
	return Resource{OwnerID: ownerID}
}

// Authorize returns nil when actor may perform action on res,
// errs.ErrUnauthorized for a missing actor and errs.ErrForbidden otherwise.
func Authorize(actor *db.User, action Action, res Resource) error {
	if actor == nil || actor.ID == 0 {
		return errs.ErrUnauthorized
	}
	if allowed(actor, action, res) {
		return nil
	}
	return fmt.Errorf("%s may not %s: %w", actor.Role, action, errs.ErrForbidden)
}

func allowed(actor *db.User, action Action, res Resource) bool {
	if actor.Role == db.RoleAdmin {
		return true
	}

	owns := res.OwnerID != 0 && res.OwnerID == actor.ID
	switch action {
	case ViewOrder, CreateOrder, ConfirmOrder, ConsumeCredits, ViewCredits:
		if owns {
			return true
		}
	}

	if actor.Role != db.RoleModerator {
		return false
	}
	switch action {
	case ListUsers:
		return true
	case CreateUser:
		return res.Role == "" || res.Role == db.RoleClient
	case ViewUser, ViewCredits:
		return res.CreatedBy != nil && *res.CreatedBy == actor.ID
	}
	return false
}
