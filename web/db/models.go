package db

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Roles
const (
	RoleClient    = "client"
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

// User payment statuses
const (
	PaymentPending = "pending"
	PaymentPaid    = "paid"
)

// Order statuses
const (
	OrderPending   = "pending"
	OrderPaid      = "paid"
	OrderCancelled = "cancelled"
	OrderRefunded  = "refunded"
)

// Order payment statuses
const (
	OrderPaymentPending   = "pending"
	OrderPaymentCompleted = "completed"
	OrderPaymentCancelled = "cancelled"
	OrderPaymentRefunded  = "refunded"
)

const OrderNumberCounter = "order_number"

type User struct {
	gorm.Model
	Username  string `gorm:"uniqueIndex;size:150;not null"`
	Email     string `gorm:"uniqueIndex;size:255;not null"`
	Password  string `json:"-"`
	FirstName string `gorm:"size:100"`
	LastName  string `gorm:"size:100"`
	Phone     string `gorm:"size:30"`
	Role      string `gorm:"size:20;not null;default:client;index"`
	CreatedBy *uint  `gorm:"index"`

	SubscriptionPlan string  `gorm:"size:50;index"`
	PaymentStatus    string  `gorm:"size:20;not null;default:pending"`
	Sold             float64 `gorm:"not null;default:0"` // remaining credits
	TotalSold        float64 `gorm:"not null;default:0"` // credits granted under the current balance
}

// HasActivePlan reports whether the user holds a paid plan.
func (u *User) HasActivePlan() bool {
	return u.SubscriptionPlan != "" && u.PaymentStatus == PaymentPaid
}

// FullName falls back to the username when no name was given.
func (u *User) FullName() string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		return u.Username
	}
	return name
}

type SubscriptionPack struct {
	gorm.Model
	PackID          string          `gorm:"uniqueIndex;size:50;not null"`
	Name            string          `gorm:"size:100;not null"`
	Description     string          `gorm:"type:text"`
	Price           decimal.Decimal `gorm:"type:decimal(10,2);not null"`
	Currency        string          `gorm:"size:3;not null;default:CAD"`
	Usages          int             `gorm:"not null"`
	StripeProductID string          `gorm:"size:100"`
	IsPopular       bool
	IsActive        bool `gorm:"not null;index"`
	SortOrder       int
	Features        []PackFeature `gorm:"constraint:OnDelete:CASCADE"`
}

type PackFeature struct {
	gorm.Model
	SubscriptionPackID uint   `gorm:"index;not null"`
	Text               string `gorm:"size:255;not null"`
	SortOrder          int
	IsActive           bool `gorm:"not null"`
}

type Order struct {
	gorm.Model
	OrderNumber      string `gorm:"uniqueIndex;size:30;not null"`
	UserID           uint   `gorm:"index;not null"`
	SubscriptionPlan string `gorm:"size:50;not null;index"`

	// Snapshot of the pack when the order was created.
	PlanUsages int
	PlanPrice  decimal.Decimal `gorm:"type:decimal(10,2)"`

	Amount        decimal.Decimal `gorm:"type:decimal(10,2);not null"`
	Currency      string          `gorm:"size:3;not null;default:CAD"`
	Status        string          `gorm:"size:20;not null;default:pending;index"`
	PaymentStatus string          `gorm:"size:20;not null;default:pending"`
	PaymentMethod string          `gorm:"size:30;default:stripe"`

	StripeSessionID       *string `gorm:"uniqueIndex;size:255"`
	SessionAttachedAt     *time.Time
	StripePaymentIntentID string  `gorm:"size:255"`
	StripeRefundID        string  `gorm:"size:255"`

	CustomerEmail string `gorm:"size:255"`
	CustomerName  string `gorm:"size:200"`
	CustomerPhone string `gorm:"size:30"`
	Notes         string `gorm:"type:text"`
	RefundReason  string `gorm:"type:text"`

	CancelledBy *uint
	PaidAt      *time.Time
	CancelledAt *time.Time
	RefundedAt  *time.Time
}

// SessionID returns the processor session id or "".
func (o *Order) SessionID() string {
	if o.StripeSessionID == nil {
		return ""
	}
	return *o.StripeSessionID
}

// OrderSequence is a named monotonically increasing counter.
type OrderSequence struct {
	Name      string `gorm:"primaryKey;size:50"`
	Value     int64  `gorm:"not null"`
	UpdatedAt time.Time
}

// CreditEntry is one append-only balance change.
type CreditEntry struct {
	ID             string `gorm:"primaryKey;size:64"`
	UserID         uint   `gorm:"index;not null"`
	OrderID        *uint  `gorm:"index"`
	ActorID        *uint
	Kind           string `gorm:"size:20;not null"` // grant, resize, reset, consume
	Policy         string `gorm:"size:40"`
	PlanID         string `gorm:"size:50"`
	SoldDelta      float64
	TotalSoldDelta float64
	SoldAfter      float64
	TotalSoldAfter float64
	Reason         string `gorm:"size:255"`
	Metadata       datatypes.JSON
	CreatedAt      time.Time `gorm:"index"`
}

// WebhookEvent records every processor event the service has seen.
type WebhookEvent struct {
	ID          uint   `gorm:"primaryKey"`
	Provider    string `gorm:"size:20;not null;uniqueIndex:idx_webhook_provider_event"`
	EventID     string `gorm:"size:255;not null;uniqueIndex:idx_webhook_provider_event"`
	EventType   string `gorm:"size:100;not null;index"`
	Payload     datatypes.JSON
	ProcessedAt *time.Time
	Error       string `gorm:"type:text"`
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
