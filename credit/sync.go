package credit

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"go-tcfprep/errs"
	"go-tcfprep/web/db"
)

// SyncSkip names a user the sync could not resize.
type SyncSkip struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	PlanID   string `json:"plan_id"`
	Reason   string `json:"reason"`
}

type SyncReport struct {
	Updated []Change   `json:"updated"`
	Skipped []SyncSkip `json:"skipped"`
}

// SyncUsages re-applies Policy B with each user's current plan so balances
// follow edits to plan usages. With a username only that user is synced and
// a missing plan is an error; without one every user holding a plan is
// visited and failures are reported per user.
func (l *Ledger) SyncUsages(ctx context.Context, username string, actorID *uint) (SyncReport, error) {
	var report SyncReport

	if username != "" {
		var user db.User
		err := l.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return report, fmt.Errorf("user %q: %w", username, errs.ErrUserNotFound)
		}
		if err != nil {
			return report, err
		}
		if user.SubscriptionPlan == "" {
			return report, errs.Invalid("username", "user has no subscription plan")
		}
		change, err := l.ResizePreservingRatio(ctx, user.ID, user.SubscriptionPlan, actorID)
		if err != nil {
			return report, err
		}
		report.Updated = append(report.Updated, change)
		return report, nil
	}

	var users []db.User
	if err := l.db.WithContext(ctx).
		Where("subscription_plan <> ''").
		Order("id ASC").
		Find(&users).Error; err != nil {
		return report, err
	}

	for _, user := range users {
		change, err := l.ResizePreservingRatio(ctx, user.ID, user.SubscriptionPlan, actorID)
		if err != nil {
			reason := err.Error()
			if errors.Is(err, errs.ErrPlanNotFound) {
				reason = SkipPlanNotFound
			}
			report.Skipped = append(report.Skipped, SyncSkip{
				UserID:   user.ID,
				Username: user.Username,
				PlanID:   user.SubscriptionPlan,
				Reason:   reason,
			})
			continue
		}
		report.Updated = append(report.Updated, change)
	}

	l.logger.Info("usages synced", "updated", len(report.Updated), "skipped", len(report.Skipped))
	return report, nil
}
