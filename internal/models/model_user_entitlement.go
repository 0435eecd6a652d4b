package models

import (
	"time"

	"github.com/iqstocker/entitlement/pkg/types"
)

// UserEntitlement stores the current tier for one user.
// Mutated only by the lifecycle service; the transition trail lives in TierChange.
type UserEntitlement struct {
	ID     string     `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID string     `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex" json:"user_id"`
	Tier   types.Tier `gorm:"column:tier;type:varchar(16);not null" json:"tier"`
	// ExpiresAt is nil for tiers that never lapse (FREE).
	ExpiresAt *time.Time `gorm:"column:expires_at;default:null" json:"expires_at"`
	// TrialStartedAt is set once when the trial is granted and never cleared,
	// so a user can never receive a second trial.
	TrialStartedAt *time.Time `gorm:"column:trial_started_at;default:null" json:"trial_started_at"`
	// CreatedAt is managed by GORM and records the creation time.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is managed by GORM and records the update time.
	UpdatedAt time.Time `json:"updated_at"`
}

func (UserEntitlement) TableName() string {
	return "user_entitlement"
}

// Expired reports whether the tier has lapsed at the given time.
func (e *UserEntitlement) Expired(at time.Time) bool {
	return e != nil &&
		e.Tier != types.TierFree &&
		e.ExpiresAt != nil &&
		!e.ExpiresAt.After(at)
}
