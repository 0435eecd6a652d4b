package models

import (
	"time"

	"github.com/iqstocker/entitlement/pkg/types"

	"gorm.io/datatypes"
)

// TierChange is the append-only tier transition history. Rows are never
// updated or deleted; the current view is always the row with the latest
// started_at per user.
type TierChange struct {
	ID        string     `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID    string     `gorm:"column:user_id;type:varchar(64);not null;index:idx_tier_change_user_started,priority:1" json:"user_id"`
	Tier      types.Tier `gorm:"column:tier;type:varchar(16);not null" json:"tier"`
	StartedAt time.Time  `gorm:"column:started_at;not null;index:idx_tier_change_user_started,priority:2" json:"started_at"`
	ExpiresAt *time.Time `gorm:"column:expires_at;default:null" json:"expires_at"`
	// AmountCents is nil for transitions that are not paid.
	AmountCents *int64 `gorm:"column:amount_cents;default:null" json:"amount_cents"`
	// PaymentReference is the external gateway reference. The unique index is
	// what makes replayed payment callbacks idempotent.
	PaymentReference *string `gorm:"column:payment_reference;type:varchar(255);uniqueIndex;default:null" json:"payment_reference"`
	DiscountPercent  int     `gorm:"column:discount_percent;not null;default:0" json:"discount_percent"`
	// Extra stores additional context such as trigger source.
	Extra     datatypes.JSONMap `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt time.Time         `json:"created_at"`
}

func (TierChange) TableName() string {
	return "tier_change"
}

// Paid reports whether the transition was backed by a payment.
func (t *TierChange) Paid() bool {
	return t != nil && t.PaymentReference != nil && *t.PaymentReference != ""
}
