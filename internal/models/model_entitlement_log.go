package models

import (
	"time"

	"github.com/iqstocker/entitlement/pkg/types"

	"gorm.io/datatypes"
)

// EntitlementLog records changes to user entitlements.
// Use case: troubleshooting.
type EntitlementLog struct {
	ID     string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID string `gorm:"column:user_id;type:varchar(64);index:idx_entitlement_log_user_id,priority:1;not null"`
	// Reason is the change reason.
	Reason types.TierChangeReason `gorm:"column:reason;type:varchar(32);not null"`
	// Before stores entitlement data before the change in JSON format.
	Before datatypes.JSONType[*UserEntitlement] `gorm:"column:before;type:jsonb;default:'null'"`
	// After stores entitlement data after the change in JSON format.
	After datatypes.JSONType[*UserEntitlement] `gorm:"column:after;type:jsonb;default:'null'"`
	// Extra stores additional context such as trigger source.
	Extra     datatypes.JSONMap `gorm:"column:extra;type:jsonb;default:'{}'"`
	CreatedAt time.Time
}

func (EntitlementLog) TableName() string {
	return "entitlement_log"
}
