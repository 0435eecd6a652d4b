package models

import (
	"time"

	"github.com/iqstocker/entitlement/pkg/types"
)

// TariffLimits is the per-tier quota configuration row. A tier with no row
// resolves to the compiled-in defaults from config instead.
type TariffLimits struct {
	ID                string     `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Tier              types.Tier `gorm:"column:tier;type:varchar(16);not null;uniqueIndex" json:"tier"`
	AnalyticsLimit    int        `gorm:"column:analytics_limit;not null;default:0" json:"analytics_limit"`
	ThemesLimit       int        `gorm:"column:themes_limit;not null;default:0" json:"themes_limit"`
	ThemeCooldownDays int        `gorm:"column:theme_cooldown_days;not null;default:0" json:"theme_cooldown_days"`
	// TrialDurationDays is only meaningful for the TRIAL tier.
	TrialDurationDays int       `gorm:"column:trial_duration_days;not null;default:0" json:"trial_duration_days"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (TariffLimits) TableName() string {
	return "tariff_limits"
}

func (t *TariffLimits) Limits() types.TierLimits {
	return types.TierLimits{
		AnalyticsLimit:    t.AnalyticsLimit,
		ThemesLimit:       t.ThemesLimit,
		ThemeCooldownDays: t.ThemeCooldownDays,
		TrialDurationDays: t.TrialDurationDays,
	}
}
