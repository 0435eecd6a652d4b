package models

import "time"

// QuotaLedger holds the per-user used/total counters for the metered
// features. Created lazily on the first tier grant and reseeded from the
// tariff registry on every tier change.
type QuotaLedger struct {
	ID             string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID         string `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex" json:"user_id"`
	AnalyticsTotal int    `gorm:"column:analytics_total;not null;default:0" json:"analytics_total"`
	AnalyticsUsed  int    `gorm:"column:analytics_used;not null;default:0" json:"analytics_used"`
	ThemesTotal    int    `gorm:"column:themes_total;not null;default:0" json:"themes_total"`
	ThemesUsed     int    `gorm:"column:themes_used;not null;default:0" json:"themes_used"`
	// ThemeCooldownDays gates theme requests independently of the allowance.
	ThemeCooldownDays  int        `gorm:"column:theme_cooldown_days;not null;default:0" json:"theme_cooldown_days"`
	LastThemeRequestAt *time.Time `gorm:"column:last_theme_request_at;default:null" json:"last_theme_request_at"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (QuotaLedger) TableName() string {
	return "quota_ledger"
}

func (l *QuotaLedger) AnalyticsRemaining() int {
	return max(0, l.AnalyticsTotal-l.AnalyticsUsed)
}

func (l *QuotaLedger) ThemesRemaining() int {
	return max(0, l.ThemesTotal-l.ThemesUsed)
}

// CooldownElapsed reports whether the theme cooldown gate passes at the
// given time.
func (l *QuotaLedger) CooldownElapsed(at time.Time) bool {
	if l.LastThemeRequestAt == nil || l.ThemeCooldownDays <= 0 {
		return true
	}
	return !at.Before(l.LastThemeRequestAt.Add(time.Duration(l.ThemeCooldownDays) * 24 * time.Hour))
}

// CooldownRemaining returns how long until the cooldown gate passes, zero
// when it already does.
func (l *QuotaLedger) CooldownRemaining(at time.Time) time.Duration {
	if l.LastThemeRequestAt == nil || l.ThemeCooldownDays <= 0 {
		return 0
	}
	rem := l.LastThemeRequestAt.Add(time.Duration(l.ThemeCooldownDays) * 24 * time.Hour).Sub(at)
	if rem < 0 {
		return 0
	}
	return rem
}
