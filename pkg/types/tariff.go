package types

// TierLimits is the quota configuration for one tier.
// TrialDurationDays is only meaningful for the TRIAL tier.
type TierLimits struct {
	AnalyticsLimit    int `json:"analytics_limit" mapstructure:"analytics_limit"`
	ThemesLimit       int `json:"themes_limit" mapstructure:"themes_limit"`
	ThemeCooldownDays int `json:"theme_cooldown_days" mapstructure:"theme_cooldown_days"`
	TrialDurationDays int `json:"trial_duration_days" mapstructure:"trial_duration_days"`
}
