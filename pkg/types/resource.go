package types

// Resource is a metered feature gated by the quota ledger.
type Resource string

const (
	ResourceAnalyticsReports Resource = "analytics_reports"
	ResourceThemeRequests    Resource = "theme_requests"
)

func (r Resource) Valid() bool {
	return r == ResourceAnalyticsReports || r == ResourceThemeRequests
}
