package funnel

import (
	"time"

	"github.com/iqstocker/entitlement/pkg/types"
)

// InferPreviousTier resolves the tier a user held before a history record
// that has no preceding record. If the record started within the trial window
// (trial start plus duration), the user was still on TRIAL, otherwise the
// trial had lapsed (or never happened) and the user was on FREE.
func InferPreviousTier(trialStartedAt *time.Time, trialDurationDays int, recordStartedAt time.Time) types.Tier {
	if trialStartedAt == nil {
		return types.TierFree
	}
	trialEnd := trialStartedAt.AddDate(0, 0, trialDurationDays)
	if !recordStartedAt.Before(*trialStartedAt) && recordStartedAt.Before(trialEnd) {
		return types.TierTrial
	}
	return types.TierFree
}
