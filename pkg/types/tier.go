package types

// Tier is the user's entitlement level.
type Tier string

const (
	TierFree  Tier = "FREE"
	TierTrial Tier = "TRIAL"
	TierPro   Tier = "PRO"
	TierUltra Tier = "ULTRA"
)

// Paid reports whether the tier is granted through a payment.
func (t Tier) Paid() bool {
	return t == TierPro || t == TierUltra
}

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierTrial, TierPro, TierUltra:
		return true
	}
	return false
}

// PaidTiers lists the tiers reachable through ApplyPayment.
var PaidTiers = []Tier{TierPro, TierUltra}

// TierChangeReason records why an entitlement changed.
type TierChangeReason string

const (
	TierChangeReasonTrial      TierChangeReason = "trial"
	TierChangeReasonPayment    TierChangeReason = "payment"
	TierChangeReasonExpiration TierChangeReason = "expiration"
	TierChangeReasonAdmin      TierChangeReason = "admin"
)
