package lifecycle

import "errors"

// ErrInvalidTierTransition is returned when a transition is not legal from
// the user's current state (paying into FREE, second trial, early expire).
// Nothing is written when it is returned.
var ErrInvalidTierTransition = errors.New("invalid tier transition")

// ErrEntitlementNotFound is returned when no entitlement record exists for
// the user.
var ErrEntitlementNotFound = errors.New("entitlement not found")
