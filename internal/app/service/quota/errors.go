package quota

import "errors"

// ErrQuotaExceeded is returned when the resource allowance is exhausted.
// Recoverable: callers show an upsell path, no automatic retry.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ErrCooldownActive is returned for theme requests made before the cooldown
// window has elapsed, regardless of remaining allowance.
var ErrCooldownActive = errors.New("cooldown active")

// ErrLedgerNotFound is returned when the user has no quota ledger yet
// (no tier was ever granted).
var ErrLedgerNotFound = errors.New("quota ledger not found")

// ErrUnknownResource is returned for a resource name outside the metered set.
var ErrUnknownResource = errors.New("unknown resource")
