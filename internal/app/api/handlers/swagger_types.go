package handlers

import (
	"time"

	"github.com/iqstocker/entitlement/internal/app/service/funnel"
	"github.com/iqstocker/entitlement/internal/app/service/lifecycle"
	"github.com/iqstocker/entitlement/pkg/response"
	types "github.com/iqstocker/entitlement/pkg/types"
)

// RespOK is a generic OK envelope for endpoints returning no specific data.
type RespOK struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    interface{}              `json:"data"`
}

// RespConsume wraps ConsumeResponse in the standard envelope.
type RespConsume struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    ConsumeResponse          `json:"data"`
}

// RespEntitlement wraps a SwaggerEntitlement in the standard envelope.
type RespEntitlement struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    SwaggerEntitlement       `json:"data"`
}

// RespEntitlementView wraps an EntitlementView in the standard envelope.
type RespEntitlementView struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    EntitlementView          `json:"data"`
}

// RespTierChange wraps a SwaggerTierChange in the standard envelope.
type RespTierChange struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    SwaggerTierChange        `json:"data"`
}

// RespTariffLimits wraps the per-tier limits map in the standard envelope.
type RespTariffLimits struct {
	Code    response.APIResponseCode        `json:"code"`
	Message string                          `json:"message"`
	Data    map[types.Tier]types.TierLimits `json:"data"`
}

// RespCohortFunnel wraps a funnel.Report in the standard envelope.
type RespCohortFunnel struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    funnel.Report            `json:"data"`
}

// RespListTierChanges wraps ScanTierChangesResponse in the standard envelope.
type RespListTierChanges struct {
	Code    response.APIResponseCode          `json:"code"`
	Message string                            `json:"message"`
	Data    lifecycle.ScanTierChangesResponse `json:"data"`
}

// SwaggerEntitlement is a simplified view of models.UserEntitlement for documentation purposes.
type SwaggerEntitlement struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Tier           types.Tier `json:"tier"`
	ExpiresAt      *time.Time `json:"expires_at"`
	TrialStartedAt *time.Time `json:"trial_started_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SwaggerTierChange is a simplified view of models.TierChange for documentation purposes.
type SwaggerTierChange struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	Tier             types.Tier `json:"tier"`
	StartedAt        time.Time  `json:"started_at"`
	ExpiresAt        *time.Time `json:"expires_at"`
	AmountCents      *int64     `json:"amount_cents"`
	PaymentReference *string    `json:"payment_reference"`
	DiscountPercent  int        `json:"discount_percent"`
	CreatedAt        time.Time  `json:"created_at"`
}
