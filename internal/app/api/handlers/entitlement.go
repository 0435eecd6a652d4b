package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/iqstocker/entitlement/internal/app/service/lifecycle"
	"github.com/iqstocker/entitlement/internal/app/service/quota"
	"github.com/iqstocker/entitlement/pkg/response"
	"github.com/iqstocker/entitlement/pkg/types"

	"github.com/gin-gonic/gin"
)

type ConsumeRequest struct {
	UserID   string         `json:"user_id"`
	Resource types.Resource `json:"resource"`
}

type ConsumeResponse struct {
	Remaining             int   `json:"remaining"`
	CooldownRemainingSecs int64 `json:"cooldown_remaining_seconds,omitempty"`
}

// @Summary      Consume Quota Unit
// @Description  Spends one unit of a metered resource for the user. Fails with a typed code when the quota is exhausted or the theme cooldown is active.
// @Tags         Entitlement
// @Accept       json
// @Produce      json
// @Param        request body ConsumeRequest true "User and resource to consume"
// @Success      200  {object}  handlers.RespConsume
// @Router       /api/v1/entitlement/consume [post]
func ApiConsume(q *quota.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ConsumeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if req.UserID == "" || !req.Resource.Valid() {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing user_id or invalid resource"))
			return
		}

		err := q.Consume(c.Request.Context(), req.UserID, req.Resource)
		switch {
		case err == nil:
		case errors.Is(err, quota.ErrQuotaExceeded):
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeQuotaExceeded, nil))
			return
		case errors.Is(err, quota.ErrCooldownActive):
			// callers display the remaining wait time
			resp := &ConsumeResponse{}
			if led, lerr := q.GetLedger(c.Request.Context(), req.UserID); lerr == nil {
				resp.CooldownRemainingSecs = int64(led.CooldownRemaining(time.Now()) / time.Second)
			}
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeCooldownActive, resp))
			return
		case errors.Is(err, quota.ErrLedgerNotFound):
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeNotFound, err.Error()))
			return
		default:
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}

		remaining, err := q.Remaining(c.Request.Context(), req.UserID, req.Resource)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(&ConsumeResponse{Remaining: remaining}))
	}
}

// @Summary      Get Remaining Quota
// @Description  Returns max(0, total-used) for one resource without consuming anything.
// @Tags         Entitlement
// @Produce      json
// @Param        user_id   query  string  true  "User ID"
// @Param        resource  query  string  true  "Resource name"
// @Success      200  {object}  handlers.RespConsume
// @Router       /api/v1/entitlement/remaining [get]
func ApiRemaining(q *quota.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		resource := types.Resource(c.Query("resource"))
		if userID == "" || !resource.Valid() {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing user_id or invalid resource"))
			return
		}
		remaining, err := q.Remaining(c.Request.Context(), userID, resource)
		if err != nil {
			if errors.Is(err, quota.ErrLedgerNotFound) {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeNotFound, err.Error()))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(&ConsumeResponse{Remaining: remaining}))
	}
}

type EntitlementView struct {
	UserID             string     `json:"user_id"`
	Tier               types.Tier `json:"tier"`
	ExpiresAt          *time.Time `json:"expires_at"`
	TrialStartedAt     *time.Time `json:"trial_started_at"`
	AnalyticsRemaining int        `json:"analytics_remaining"`
	ThemesRemaining    int        `json:"themes_remaining"`
}

// @Summary      Get User Entitlement
// @Description  Returns the user's current tier, expiry and remaining quotas in one call.
// @Tags         Entitlement
// @Produce      json
// @Param        user_id  query  string  true  "User ID"
// @Success      200  {object}  handlers.RespEntitlementView
// @Router       /api/v1/entitlement/get [get]
func ApiGetEntitlement(life *lifecycle.Service, q *quota.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing user_id"))
			return
		}
		ent, err := life.GetEntitlement(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, lifecycle.ErrEntitlementNotFound) {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeNotFound, err.Error()))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		view := &EntitlementView{
			UserID:         ent.UserID,
			Tier:           ent.Tier,
			ExpiresAt:      ent.ExpiresAt,
			TrialStartedAt: ent.TrialStartedAt,
		}
		// a user registered but never granted any tier has no ledger yet
		if led, err := q.GetLedger(c.Request.Context(), userID); err == nil {
			view.AnalyticsRemaining = led.AnalyticsRemaining()
			view.ThemesRemaining = led.ThemesRemaining()
		}
		c.JSON(http.StatusOK, response.OKT(view))
	}
}

// @Summary      Grant Trial
// @Description  Moves a FREE user onto the TRIAL tier. One trial per user, ever.
// @Tags         Entitlement
// @Accept       json
// @Produce      json
// @Param        request body handlers.GrantTrialRequest true "Grant trial request"
// @Success      200  {object}  handlers.RespEntitlement
// @Router       /api/v1/entitlement/grant_trial [post]
func ApiGrantTrial(life *lifecycle.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req GrantTrialRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if req.UserID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing user_id"))
			return
		}
		ent, err := life.GrantTrial(c.Request.Context(), req.UserID)
		if err != nil {
			if errors.Is(err, lifecycle.ErrInvalidTierTransition) {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeInvalidTransition, err.Error()))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(ent))
	}
}

// @Summary      Apply Payment
// @Description  Moves the user onto a paid tier for one billing period. Idempotent on payment_reference: a replayed delivery returns the original history row.
// @Tags         Entitlement
// @Accept       json
// @Produce      json
// @Param        request body lifecycle.ApplyPaymentRequest true "Payment callback payload"
// @Success      200  {object}  handlers.RespTierChange
// @Router       /api/v1/entitlement/apply_payment [post]
func ApiApplyPayment(life *lifecycle.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req lifecycle.ApplyPaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		rec, err := life.ApplyPayment(c.Request.Context(), &req)
		if err != nil {
			switch {
			case errors.Is(err, lifecycle.ErrInvalidTierTransition):
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeInvalidTransition, err.Error()))
			case errors.Is(err, lifecycle.ErrEntitlementNotFound):
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeNotFound, err.Error()))
			default:
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			}
			return
		}
		c.JSON(http.StatusOK, response.OKT(rec))
	}
}

type GrantTrialRequest struct {
	UserID string `json:"user_id"`
}

func RegisterEntitlementRoutes(r gin.IRouter, life *lifecycle.Service, q *quota.Service) {
	r.POST("/consume", ApiConsume(q))
	r.GET("/remaining", ApiRemaining(q))
	r.GET("/get", ApiGetEntitlement(life, q))
	r.POST("/grant_trial", ApiGrantTrial(life))
	r.POST("/apply_payment", ApiApplyPayment(life))
}
