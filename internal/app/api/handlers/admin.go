package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/iqstocker/entitlement/internal/app/service/funnel"
	"github.com/iqstocker/entitlement/internal/app/service/lifecycle"
	"github.com/iqstocker/entitlement/internal/app/service/quota"
	"github.com/iqstocker/entitlement/internal/app/service/tariff"
	"github.com/iqstocker/entitlement/pkg/response"
	"github.com/iqstocker/entitlement/pkg/types"

	"github.com/gin-gonic/gin"
)

type SetTariffLimitsRequest struct {
	Tier         types.Tier       `json:"tier"`
	Limits       types.TierLimits `json:"limits"`
	ApplyToUsers bool             `json:"apply_to_users"`
}

// @Summary      Set Tariff Limits (Admin)
// @Description  Upserts the quota configuration for a tier. With apply_to_users set, every current holder's ledger is reseeded to the new totals with used counters zeroed.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body SetTariffLimitsRequest true "Tier and new limits"
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/set_tariff_limits [post]
func ApiSetTariffLimits(svc *tariff.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SetTariffLimitsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if !req.Tier.Valid() {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "invalid tier"))
			return
		}
		if err := svc.SetLimits(c.Request.Context(), req.Tier, req.Limits, req.ApplyToUsers); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT[any](nil))
	}
}

// @Summary      Get Tariff Limits (Admin)
// @Description  Returns the effective limits for one tier, or all tiers when no tier is given.
// @Tags         Admin
// @Produce      json
// @Param        tier  query  string  false  "Tier name; omit for all tiers"
// @Success      200  {object}  handlers.RespTariffLimits
// @Router       /api/v1/admin/get_tariff_limits [get]
func ApiGetTariffLimits(svc *tariff.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if t := c.Query("tier"); t != "" {
			tier := types.Tier(t)
			if !tier.Valid() {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "invalid tier"))
				return
			}
			c.JSON(http.StatusOK, response.OKT(map[types.Tier]types.TierLimits{tier: svc.GetLimits(c.Request.Context(), tier)}))
			return
		}
		c.JSON(http.StatusOK, response.OKT(svc.GetAllLimits(c.Request.Context())))
	}
}

type AdjustQuotaRequest struct {
	UserID   string         `json:"user_id"`
	Resource types.Resource `json:"resource"`
	Delta    int            `json:"delta"`
}

// @Summary      Adjust User Quota (Admin)
// @Description  Applies a manual delta to the user's used counter, clamped to [0, total].
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body AdjustQuotaRequest true "User, resource and delta"
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/adjust_quota [post]
func ApiAdjustQuota(q *quota.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AdjustQuotaRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if req.UserID == "" || !req.Resource.Valid() {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing user_id or invalid resource"))
			return
		}
		if err := q.AdminAdjust(c.Request.Context(), req.UserID, req.Resource, req.Delta); err != nil {
			if errors.Is(err, quota.ErrLedgerNotFound) {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeNotFound, err.Error()))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT[any](nil))
	}
}

type CohortFunnelRequest struct {
	MonthStart time.Time `json:"month_start"`
	MonthEnd   time.Time `json:"month_end"`
}

// @Summary      Get Cohort Funnel (Admin)
// @Description  Replays the tier-change history for a month window and returns new-user, upgrade, downgrade, and churn counts. Best-effort snapshot.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body CohortFunnelRequest true "Report window"
// @Success      200  {object}  handlers.RespCohortFunnel
// @Router       /api/v1/admin/get_cohort_funnel [post]
func ApiGetCohortFunnel(svc *funnel.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CohortFunnelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if req.MonthStart.IsZero() || req.MonthEnd.IsZero() || req.MonthEnd.Before(req.MonthStart) {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "invalid report window"))
			return
		}
		report, err := svc.ComputeFunnel(c.Request.Context(), req.MonthStart, req.MonthEnd)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(report))
	}
}

// @Summary      List Tier Changes (Admin)
// @Description  Retrieves a paginated and filterable list of the tier-change history.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body lifecycle.ScanTierChangesRequest true "List request with filters, pagination, and sorting"
// @Success      200  {object}  handlers.RespListTierChanges
// @Router       /api/v1/admin/list_tier_changes [post]
func ApiListTierChanges(life *lifecycle.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req lifecycle.ScanTierChangesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := life.ScanTierChanges(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func RegisterAdminRoutes(r gin.IRouter, tariffSvc *tariff.Service, q *quota.Service, life *lifecycle.Service, funnelSvc *funnel.Service) {
	r.POST("/set_tariff_limits", ApiSetTariffLimits(tariffSvc))
	r.GET("/get_tariff_limits", ApiGetTariffLimits(tariffSvc))
	r.POST("/adjust_quota", ApiAdjustQuota(q))
	r.POST("/get_cohort_funnel", ApiGetCohortFunnel(funnelSvc))
	r.POST("/list_tier_changes", ApiListTierChanges(life))
}
