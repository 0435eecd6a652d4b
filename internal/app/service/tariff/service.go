package tariff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iqstocker/entitlement/internal/models"
	"github.com/iqstocker/entitlement/pkg/config"
	"github.com/iqstocker/entitlement/pkg/logctx"
	"github.com/iqstocker/entitlement/pkg/tool"
	"github.com/iqstocker/entitlement/pkg/types"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service is the tariff configuration registry: per-tier quota sizes and
// cooldown length. Read-mostly; written only by the admin surface.
type Service struct {
	db  *gorm.DB
	cfg *config.Config
	log *zap.SugaredLogger
}

func NewService(db *gorm.DB, cfg *config.Config, log *zap.SugaredLogger) *Service {
	return &Service{db: db, cfg: cfg, log: log}
}

// GetLimits returns the stored limits for a tier, or the compiled-in
// defaults when no row exists. It never fails: a lookup error also resolves
// to the defaults so feature gates keep working, but the fallback path is
// logged because it usually means missing admin setup.
func (s *Service) GetLimits(ctx context.Context, tier types.Tier) types.TierLimits {
	return s.GetLimitsTx(ctx, s.db, tier)
}

// GetLimitsTx is the transaction-scoped variant used inside lifecycle
// transitions so the reseed reads limits through the same tx.
func (s *Service) GetLimitsTx(ctx context.Context, tx *gorm.DB, tier types.Tier) types.TierLimits {
	var row models.TariffLimits
	err := tx.WithContext(ctx).Where("tier = ?", tier).First(&row).Error
	if err == nil {
		return row.Limits()
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logctx.FromCtx(ctx, s.log).Warnf("tariff limits not configured for %s, using compiled-in defaults", tier)
	} else {
		logctx.FromCtx(ctx, s.log).Warnf("tariff limits lookup failed for %s, using compiled-in defaults: %v", tier, err)
	}
	return s.cfg.DefaultTierLimits(tier)
}

// SetLimits upserts the configuration row for a tier. When applyToUsers is
// set, every current holder's quota ledger is reseeded to the new totals
// with used counters zeroed ("limits changed, start fresh" policy).
func (s *Service) SetLimits(ctx context.Context, tier types.Tier, limits types.TierLimits, applyToUsers bool) error {
	if !tier.Valid() {
		return fmt.Errorf("invalid tier: %s", tier)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.TariffLimits
		if err := tx.Where("tier = ?", tier).First(&row).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("failed to load tariff limits: %w", err)
			}
			row = models.TariffLimits{ID: tool.GenerateUUIDV7(), Tier: tier}
		}
		row.AnalyticsLimit = limits.AnalyticsLimit
		row.ThemesLimit = limits.ThemesLimit
		row.ThemeCooldownDays = limits.ThemeCooldownDays
		if tier == types.TierTrial {
			row.TrialDurationDays = limits.TrialDurationDays
		}
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("failed to upsert tariff limits: %w", err)
		}

		if applyToUsers {
			if err := s.reseedTierHolders(ctx, tx, tier, &row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logctx.FromCtx(ctx, s.log).Infof("updated tariff limits for %s (apply_to_users=%v)", tier, applyToUsers)
	return nil
}

// reseedTierHolders resets the ledger of every current holder of the tier
// to the new totals in one statement.
func (s *Service) reseedTierHolders(ctx context.Context, tx *gorm.DB, tier types.Tier, row *models.TariffLimits) error {
	res := tx.WithContext(ctx).Exec(`
UPDATE quota_ledger
SET analytics_total = ?, analytics_used = 0,
    themes_total = ?, themes_used = 0,
    theme_cooldown_days = ?, last_theme_request_at = NULL,
    updated_at = ?
WHERE user_id IN (SELECT user_id FROM user_entitlement WHERE tier = ?)`,
		row.AnalyticsLimit, row.ThemesLimit, row.ThemeCooldownDays, time.Now(), tier)
	if res.Error != nil {
		return fmt.Errorf("failed to reseed ledgers for tier %s: %w", tier, res.Error)
	}
	logctx.FromCtx(ctx, s.log).Infof("reseeded %d quota ledgers for tier %s", res.RowsAffected, tier)
	return nil
}

// GetAllLimits returns the effective limits for every tier.
func (s *Service) GetAllLimits(ctx context.Context) map[types.Tier]types.TierLimits {
	out := make(map[types.Tier]types.TierLimits, 4)
	for _, tier := range []types.Tier{types.TierFree, types.TierTrial, types.TierPro, types.TierUltra} {
		out[tier] = s.GetLimits(ctx, tier)
	}
	return out
}
