package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iqstocker/entitlement/internal/app/service/tariff"
	"github.com/iqstocker/entitlement/internal/models"
	"github.com/iqstocker/entitlement/pkg/logctx"
	"github.com/iqstocker/entitlement/pkg/tool"
	"github.com/iqstocker/entitlement/pkg/types"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// consumeRetries bounds the optimistic retry loop for theme requests.
const consumeRetries = 3

// Service is the quota ledger: per-user used/total counters that every
// feature gate checks before doing metered work.
type Service struct {
	db     *gorm.DB
	tariff *tariff.Service
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewService(db *gorm.DB, tariffSvc *tariff.Service, log *zap.SugaredLogger) *Service {
	return &Service{db: db, tariff: tariffSvc, log: log, now: time.Now}
}

// Consume spends one unit of the resource for the user. Analytics reports
// pass iff used < total. Theme requests additionally pass the cooldown gate;
// the two gates are independent and cooldown is checked first when both fail.
func (s *Service) Consume(ctx context.Context, userID string, resource types.Resource) error {
	switch resource {
	case types.ResourceAnalyticsReports:
		return s.consumeAnalytics(ctx, userID)
	case types.ResourceThemeRequests:
		return s.consumeTheme(ctx, userID)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
}

func (s *Service) consumeAnalytics(ctx context.Context, userID string) error {
	// Single guarded UPDATE: the used < total check and the increment are one
	// atomic statement, so concurrent consumers can never push used past total.
	res := s.db.WithContext(ctx).Model(&models.QuotaLedger{}).
		Where("user_id = ? AND analytics_used < analytics_total", userID).
		Update("analytics_used", gorm.Expr("analytics_used + 1"))
	if res.Error != nil {
		return fmt.Errorf("failed to consume analytics quota: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	if _, err := s.GetLedger(ctx, userID); err != nil {
		return err
	}
	return ErrQuotaExceeded
}

func (s *Service) consumeTheme(ctx context.Context, userID string) error {
	// The cooldown window depends on the per-row cooldown length, so this is
	// a read-then-guarded-write with an optimistic check on themes_used.
	for attempt := 0; attempt < consumeRetries; attempt++ {
		led, err := s.GetLedger(ctx, userID)
		if err != nil {
			return err
		}

		at := s.now()
		if !led.CooldownElapsed(at) {
			return ErrCooldownActive
		}
		if led.ThemesRemaining() <= 0 {
			return ErrQuotaExceeded
		}

		res := s.db.WithContext(ctx).Model(&models.QuotaLedger{}).
			Where("user_id = ? AND themes_used = ?", userID, led.ThemesUsed).
			Updates(map[string]interface{}{
				"themes_used":           led.ThemesUsed + 1,
				"last_theme_request_at": at,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to consume theme quota: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
		// lost the race, re-read and re-validate
	}

	// Retries exhausted by contention alone. Re-read once and return the
	// error the current state implies: a racing winner typically armed the
	// cooldown, which is not the same thing as an exhausted allowance.
	led, err := s.GetLedger(ctx, userID)
	if err != nil {
		return err
	}
	if !led.CooldownElapsed(s.now()) {
		return ErrCooldownActive
	}
	if led.ThemesRemaining() <= 0 {
		return ErrQuotaExceeded
	}
	return fmt.Errorf("failed to consume theme quota for user %s: too much contention", userID)
}

// Remaining returns max(0, total-used) for the resource. Read-only.
func (s *Service) Remaining(ctx context.Context, userID string, resource types.Resource) (int, error) {
	led, err := s.GetLedger(ctx, userID)
	if err != nil {
		return 0, err
	}
	switch resource {
	case types.ResourceAnalyticsReports:
		return led.AnalyticsRemaining(), nil
	case types.ResourceThemeRequests:
		return led.ThemesRemaining(), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
}

// GetLedger loads the user's ledger row.
func (s *Service) GetLedger(ctx context.Context, userID string) (*models.QuotaLedger, error) {
	var led models.QuotaLedger
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&led).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLedgerNotFound
		}
		return nil, fmt.Errorf("failed to load quota ledger: %w", err)
	}
	return &led, nil
}

// ResetForTier reseeds the user's ledger from the tier's current registry
// limits: totals set, used zeroed, cooldown stamp cleared.
func (s *Service) ResetForTier(ctx context.Context, userID string, tier types.Tier) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.ResetForTierTx(ctx, tx, userID, tier)
	})
}

// ResetForTierTx is the transaction-scoped variant called by the lifecycle
// engine as part of every tier transition.
func (s *Service) ResetForTierTx(ctx context.Context, tx *gorm.DB, userID string, tier types.Tier) error {
	limits := s.tariff.GetLimitsTx(ctx, tx, tier)

	var led models.QuotaLedger
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&led).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load quota ledger: %w", err)
		}
		led = models.QuotaLedger{ID: tool.GenerateUUIDV7(), UserID: userID}
	}

	led.AnalyticsTotal = limits.AnalyticsLimit
	led.AnalyticsUsed = 0
	led.ThemesTotal = limits.ThemesLimit
	led.ThemesUsed = 0
	led.ThemeCooldownDays = limits.ThemeCooldownDays
	led.LastThemeRequestAt = nil

	if err := tx.WithContext(ctx).Save(&led).Error; err != nil {
		return fmt.Errorf("failed to reseed quota ledger: %w", err)
	}
	return nil
}

// AdminAdjust applies a manual delta to the used counter, clamped to
// [0, total]. Bypasses the cooldown gate; support-ticket territory.
func (s *Service) AdminAdjust(ctx context.Context, userID string, resource types.Resource, delta int) error {
	for attempt := 0; attempt < consumeRetries; attempt++ {
		led, err := s.GetLedger(ctx, userID)
		if err != nil {
			return err
		}

		var column string
		var used, total int
		switch resource {
		case types.ResourceAnalyticsReports:
			column, used, total = "analytics_used", led.AnalyticsUsed, led.AnalyticsTotal
		case types.ResourceThemeRequests:
			column, used, total = "themes_used", led.ThemesUsed, led.ThemesTotal
		default:
			return fmt.Errorf("%w: %s", ErrUnknownResource, resource)
		}

		next := min(max(used+delta, 0), total)
		res := s.db.WithContext(ctx).Model(&models.QuotaLedger{}).
			Where("user_id = ? AND "+column+" = ?", userID, used).
			Update(column, next)
		if res.Error != nil {
			return fmt.Errorf("failed to adjust quota: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			logctx.FromCtx(ctx, s.log).Infof("admin adjusted %s for user %s: %d -> %d", resource, userID, used, next)
			return nil
		}
	}
	return fmt.Errorf("failed to adjust quota for user %s: too much contention", userID)
}
