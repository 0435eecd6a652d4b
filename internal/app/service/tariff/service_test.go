package tariff

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/iqstocker/entitlement/internal/models"
	"github.com/iqstocker/entitlement/pkg/config"
	"github.com/iqstocker/entitlement/pkg/tool"
	"github.com/iqstocker/entitlement/pkg/types"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Discard,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.UserEntitlement{},
		&models.QuotaLedger{},
		&models.TariffLimits{},
	))

	cfg, err := config.New()
	require.NoError(t, err)
	return NewService(db, cfg, zap.NewNop().Sugar()), db
}

func TestGetLimitsFallsBackToDefaults(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	limits := svc.GetLimits(ctx, types.TierFree)
	require.Equal(t, 0, limits.AnalyticsLimit)
	require.Equal(t, 1, limits.ThemesLimit)
	require.Equal(t, 7, limits.ThemeCooldownDays)

	limits = svc.GetLimits(ctx, types.TierTrial)
	require.Equal(t, 1, limits.AnalyticsLimit)
	require.Equal(t, 5, limits.ThemesLimit)
	require.Equal(t, 14, limits.TrialDurationDays)
}

func TestSetLimitsRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	want := types.TierLimits{AnalyticsLimit: 8, ThemesLimit: 20, ThemeCooldownDays: 3}
	require.NoError(t, svc.SetLimits(ctx, types.TierUltra, want, false))

	got := svc.GetLimits(ctx, types.TierUltra)
	require.Equal(t, want.AnalyticsLimit, got.AnalyticsLimit)
	require.Equal(t, want.ThemesLimit, got.ThemesLimit)
	require.Equal(t, want.ThemeCooldownDays, got.ThemeCooldownDays)

	// second write updates the same row
	want.AnalyticsLimit = 9
	require.NoError(t, svc.SetLimits(ctx, types.TierUltra, want, false))
	require.Equal(t, 9, svc.GetLimits(ctx, types.TierUltra).AnalyticsLimit)
}

func TestSetLimitsRejectsInvalidTier(t *testing.T) {
	svc, _ := newTestService(t)
	require.Error(t, svc.SetLimits(context.Background(), types.Tier("GOLD"), types.TierLimits{}, false))
}

func TestTrialDurationOnlyForTrialTier(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetLimits(ctx, types.TierPro, types.TierLimits{AnalyticsLimit: 2, ThemesLimit: 5, TrialDurationDays: 99}, false))
	require.Equal(t, 0, svc.GetLimits(ctx, types.TierPro).TrialDurationDays)

	require.NoError(t, svc.SetLimits(ctx, types.TierTrial, types.TierLimits{AnalyticsLimit: 1, ThemesLimit: 5, TrialDurationDays: 7}, false))
	require.Equal(t, 7, svc.GetLimits(ctx, types.TierTrial).TrialDurationDays)
}

func TestSetLimitsAppliesToTierHolders(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	stamp := time.Now().Add(-time.Hour)
	require.NoError(t, db.Create(&models.UserEntitlement{ID: tool.GenerateUUIDV7(), UserID: "pro-user", Tier: types.TierPro}).Error)
	require.NoError(t, db.Create(&models.QuotaLedger{
		ID: tool.GenerateUUIDV7(), UserID: "pro-user",
		AnalyticsTotal: 2, AnalyticsUsed: 2, ThemesTotal: 5, ThemesUsed: 4,
		ThemeCooldownDays: 7, LastThemeRequestAt: &stamp,
	}).Error)
	require.NoError(t, db.Create(&models.UserEntitlement{ID: tool.GenerateUUIDV7(), UserID: "free-user", Tier: types.TierFree}).Error)
	require.NoError(t, db.Create(&models.QuotaLedger{
		ID: tool.GenerateUUIDV7(), UserID: "free-user", ThemesTotal: 1, ThemesUsed: 1,
	}).Error)

	require.NoError(t, svc.SetLimits(ctx, types.TierPro, types.TierLimits{AnalyticsLimit: 6, ThemesLimit: 12, ThemeCooldownDays: 2}, true))

	var led models.QuotaLedger
	require.NoError(t, db.Where("user_id = ?", "pro-user").First(&led).Error)
	require.Equal(t, 6, led.AnalyticsTotal)
	require.Equal(t, 0, led.AnalyticsUsed)
	require.Equal(t, 12, led.ThemesTotal)
	require.Equal(t, 0, led.ThemesUsed)
	require.Equal(t, 2, led.ThemeCooldownDays)
	require.Nil(t, led.LastThemeRequestAt)

	// other tiers untouched
	var freeLed models.QuotaLedger
	require.NoError(t, db.Where("user_id = ?", "free-user").First(&freeLed).Error)
	require.Equal(t, 1, freeLed.ThemesUsed)
}

func TestGetAllLimits(t *testing.T) {
	svc, _ := newTestService(t)
	out := svc.GetAllLimits(context.Background())
	require.Len(t, out, 4)
	require.Equal(t, 4, out[types.TierUltra].AnalyticsLimit)
}
