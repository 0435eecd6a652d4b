package funnel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/iqstocker/entitlement/internal/app/service/tariff"
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

var (
	monthStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	monthEnd   = time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC)
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
		&models.TierChange{},
		&models.TariffLimits{},
	))

	cfg, err := config.New()
	require.NoError(t, err)
	log := zap.NewNop().Sugar()
	return NewService(db, tariff.NewService(db, cfg, log), log), db
}

func seedEntitlement(t *testing.T, db *gorm.DB, userID string, tier types.Tier, trialStartedAt *time.Time, createdAt time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&models.UserEntitlement{
		ID: tool.GenerateUUIDV7(), UserID: userID, Tier: tier,
		TrialStartedAt: trialStartedAt, CreatedAt: createdAt,
	}).Error)
}

func seedChange(t *testing.T, db *gorm.DB, userID string, tier types.Tier, startedAt time.Time, expiresAt *time.Time, paymentRef string) {
	t.Helper()
	rec := &models.TierChange{
		ID: tool.GenerateUUIDV7(), UserID: userID, Tier: tier,
		StartedAt: startedAt, ExpiresAt: expiresAt,
	}
	if paymentRef != "" {
		rec.PaymentReference = &paymentRef
	}
	require.NoError(t, db.Create(rec).Error)
}

func TestComputeFunnelEmpty(t *testing.T) {
	svc, _ := newTestService(t)
	report, err := svc.ComputeFunnel(context.Background(), monthStart, monthEnd)
	require.NoError(t, err)
	require.Equal(t, 0, report.NewUsers)
	require.Equal(t, 0, report.TrialToPro)
	require.Equal(t, 0.0, report.Churn[types.TierPro].ChurnPercent)
}

func TestTrialUpgradeNotCountedAsTrialChurn(t *testing.T) {
	svc, db := newTestService(t)

	// signs up day 0, upgrades to PRO on day 5; trial end (day 14) falls in
	// the same window but must not also count the user as trial churn
	day0 := monthStart.AddDate(0, 0, 0).Add(10 * time.Hour)
	day5 := day0.AddDate(0, 0, 5)
	payExpiry := day5.AddDate(0, 0, 30)

	seedEntitlement(t, db, "u1", types.TierPro, &day0, day0)
	seedChange(t, db, "u1", types.TierTrial, day0, nil, "")
	seedChange(t, db, "u1", types.TierPro, day5, &payExpiry, "ref-1")

	report, err := svc.ComputeFunnel(context.Background(), monthStart, monthEnd)
	require.NoError(t, err)
	require.Equal(t, 1, report.NewUsers)
	require.Equal(t, 1, report.TrialToPro)
	require.Equal(t, 0, report.TrialToUltra)
	require.Equal(t, 0, report.TrialToFree)
	require.Equal(t, 0, report.FreeToPaid)
}

func TestTrialToFree(t *testing.T) {
	svc, db := newTestService(t)

	// trial started in December, lapses mid-January, no upgrade
	trialStart := monthStart.AddDate(0, 0, -6)
	seedEntitlement(t, db, "u1", types.TierFree, &trialStart, trialStart)
	seedChange(t, db, "u1", types.TierTrial, trialStart, nil, "")

	report, err := svc.ComputeFunnel(context.Background(), monthStart, monthEnd)
	require.NoError(t, err)
	require.Equal(t, 0, report.NewUsers)
	require.Equal(t, 1, report.TrialToFree)
}

func TestTrialToUltra(t *testing.T) {
	svc, db := newTestService(t)

	day0 := monthStart.Add(10 * time.Hour)
	day3 := day0.AddDate(0, 0, 3)
	payExpiry := day3.AddDate(0, 0, 30)

	seedEntitlement(t, db, "u1", types.TierUltra, &day0, day0)
	seedChange(t, db, "u1", types.TierTrial, day0, nil, "")
	seedChange(t, db, "u1", types.TierUltra, day3, &payExpiry, "ref-u")

	report, err := svc.ComputeFunnel(context.Background(), monthStart, monthEnd)
	require.NoError(t, err)
	require.Equal(t, 1, report.TrialToUltra)
	require.Equal(t, 0, report.TrialToPro)
}

func TestFreeToPaid(t *testing.T) {
	svc, db := newTestService(t)

	// never had a trial; first history record is a paid PRO purchase
	createdAt := monthStart.AddDate(0, -2, 0)
	payAt := monthStart.AddDate(0, 0, 9)
	payExpiry := payAt.AddDate(0, 0, 30)
	seedEntitlement(t, db, "u1", types.TierPro, nil, createdAt)
	seedChange(t, db, "u1", types.TierPro, payAt, &payExpiry, "ref-1")

	report, err := svc.ComputeFunnel(context.Background(), monthStart, monthEnd)
	require.NoError(t, err)
	require.Equal(t, 1, report.FreeToPaid)
	require.Equal(t, 0, report.TrialToPro)
	require.Equal(t, 0, report.NewUsers)
}

func TestInferredPreviousTierAfterLapsedTrial(t *testing.T) {
	svc, db := newTestService(t)

	// trial history predates the retention cutoff; only the trial stamp on
	// the entitlement remains, and the purchase lands after the trial lapsed
	trialStart := monthStart.AddDate(0, -2, 0)
	payAt := monthStart.AddDate(0, 0, 9)
	payExpiry := payAt.AddDate(0, 0, 30)
	seedEntitlement(t, db, "u1", types.TierPro, &trialStart, trialStart)
	seedChange(t, db, "u1", types.TierPro, payAt, &payExpiry, "ref-1")

	report, err := svc.ComputeFunnel(context.Background(), monthStart, monthEnd)
	require.NoError(t, err)
	require.Equal(t, 1, report.FreeToPaid)
	require.Equal(t, 0, report.TrialToPro)
}

func TestPreviousTierTieBreaksOnID(t *testing.T) {
	svc, db := newTestService(t)

	// two transitions written in the same instant: the later-inserted PRO
	// record's previous tier is the ULTRA row, not the trial-window fallback
	at := monthStart.AddDate(0, 0, 9)
	expiry := at.AddDate(0, 0, 30)
	seedEntitlement(t, db, "u1", types.TierPro, nil, monthStart.AddDate(0, -2, 0))
	seedChange(t, db, "u1", types.TierUltra, at, &expiry, "r1")
	seedChange(t, db, "u1", types.TierPro, at, &expiry, "r2")

	report, err := svc.ComputeFunnel(context.Background(), monthStart, monthEnd)
	require.NoError(t, err)
	// only the ULTRA record counts as FREE -> paid; the PRO record's
	// predecessor is the ULTRA row sharing its timestamp
	require.Equal(t, 1, report.FreeToPaid)
	require.Equal(t, 0, report.TrialToPro)
}

func TestChurn(t *testing.T) {
	svc, db := newTestService(t)

	// churned: PRO paid subscription expires in-window, never renewed,
	// currently FREE
	boughtAt := monthStart.AddDate(0, 0, -27)
	expiry1 := boughtAt.AddDate(0, 0, 30)
	seedEntitlement(t, db, "churned", types.TierFree, nil, boughtAt)
	seedChange(t, db, "churned", types.TierPro, boughtAt, &expiry1, "r1")
	seedChange(t, db, "churned", types.TierFree, expiry1, nil, "")

	// renewed: PRO expires in-window but a later paid PRO record exists
	boughtAt2 := monthStart.AddDate(0, 0, -10)
	expiry2 := boughtAt2.AddDate(0, 0, 30)
	renewAt := expiry2.Add(time.Hour)
	expiry3 := renewAt.AddDate(0, 0, 30)
	seedEntitlement(t, db, "renewed", types.TierPro, nil, boughtAt2)
	seedChange(t, db, "renewed", types.TierPro, boughtAt2, &expiry2, "r2")
	seedChange(t, db, "renewed", types.TierPro, renewAt, &expiry3, "r3")

	report, err := svc.ComputeFunnel(context.Background(), monthStart, monthEnd)
	require.NoError(t, err)
	require.Equal(t, 1, report.Churn[types.TierPro].ChurnCount)
	require.Equal(t, 50.0, report.Churn[types.TierPro].ChurnPercent)
	require.Equal(t, 0, report.Churn[types.TierUltra].ChurnCount)
	require.Equal(t, 0.0, report.Churn[types.TierUltra].ChurnPercent)
}

func TestChurnRequiresCurrentTierFree(t *testing.T) {
	svc, db := newTestService(t)

	// expired PRO subscription but the user moved to ULTRA, not FREE
	boughtAt := monthStart.AddDate(0, 0, -27)
	expiry := boughtAt.AddDate(0, 0, 30)
	ultraAt := expiry.Add(time.Hour)
	ultraExpiry := ultraAt.AddDate(0, 0, 30)
	seedEntitlement(t, db, "u1", types.TierUltra, nil, boughtAt)
	seedChange(t, db, "u1", types.TierPro, boughtAt, &expiry, "r1")
	seedChange(t, db, "u1", types.TierUltra, ultraAt, &ultraExpiry, "r2")

	report, err := svc.ComputeFunnel(context.Background(), monthStart, monthEnd)
	require.NoError(t, err)
	require.Equal(t, 0, report.Churn[types.TierPro].ChurnCount)
}
