package lifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/iqstocker/entitlement/internal/app/service/quota"
	"github.com/iqstocker/entitlement/internal/app/service/tariff"
	"github.com/iqstocker/entitlement/internal/models"
	"github.com/iqstocker/entitlement/pkg/config"
	"github.com/iqstocker/entitlement/pkg/types"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	// busy timeout so concurrent writers queue instead of failing
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")+"?_busy_timeout=10000&_txlock=immediate"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Discard,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.UserEntitlement{},
		&models.TierChange{},
		&models.QuotaLedger{},
		&models.TariffLimits{},
		&models.EntitlementLog{},
	))

	cfg, err := config.New()
	require.NoError(t, err)
	log := zap.NewNop().Sugar()
	tariffSvc := tariff.NewService(db, cfg, log)
	quotaSvc := quota.NewService(db, tariffSvc, log)
	return NewService(db, tariffSvc, quotaSvc, cfg, log), db
}

func historyCount(t *testing.T, db *gorm.DB, userID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.TierChange{}).Where("user_id = ?", userID).Count(&n).Error)
	return n
}

func TestGrantTrial(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	start := time.Now().Truncate(time.Second)
	svc.now = func() time.Time { return start }

	ent, err := svc.GrantTrial(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, types.TierTrial, ent.Tier)
	require.NotNil(t, ent.TrialStartedAt)
	require.NotNil(t, ent.ExpiresAt)
	require.WithinDuration(t, start.Add(14*24*time.Hour), *ent.ExpiresAt, time.Second)

	// trial limits seeded into the ledger
	var led models.QuotaLedger
	require.NoError(t, db.Where("user_id = ?", "u1").First(&led).Error)
	require.Equal(t, 1, led.AnalyticsTotal)
	require.Equal(t, 5, led.ThemesTotal)
	require.Equal(t, 0, led.AnalyticsUsed)

	require.EqualValues(t, 1, historyCount(t, db, "u1"))
}

func TestGrantTrialOnlyOnce(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.GrantTrial(ctx, "u1")
	require.NoError(t, err)
	_, err = svc.GrantTrial(ctx, "u1")
	require.ErrorIs(t, err, ErrInvalidTierTransition)

	// a lapsed trial user back on FREE is still disqualified
	require.NoError(t, db.Model(&models.UserEntitlement{}).Where("user_id = ?", "u1").
		Updates(map[string]interface{}{"tier": types.TierFree, "expires_at": nil}).Error)
	_, err = svc.GrantTrial(ctx, "u1")
	require.ErrorIs(t, err, ErrInvalidTierTransition)
}

func TestGrantTrialFromPaidTier(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.ApplyPayment(ctx, &ApplyPaymentRequest{UserID: "u1", Tier: types.TierPro, AmountCents: 990, PaymentReference: "p-1"})
	require.ErrorIs(t, err, ErrEntitlementNotFound)

	// register via trial, then pay, then a second trial grant must fail
	_, err = svc.GrantTrial(ctx, "u1")
	require.NoError(t, err)
	_, err = svc.ApplyPayment(ctx, &ApplyPaymentRequest{UserID: "u1", Tier: types.TierPro, AmountCents: 990, PaymentReference: "p-1"})
	require.NoError(t, err)
	_, err = svc.GrantTrial(ctx, "u1")
	require.ErrorIs(t, err, ErrInvalidTierTransition)
}

func TestApplyPayment(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	start := time.Now().Truncate(time.Second)
	svc.now = func() time.Time { return start }

	_, err := svc.GrantTrial(ctx, "u1")
	require.NoError(t, err)

	rec, err := svc.ApplyPayment(ctx, &ApplyPaymentRequest{
		UserID: "u1", Tier: types.TierPro, AmountCents: 990,
		PaymentReference: "ref-1", DiscountPercent: 50,
	})
	require.NoError(t, err)
	require.Equal(t, types.TierPro, rec.Tier)
	require.NotNil(t, rec.PaymentReference)
	require.True(t, rec.Paid())

	ent, err := svc.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, types.TierPro, ent.Tier)
	require.NotNil(t, ent.ExpiresAt)
	require.WithinDuration(t, start.Add(30*24*time.Hour), *ent.ExpiresAt, time.Second)
	// trial stamp survives the upgrade
	require.NotNil(t, ent.TrialStartedAt)

	var led models.QuotaLedger
	require.NoError(t, db.Where("user_id = ?", "u1").First(&led).Error)
	require.Equal(t, 2, led.AnalyticsTotal)
	require.Equal(t, 5, led.ThemesTotal)
}

func TestApplyPaymentValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.ApplyPayment(ctx, &ApplyPaymentRequest{UserID: "u1", Tier: types.TierFree, PaymentReference: "r"})
	require.ErrorIs(t, err, ErrInvalidTierTransition)

	_, err = svc.ApplyPayment(ctx, &ApplyPaymentRequest{UserID: "u1", Tier: types.TierTrial, PaymentReference: "r"})
	require.ErrorIs(t, err, ErrInvalidTierTransition)

	_, err = svc.ApplyPayment(ctx, &ApplyPaymentRequest{UserID: "", Tier: types.TierPro, PaymentReference: "r"})
	require.Error(t, err)
}

func TestApplyPaymentIdempotent(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.GrantTrial(ctx, "u1")
	require.NoError(t, err)

	req := &ApplyPaymentRequest{UserID: "u1", Tier: types.TierPro, AmountCents: 990, PaymentReference: "ref-dup"}
	first, err := svc.ApplyPayment(ctx, req)
	require.NoError(t, err)

	// spend some quota so a second reseed would be visible
	require.NoError(t, db.Model(&models.QuotaLedger{}).Where("user_id = ?", "u1").
		Update("analytics_used", 1).Error)

	second, err := svc.ApplyPayment(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	// exactly one paid history row, no second reseed
	var n int64
	require.NoError(t, db.Model(&models.TierChange{}).Where("payment_reference = ?", "ref-dup").Count(&n).Error)
	require.EqualValues(t, 1, n)

	var led models.QuotaLedger
	require.NoError(t, db.Where("user_id = ?", "u1").First(&led).Error)
	require.Equal(t, 1, led.AnalyticsUsed)
}

func TestApplyPaymentConcurrentSameReference(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.GrantTrial(ctx, "u1")
	require.NoError(t, err)

	req := &ApplyPaymentRequest{UserID: "u1", Tier: types.TierPro, AmountCents: 990, PaymentReference: "ref-race"}

	// duplicate delivery of the same external event, concurrently: both
	// calls succeed and both return the single history row the winner wrote
	type result struct {
		rec *models.TierChange
		err error
	}
	const workers = 4
	var wg sync.WaitGroup
	results := make(chan result, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := svc.ApplyPayment(ctx, req)
			results <- result{rec: rec, err: err}
		}()
	}
	wg.Wait()
	close(results)

	ids := map[string]bool{}
	for res := range results {
		require.NoError(t, res.err)
		require.NotNil(t, res.rec)
		ids[res.rec.ID] = true
	}
	require.Len(t, ids, 1)

	var n int64
	require.NoError(t, db.Model(&models.TierChange{}).Where("payment_reference = ?", "ref-race").Count(&n).Error)
	require.EqualValues(t, 1, n)

	ent, err := svc.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, types.TierPro, ent.Tier)
}

func TestExpireDowngrade(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	start := time.Now().Truncate(time.Second)
	svc.now = func() time.Time { return start }

	_, err := svc.GrantTrial(ctx, "u1")
	require.NoError(t, err)

	// not expired yet
	require.ErrorIs(t, svc.ExpireDowngrade(ctx, "u1"), ErrInvalidTierTransition)
	ent, err := svc.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, types.TierTrial, ent.Tier)

	// jump past the trial window
	svc.now = func() time.Time { return start.Add(15 * 24 * time.Hour) }
	require.NoError(t, svc.ExpireDowngrade(ctx, "u1"))

	ent, err = svc.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, types.TierFree, ent.Tier)
	require.Nil(t, ent.ExpiresAt)

	// FREE history row carries no expiry
	var rec models.TierChange
	require.NoError(t, db.Where("user_id = ? AND tier = ?", "u1", types.TierFree).First(&rec).Error)
	require.Nil(t, rec.ExpiresAt)

	// FREE limits reseeded
	var led models.QuotaLedger
	require.NoError(t, db.Where("user_id = ?", "u1").First(&led).Error)
	require.Equal(t, 0, led.AnalyticsTotal)
	require.Equal(t, 1, led.ThemesTotal)

	// second expire is rejected
	require.ErrorIs(t, svc.ExpireDowngrade(ctx, "u1"), ErrInvalidTierTransition)
}

func TestEntitlementMatchesLatestHistory(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)
	step := 0
	svc.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	_, err := svc.GrantTrial(ctx, "u1")
	require.NoError(t, err)
	_, err = svc.ApplyPayment(ctx, &ApplyPaymentRequest{UserID: "u1", Tier: types.TierPro, AmountCents: 990, PaymentReference: "r1"})
	require.NoError(t, err)
	_, err = svc.ApplyPayment(ctx, &ApplyPaymentRequest{UserID: "u1", Tier: types.TierUltra, AmountCents: 1990, PaymentReference: "r2"})
	require.NoError(t, err)

	var latest models.TierChange
	require.NoError(t, db.Where("user_id = ?", "u1").Order("started_at DESC").First(&latest).Error)

	ent, err := svc.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, latest.Tier, ent.Tier)
	require.Equal(t, types.TierUltra, ent.Tier)
}

func TestScanTierChanges(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.GrantTrial(ctx, "u1")
	require.NoError(t, err)
	_, err = svc.GrantTrial(ctx, "u2")
	require.NoError(t, err)
	_, err = svc.ApplyPayment(ctx, &ApplyPaymentRequest{UserID: "u1", Tier: types.TierPro, AmountCents: 990, PaymentReference: "r1"})
	require.NoError(t, err)

	res, err := svc.ScanTierChanges(ctx, &ScanTierChangesRequest{
		Filters:   []*types.CommonFilter{{Field: "user_id", Operator: types.CommonFilterOperatorEq, Values: []any{"u1"}}},
		Size:      10,
		SortBy:    "started_at",
		SortOrder: "desc",
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, res.Total)
	require.Len(t, res.Items, 2)
	require.Equal(t, types.TierPro, res.Items[0].Tier)

	// pagination
	res, err = svc.ScanTierChanges(ctx, &ScanTierChangesRequest{Size: 2})
	require.NoError(t, err)
	require.EqualValues(t, 3, res.Total)
	require.Len(t, res.Items, 2)
}
