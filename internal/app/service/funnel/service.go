package funnel

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/iqstocker/entitlement/internal/app/service/tariff"
	"github.com/iqstocker/entitlement/internal/models"
	"github.com/iqstocker/entitlement/pkg/types"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ChurnStat is the per-paid-tier churn slice of a report.
type ChurnStat struct {
	ChurnCount   int     `json:"churn_count"`
	ChurnPercent float64 `json:"churn_percent"`
}

// Report is the month-windowed cohort funnel.
type Report struct {
	MonthStart   time.Time                 `json:"month_start"`
	MonthEnd     time.Time                 `json:"month_end"`
	NewUsers     int                       `json:"new_users"`
	TrialToPro   int                       `json:"trial_to_pro"`
	TrialToUltra int                       `json:"trial_to_ultra"`
	TrialToFree  int                       `json:"trial_to_free"`
	FreeToPaid   int                       `json:"free_to_paid"`
	Churn        map[types.Tier]*ChurnStat `json:"churn"`
}

// Service replays the tier-change history for a month window and produces
// new-user, upgrade, downgrade, and churn counts. It is read-only and
// tolerant of concurrent writes; the output is a best-effort snapshot.
type Service struct {
	db     *gorm.DB
	tariff *tariff.Service
	log    *zap.SugaredLogger
}

func NewService(db *gorm.DB, tariffSvc *tariff.Service, log *zap.SugaredLogger) *Service {
	return &Service{db: db, tariff: tariffSvc, log: log}
}

// ComputeFunnel builds the cohort report for [monthStart, monthEnd].
func (s *Service) ComputeFunnel(ctx context.Context, monthStart, monthEnd time.Time) (*Report, error) {
	report := &Report{
		MonthStart: monthStart,
		MonthEnd:   monthEnd,
		Churn:      map[types.Tier]*ChurnStat{},
	}
	for _, tier := range types.PaidTiers {
		report.Churn[tier] = &ChurnStat{}
	}

	trialDays := s.tariff.GetLimits(ctx, types.TierTrial).TrialDurationDays

	var newUsers int64
	err := s.db.WithContext(ctx).Model(&models.UserEntitlement{}).
		Where("created_at >= ? AND created_at <= ?", monthStart, monthEnd).
		Count(&newUsers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count new users: %w", err)
	}
	report.NewUsers = int(newUsers)

	var inWindow []*models.TierChange
	err = s.db.WithContext(ctx).
		Where("started_at >= ? AND started_at <= ?", monthStart, monthEnd).
		Order("started_at").
		Find(&inWindow).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load history window: %w", err)
	}

	userIDs := lo.Uniq(lo.Map(inWindow, func(c *models.TierChange, _ int) string { return c.UserID }))
	historyByUser, err := s.loadHistoryByUser(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	entByUser, err := s.loadEntitlements(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	// users counted as trial upgrades in this window; excluded from trialToFree
	upgradedFromTrial := map[string]bool{}

	for _, rec := range inWindow {
		prev := s.previousTier(rec, historyByUser[rec.UserID], entByUser[rec.UserID], trialDays)
		switch {
		case prev == types.TierTrial && rec.Tier == types.TierPro && rec.Paid():
			report.TrialToPro++
			upgradedFromTrial[rec.UserID] = true
		case prev == types.TierTrial && rec.Tier == types.TierUltra && rec.Paid():
			report.TrialToUltra++
			upgradedFromTrial[rec.UserID] = true
		case prev == types.TierFree && rec.Tier.Paid() && rec.Paid():
			report.FreeToPaid++
		}
	}

	trialToFree, err := s.countTrialEnds(ctx, monthStart, monthEnd, trialDays, upgradedFromTrial)
	if err != nil {
		return nil, err
	}
	report.TrialToFree = trialToFree

	if err := s.computeChurn(ctx, monthStart, monthEnd, report); err != nil {
		return nil, err
	}

	return report, nil
}

// previousTier is the tier of the immediately preceding history record for
// the same user, or the trial-window inference when the record is the
// user's first. Records sharing a start timestamp are ordered by id;
// ids are UUIDv7 so the order is the insertion order.
func (s *Service) previousTier(rec *models.TierChange, history []*models.TierChange, ent *models.UserEntitlement, trialDays int) types.Tier {
	var prev *models.TierChange
	for _, h := range history {
		if !changeBefore(h, rec) {
			continue
		}
		if prev == nil || changeBefore(prev, h) {
			prev = h
		}
	}
	if prev != nil {
		return prev.Tier
	}

	var trialStartedAt *time.Time
	if ent != nil {
		trialStartedAt = ent.TrialStartedAt
	}
	return InferPreviousTier(trialStartedAt, trialDays, rec.StartedAt)
}

// countTrialEnds counts users whose trial window lapses inside the report
// window and who did not upgrade in the same window.
func (s *Service) countTrialEnds(ctx context.Context, monthStart, monthEnd time.Time, trialDays int, upgraded map[string]bool) (int, error) {
	// trial end = trial start + duration, so shift the window back by the
	// duration and filter on trial start
	from := monthStart.AddDate(0, 0, -trialDays)
	to := monthEnd.AddDate(0, 0, -trialDays)

	var ents []*models.UserEntitlement
	err := s.db.WithContext(ctx).
		Where("trial_started_at IS NOT NULL AND trial_started_at >= ? AND trial_started_at <= ?", from, to).
		Find(&ents).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load trial cohort: %w", err)
	}

	count := 0
	for _, ent := range ents {
		if !upgraded[ent.UserID] {
			count++
		}
	}
	return count, nil
}

// computeChurn fills the per-paid-tier churn stats: paid records of the tier
// expiring in the window, churned iff there is no later paid record of the
// same tier for the user and the user's current tier is FREE.
func (s *Service) computeChurn(ctx context.Context, monthStart, monthEnd time.Time, report *Report) error {
	var expiring []*models.TierChange
	err := s.db.WithContext(ctx).
		Where("tier IN ? AND payment_reference IS NOT NULL AND expires_at IS NOT NULL AND expires_at >= ? AND expires_at <= ?",
			types.PaidTiers, monthStart, monthEnd).
		Find(&expiring).Error
	if err != nil {
		return fmt.Errorf("failed to load expiring subscriptions: %w", err)
	}
	if len(expiring) == 0 {
		return nil
	}

	userIDs := lo.Uniq(lo.Map(expiring, func(c *models.TierChange, _ int) string { return c.UserID }))
	historyByUser, err := s.loadHistoryByUser(ctx, userIDs)
	if err != nil {
		return err
	}
	entByUser, err := s.loadEntitlements(ctx, userIDs)
	if err != nil {
		return err
	}

	expiringPerTier := map[types.Tier]int{}
	for _, rec := range expiring {
		expiringPerTier[rec.Tier]++

		renewed := lo.SomeBy(historyByUser[rec.UserID], func(h *models.TierChange) bool {
			return h.Tier == rec.Tier && h.Paid() && h.StartedAt.After(*rec.ExpiresAt)
		})
		if renewed {
			continue
		}
		ent := entByUser[rec.UserID]
		if ent == nil || ent.Tier != types.TierFree {
			continue
		}
		report.Churn[rec.Tier].ChurnCount++
	}

	for tier, stat := range report.Churn {
		if denom := expiringPerTier[tier]; denom > 0 {
			stat.ChurnPercent = float64(stat.ChurnCount) / float64(denom) * 100
		}
	}
	return nil
}

// changeBefore orders history records by (started_at, id).
func changeBefore(a, b *models.TierChange) bool {
	if !a.StartedAt.Equal(b.StartedAt) {
		return a.StartedAt.Before(b.StartedAt)
	}
	return a.ID < b.ID
}

func (s *Service) loadHistoryByUser(ctx context.Context, userIDs []string) (map[string][]*models.TierChange, error) {
	if len(userIDs) == 0 {
		return map[string][]*models.TierChange{}, nil
	}
	var rows []*models.TierChange
	err := s.db.WithContext(ctx).
		Where("user_id IN ?", userIDs).
		Order("started_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load user histories: %w", err)
	}
	byUser := lo.GroupBy(rows, func(c *models.TierChange) string { return c.UserID })
	for _, hist := range byUser {
		sort.Slice(hist, func(i, j int) bool { return changeBefore(hist[i], hist[j]) })
	}
	return byUser, nil
}

func (s *Service) loadEntitlements(ctx context.Context, userIDs []string) (map[string]*models.UserEntitlement, error) {
	if len(userIDs) == 0 {
		return map[string]*models.UserEntitlement{}, nil
	}
	var ents []*models.UserEntitlement
	err := s.db.WithContext(ctx).
		Where("user_id IN ?", userIDs).
		Find(&ents).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load entitlements: %w", err)
	}
	return lo.KeyBy(ents, func(e *models.UserEntitlement) string { return e.UserID }), nil
}
