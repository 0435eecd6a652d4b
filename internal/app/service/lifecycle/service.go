package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iqstocker/entitlement/internal/app/service/quota"
	"github.com/iqstocker/entitlement/internal/app/service/tariff"
	"github.com/iqstocker/entitlement/internal/models"
	"github.com/iqstocker/entitlement/pkg/config"
	"github.com/iqstocker/entitlement/pkg/logctx"
	"github.com/iqstocker/entitlement/pkg/tool"
	"github.com/iqstocker/entitlement/pkg/types"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// errDuplicatePayment aborts the transaction when the payment reference
// already has a history row; resolved outside by returning the prior result.
var errDuplicatePayment = errors.New("duplicate payment reference")

// Service is the tier state machine. Every transition runs as one database
// transaction: guarded entitlement update + history insert + ledger reseed,
// committed or rolled back together.
type Service struct {
	db     *gorm.DB
	tariff *tariff.Service
	quota  *quota.Service
	cfg    *config.Config
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewService(db *gorm.DB, tariffSvc *tariff.Service, quotaSvc *quota.Service, cfg *config.Config, log *zap.SugaredLogger) *Service {
	return &Service{db: db, tariff: tariffSvc, quota: quotaSvc, cfg: cfg, log: log, now: time.Now}
}

// GetEntitlement loads the user's entitlement record.
func (s *Service) GetEntitlement(ctx context.Context, userID string) (*models.UserEntitlement, error) {
	var ent models.UserEntitlement
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&ent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to load entitlement: %w", err)
	}
	return &ent, nil
}

// GrantTrial moves a FREE user onto the TRIAL tier. Valid only from FREE and
// only once per user: a set trial_started_at permanently disqualifies.
// An unknown user id is registered as FREE first (first-contact signup).
func (s *Service) GrantTrial(ctx context.Context, userID string) (*models.UserEntitlement, error) {
	var before, after *models.UserEntitlement

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ent, err := s.loadOrCreateEntitlement(ctx, tx, userID)
		if err != nil {
			return err
		}
		if ent.Tier != types.TierFree || ent.TrialStartedAt != nil {
			return fmt.Errorf("%w: grant trial from %s (trial used: %v)", ErrInvalidTierTransition, ent.Tier, ent.TrialStartedAt != nil)
		}
		cp := *ent
		before = &cp

		limits := s.tariff.GetLimitsTx(ctx, tx, types.TierTrial)
		now := s.now()
		expires := now.Add(time.Duration(limits.TrialDurationDays) * 24 * time.Hour)

		// Guarded update so a concurrent grant can only win once.
		res := tx.Model(&models.UserEntitlement{}).
			Where("user_id = ? AND tier = ? AND trial_started_at IS NULL", userID, types.TierFree).
			Updates(map[string]interface{}{
				"tier":             types.TierTrial,
				"expires_at":       expires,
				"trial_started_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update entitlement: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: trial already granted concurrently", ErrInvalidTierTransition)
		}

		rec := &models.TierChange{
			ID:        tool.GenerateUUIDV7(),
			UserID:    userID,
			Tier:      types.TierTrial,
			StartedAt: now,
			ExpiresAt: &expires,
			Extra:     datatypes.JSONMap{},
		}
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to write tier change: %w", err)
		}

		if err := s.quota.ResetForTierTx(ctx, tx, userID, types.TierTrial); err != nil {
			return err
		}

		ent.Tier = types.TierTrial
		ent.ExpiresAt = &expires
		ent.TrialStartedAt = &now
		after = ent
		return nil
	})
	if err != nil {
		return nil, err
	}

	logctx.FromCtx(ctx, s.log).Infof("granted trial to user %s until %s", userID, after.ExpiresAt)
	s.writeLog(ctx, types.TierChangeReasonTrial, before, after)
	return after, nil
}

// ApplyPaymentRequest is what the payment collaborator delivers after a
// successful charge. The gateway wire protocol and signature verification
// happen upstream.
type ApplyPaymentRequest struct {
	UserID           string     `json:"user_id"`
	Tier             types.Tier `json:"tier"`
	AmountCents      int64      `json:"amount_cents"`
	PaymentReference string     `json:"payment_reference"`
	DiscountPercent  int        `json:"discount_percent"`
}

// ApplyPayment moves the user onto a paid tier for one billing period.
// Idempotent on PaymentReference: a replayed callback returns the history
// row written by the first delivery, without double-crediting. Idempotency
// is enforced by the unique index on payment_reference, not a pre-check.
func (s *Service) ApplyPayment(ctx context.Context, req *ApplyPaymentRequest) (*models.TierChange, error) {
	if req == nil || req.UserID == "" || req.PaymentReference == "" {
		return nil, fmt.Errorf("invalid payment request: user_id and payment_reference required")
	}
	if !req.Tier.Paid() {
		return nil, fmt.Errorf("%w: payment must target a paid tier, got %s", ErrInvalidTierTransition, req.Tier)
	}

	var before, after *models.UserEntitlement
	var rec *models.TierChange

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ent, err := s.loadEntitlement(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		cp := *ent
		before = &cp

		now := s.now()
		expires := now.Add(time.Duration(s.cfg.Billing.PeriodDays) * 24 * time.Hour)
		amount := req.AmountCents
		ref := req.PaymentReference

		rec = &models.TierChange{
			ID:               tool.GenerateUUIDV7(),
			UserID:           req.UserID,
			Tier:             req.Tier,
			StartedAt:        now,
			ExpiresAt:        &expires,
			AmountCents:      &amount,
			PaymentReference: &ref,
			DiscountPercent:  req.DiscountPercent,
			Extra:            datatypes.JSONMap{},
		}
		if err := tx.Create(rec).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errDuplicatePayment
			}
			return fmt.Errorf("failed to write tier change: %w", err)
		}

		// Unconditional: two concurrent payments with distinct references both
		// succeed and the last committed write decides the tier
		// (most-recent-payment-wins).
		res := tx.Model(&models.UserEntitlement{}).
			Where("user_id = ?", req.UserID).
			Updates(map[string]interface{}{
				"tier":       req.Tier,
				"expires_at": expires,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update entitlement: %w", res.Error)
		}

		if err := s.quota.ResetForTierTx(ctx, tx, req.UserID, req.Tier); err != nil {
			return err
		}

		ent.Tier = req.Tier
		ent.ExpiresAt = &expires
		after = ent
		return nil
	})

	if errors.Is(err, errDuplicatePayment) {
		prior, loadErr := s.findByPaymentReference(ctx, req.PaymentReference)
		if loadErr != nil {
			return nil, loadErr
		}
		logctx.FromCtx(ctx, s.log).Infof("replayed payment %s for user %s, returning prior result", req.PaymentReference, req.UserID)
		return prior, nil
	}
	if err != nil {
		return nil, err
	}

	logctx.FromCtx(ctx, s.log).Infof("applied payment %s: user %s -> %s until %s", req.PaymentReference, req.UserID, req.Tier, rec.ExpiresAt)
	s.writeLog(ctx, types.TierChangeReasonPayment, before, after)
	return rec, nil
}

// ExpireDowngrade moves a lapsed TRIAL/PRO/ULTRA user back to FREE. Valid
// only when the tier expiry has passed; the expiry is re-verified inside the
// transaction so overlapping sweeps are harmless no-ops.
func (s *Service) ExpireDowngrade(ctx context.Context, userID string) error {
	var before, after *models.UserEntitlement

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ent, err := s.loadEntitlement(ctx, tx, userID)
		if err != nil {
			return err
		}
		now := s.now()
		if !ent.Expired(now) {
			return fmt.Errorf("%w: user %s is %s and not expired", ErrInvalidTierTransition, userID, ent.Tier)
		}
		cp := *ent
		before = &cp

		res := tx.Model(&models.UserEntitlement{}).
			Where("user_id = ? AND tier <> ? AND expires_at IS NOT NULL AND expires_at <= ?", userID, types.TierFree, now).
			Updates(map[string]interface{}{
				"tier":       types.TierFree,
				"expires_at": nil,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update entitlement: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: user %s already downgraded", ErrInvalidTierTransition, userID)
		}

		rec := &models.TierChange{
			ID:        tool.GenerateUUIDV7(),
			UserID:    userID,
			Tier:      types.TierFree,
			StartedAt: now,
			Extra:     datatypes.JSONMap{},
		}
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to write tier change: %w", err)
		}

		if err := s.quota.ResetForTierTx(ctx, tx, userID, types.TierFree); err != nil {
			return err
		}

		ent.Tier = types.TierFree
		ent.ExpiresAt = nil
		after = ent
		return nil
	})
	if err != nil {
		return err
	}

	logctx.FromCtx(ctx, s.log).Infof("downgraded expired user %s from %s to FREE", userID, before.Tier)
	s.writeLog(ctx, types.TierChangeReasonExpiration, before, after)
	return nil
}

// Data access helpers.
func (s *Service) loadEntitlement(ctx context.Context, tx *gorm.DB, userID string) (*models.UserEntitlement, error) {
	var ent models.UserEntitlement
	if err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&ent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to load entitlement: %w", err)
	}
	return &ent, nil
}

func (s *Service) loadOrCreateEntitlement(ctx context.Context, tx *gorm.DB, userID string) (*models.UserEntitlement, error) {
	ent, err := s.loadEntitlement(ctx, tx, userID)
	if err == nil {
		return ent, nil
	}
	if !errors.Is(err, ErrEntitlementNotFound) {
		return nil, err
	}
	ent = &models.UserEntitlement{
		ID:     tool.GenerateUUIDV7(),
		UserID: userID,
		Tier:   types.TierFree,
	}
	if err := tx.WithContext(ctx).Create(ent).Error; err != nil {
		return nil, fmt.Errorf("failed to create entitlement: %w", err)
	}
	return ent, nil
}

func (s *Service) findByPaymentReference(ctx context.Context, ref string) (*models.TierChange, error) {
	var rec models.TierChange
	if err := s.db.WithContext(ctx).Where("payment_reference = ?", ref).First(&rec).Error; err != nil {
		return nil, fmt.Errorf("failed to load prior payment %s: %w", ref, err)
	}
	return &rec, nil
}

// writeLog records the before/after snapshot asynchronously; errors are
// logged but not returned.
func (s *Service) writeLog(ctx context.Context, reason types.TierChangeReason, before, after *models.UserEntitlement) {
	go func() {
		lg := &models.EntitlementLog{
			ID:     tool.GenerateUUIDV7(),
			UserID: after.UserID,
			Reason: reason,
			Before: datatypes.NewJSONType(before),
			After:  datatypes.NewJSONType(after),
			Extra:  datatypes.JSONMap{},
		}
		if err := s.db.Save(lg).Error; err != nil {
			logctx.FromCtx(ctx, s.log).Errorf("failed to save entitlement log: %v", err)
		}
	}()
}
