package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iqstocker/entitlement/internal/app/service/lifecycle"
	"github.com/iqstocker/entitlement/internal/models"
	"github.com/iqstocker/entitlement/pkg/logctx"
	"github.com/iqstocker/entitlement/pkg/metrics"
	"github.com/iqstocker/entitlement/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var sweepDur = func() *prometheus.HistogramVec {
	m := metrics.NewMetric(metrics.MetricsBusinessProcess, "entitlement").(*prometheus.HistogramVec)
	prometheus.MustRegister(m)
	return m
}()

// Result reports one sweep run.
type Result struct {
	Processed  int `json:"processed"`
	Downgraded int `json:"downgraded"`
}

// Service is the expiration sweeper: it periodically finds users whose paid
// or trial period has lapsed and drives them through the lifecycle engine.
// Each user is an independent unit of work; one failure never aborts the
// batch, and a full re-run is always safe.
type Service struct {
	db   *gorm.DB
	life *lifecycle.Service
	log  *zap.SugaredLogger
}

func NewService(db *gorm.DB, life *lifecycle.Service, log *zap.SugaredLogger) *Service {
	return &Service{db: db, life: life, log: log}
}

// Sweep downgrades every non-FREE user whose expiry has passed at now.
// The expiry is re-checked inside ExpireDowngrade, so users downgraded by an
// overlapping run are skipped without error escalation.
func (s *Service) Sweep(ctx context.Context, now time.Time) (Result, error) {
	start := time.Now()
	defer func() {
		sweepDur.WithLabelValues("sweep", "expire").Observe(float64(time.Since(start).Milliseconds()))
	}()

	var candidates []*models.UserEntitlement
	err := s.db.WithContext(ctx).
		Where("tier <> ? AND expires_at IS NOT NULL AND expires_at <= ?", types.TierFree, now).
		Find(&candidates).Error
	if err != nil {
		return Result{}, fmt.Errorf("failed to select expired entitlements: %w", err)
	}

	res := Result{}
	for _, ent := range candidates {
		res.Processed++
		err := s.life.ExpireDowngrade(ctx, ent.UserID)
		switch {
		case err == nil:
			res.Downgraded++
		case errors.Is(err, lifecycle.ErrInvalidTierTransition):
			// already handled, e.g. by an overlapping sweep or a payment that
			// landed between selection and transition
			logctx.FromCtx(ctx, s.log).Debugf("sweep: user %s no longer expired, skipping", ent.UserID)
		default:
			// left for the next sweep cycle
			logctx.FromCtx(ctx, s.log).Errorf("sweep: failed to downgrade user %s: %v", ent.UserID, err)
		}
	}

	logctx.FromCtx(ctx, s.log).Infof("sweep finished: processed=%d downgraded=%d", res.Processed, res.Downgraded)
	return res, nil
}

// RunOnce is the cron entrypoint.
func (s *Service) RunOnce() {
	if _, err := s.Sweep(context.Background(), time.Now()); err != nil {
		s.log.Errorf("sweep run failed: %v", err)
	}
}
