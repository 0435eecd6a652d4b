package sweeper

import (
	"context"

	"github.com/iqstocker/entitlement/pkg/config"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// registerSchedule wires the sweeper onto the process cron, started and
// stopped with the fx lifecycle.
func registerSchedule(lc fx.Lifecycle, s *Service, cfg *config.Config, log *zap.SugaredLogger) error {
	c := cron.New()
	if _, err := c.AddFunc(cfg.Sweep.Schedule, s.RunOnce); err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting expiration sweeper", "schedule", cfg.Sweep.Schedule)
			c.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping expiration sweeper")
			stopCtx := c.Stop()
			select {
			case <-stopCtx.Done():
			case <-ctx.Done():
			}
			return nil
		},
	})
	return nil
}

// Module exposes the expiration sweeper via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
	fx.Invoke(registerSchedule),
)
