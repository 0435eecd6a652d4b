package funnel

import "go.uber.org/fx"

// Module exposes the cohort funnel analyzer via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
