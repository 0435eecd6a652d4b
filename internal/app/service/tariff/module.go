package tariff

import "go.uber.org/fx"

// Module exposes the tariff registry via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
