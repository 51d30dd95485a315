package gateway

import "go.uber.org/fx"

var Module = fx.Module("gateway",
	fx.Provide(
		New,
		func(g *Gateway) Resolver { return g },
	),
)
