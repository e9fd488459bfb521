package events

import "go.uber.org/fx"

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
	fx.Provide(NewSinks),
	fx.Provide(NewDispatcher),
)
