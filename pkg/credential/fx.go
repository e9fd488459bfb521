package credential

import "go.uber.org/fx"

var Module = fx.Module("credential",
	fx.Provide(NewCipherFromConfig),
)
