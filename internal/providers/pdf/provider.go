// Package pdf renders documents with maroto.
package pdf

import (
	"context"
	"io"

	"go.uber.org/fx"
)

type Provider interface {
	RenderInvoice(ctx context.Context, data InvoiceData) (io.Reader, error)
}

var Module = fx.Module("providers.pdf",
	fx.Provide(New),
)
