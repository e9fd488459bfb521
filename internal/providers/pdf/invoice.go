package pdf

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

var ErrMissingInvoiceNumber = errors.New("pdf_missing_invoice_number")

type InvoiceData struct {
	IssuerName  string
	IssuerEmail string

	InvoiceNumber string
	IssueDate     string
	ServicePeriod string
	Status        string

	BillToName   string
	BillToEmail  string
	BillToDomain string

	PaymentMethod string
	Reference     string
	ApprovedBy    string

	Items []InvoiceItem
	Total string
	Notes string
}

type InvoiceItem struct {
	Description string
	Qty         string
	UnitPrice   string
	Amount      string
}

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}

func (p *PDFProvider) RenderInvoice(ctx context.Context, invoice InvoiceData) (io.Reader, error) {
	if invoice.InvoiceNumber == "" {
		return nil, ErrMissingInvoiceNumber
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(8, "Invoice", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, invoice.Status, props.Text{
			Size:  12,
			Style: fontstyle.Bold,
			Align: align.Right,
			Top:   4,
		}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Invoice number: "+invoice.InvoiceNumber, props.Text{Top: 0}),
			text.New("Date of issue: "+invoice.IssueDate, props.Text{Top: 4}),
			text.New("Service period: "+invoice.ServicePeriod, props.Text{Top: 8}),
		),
		col.New(6).Add(
			text.New("Payment method: "+invoice.PaymentMethod, props.Text{Top: 0, Align: align.Right}),
			text.New("Reference: "+invoice.Reference, props.Text{Top: 4, Align: align.Right}),
			text.New("Approved by: "+invoice.ApprovedBy, props.Text{Top: 8, Align: align.Right}),
		),
	)

	m.AddRow(30,
		col.New(6).Add(
			text.New(invoice.IssuerName, props.Text{Style: fontstyle.Bold}),
			text.New(invoice.IssuerEmail, props.Text{Top: 5}),
		),
		col.New(6).Add(
			text.New("Bill to", props.Text{Style: fontstyle.Bold}),
			text.New(invoice.BillToName, props.Text{Top: 5}),
			text.New(invoice.BillToDomain, props.Text{Top: 9}),
			text.New(invoice.BillToEmail, props.Text{Top: 13}),
		),
	)

	m.AddRow(10,
		text.NewCol(6, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Qty", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Unit price", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	m.AddRow(2, col.New(12))

	for _, item := range invoice.Items {
		m.AddRow(10,
			text.NewCol(6, item.Description, props.Text{Size: 9}),
			text.NewCol(2, item.Qty, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, item.UnitPrice, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, item.Amount, props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Total paid", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, invoice.Total, props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	if invoice.Notes != "" {
		m.AddRow(20,
			text.NewCol(12, invoice.Notes, props.Text{Size: 8, Top: 5}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(doc.GetBytes()), nil
}
