package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const (
	exportSheet     = "Payments"
	exportPageSize  = 500
	exportRowsLimit = 50000
)

var exportHeaders = []string{
	"Payment ID", "Tenant ID", "Subscription ID", "Plan ID", "Amount", "Currency",
	"Method", "Reference", "Status", "Invoice Number", "Approved By",
	"Approved At", "Rejection Reason", "Created At",
}

var exportWidths = []float64{22, 22, 22, 22, 14, 10, 16, 24, 12, 18, 24, 20, 32, 20}

// ExportXLSX writes every payment matching req, newest first. The page token
// and size of req are ignored.
func (s *Service) ExportXLSX(ctx context.Context, req paymentdomain.ListRequest, w io.Writer) error {
	req.PageToken = ""
	filter, _, err := s.listFilter(req)
	if err != nil {
		return err
	}
	filter.Limit = exportPageSize

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(exportSheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("delete default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	if err := f.SetSheetRow(exportSheet, "A1", &exportHeaders); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(exportHeaders), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(exportSheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	for i, width := range exportWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(exportSheet, col, col, width); err != nil {
			return fmt.Errorf("set column width: %w", err)
		}
	}

	row := 2
	for row-2 < exportRowsLimit {
		if err := ctx.Err(); err != nil {
			return err
		}
		payments, err := s.repo.List(ctx, s.db, filter)
		if err != nil {
			return err
		}
		for _, payment := range payments {
			cell, err := excelize.CoordinatesToCellName(1, row)
			if err != nil {
				return err
			}
			values := exportRow(payment)
			if err := f.SetSheetRow(exportSheet, cell, &values); err != nil {
				return fmt.Errorf("write row %d: %w", row, err)
			}
			row++
		}
		if len(payments) < filter.Limit {
			break
		}
		filter.AfterID = payments[len(payments)-1].ID
	}

	if err := f.SetPanes(exportSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	s.log.Debug("payments exported", zap.Int("rows", row-2))
	return nil
}

func exportRow(p paymentdomain.Payment) []any {
	return []any{
		p.ID.String(),
		p.TenantID.String(),
		idString(p.SubscriptionID),
		idString(p.PlanID),
		p.Amount.InexactFloat64(),
		p.Currency,
		string(p.PaymentMethod),
		deref(p.ReferenceNumber),
		string(p.Status),
		deref(p.InvoiceNumber),
		deref(p.ApprovedBy),
		timeString(p.ApprovedAt),
		deref(p.RejectionReason),
		p.CreatedAt.UTC().Format(time.DateTime),
	}
}

func timeString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.DateTime)
}

func idString(id *snowflake.ID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
