package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/events"
	invoicedomain "github.com/smallbiznis/tenancy/internal/invoice/domain"
	"github.com/smallbiznis/tenancy/internal/invoice/format"
	"github.com/smallbiznis/tenancy/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	"github.com/smallbiznis/tenancy/internal/providers/pdf"
	subscriptiondomain "github.com/smallbiznis/tenancy/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultBatchSize = 50
	dateLayout       = "2006-01-02"

	sourceApproval = "approval"
	sourceManual   = "manual"
	sourceSweep    = "sweep"
)

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	cfg           config.Config
	repo          invoicedomain.Repository
	payments      paymentdomain.Repository
	tenants       tenantdomain.Repository
	subscriptions subscriptiondomain.Repository
	renderer      pdf.Provider
	outbox        *events.Outbox
	metrics       *metrics.Metrics
	template      string
}

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Config        config.Config
	Repo          invoicedomain.Repository
	Payments      paymentdomain.Repository
	Tenants       tenantdomain.Repository
	Subscriptions subscriptiondomain.Repository
	Renderer      pdf.Provider
	Outbox        *events.Outbox
	Metrics       *metrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("invoice.service"),
		clock:         p.Clock,
		cfg:           p.Config,
		repo:          p.Repo,
		payments:      p.Payments,
		tenants:       p.Tenants,
		subscriptions: p.Subscriptions,
		renderer:      p.Renderer,
		outbox:        p.Outbox,
		metrics:       p.Metrics,
		template:      format.DefaultTemplate,
	}
}

// GenerateInvoiceNumber must run inside the transaction that stores the
// number. Concurrent callers for the same month queue on the bucket row.
func (s *Service) GenerateInvoiceNumber(ctx context.Context, tx *gorm.DB, approvedAt time.Time) (string, error) {
	prefix, err := format.Prefix(s.template, approvedAt)
	if err != nil {
		return "", err
	}
	if err := s.repo.EnsureBucket(ctx, tx, prefix, s.clock.Now()); err != nil {
		return "", fmt.Errorf("ensure invoice bucket %s: %w", prefix, err)
	}
	if err := s.repo.LockBucket(ctx, tx, prefix); err != nil {
		return "", fmt.Errorf("lock invoice bucket %s: %w", prefix, err)
	}

	last, err := s.repo.MaxNumber(ctx, tx, prefix)
	if err != nil {
		return "", err
	}
	seq := int64(1)
	if last != "" {
		current, err := format.ParseSequence(last, prefix)
		if err != nil {
			return "", err
		}
		seq = current + 1
	}
	return format.FormatInvoiceNumber(s.template, approvedAt, seq)
}

func (s *Service) AssignTx(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment) error {
	_, err := s.assign(ctx, tx, payment, sourceApproval)
	return err
}

// assign reports whether a new number was stamped.
func (s *Service) assign(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment, source string) (bool, error) {
	if payment == nil || payment.Status != paymentdomain.StatusApproved {
		return false, invoicedomain.ErrNotApproved
	}
	if payment.InvoiceNumber != nil && *payment.InvoiceNumber != "" {
		return false, nil
	}

	now := s.clock.Now()
	approvedAt := now
	if payment.ApprovedAt != nil {
		approvedAt = *payment.ApprovedAt
	}
	number, err := s.GenerateInvoiceNumber(ctx, tx, approvedAt)
	if err != nil {
		return false, err
	}

	payment.InvoiceNumber = &number
	payment.InvoicedAt = &now
	payment.UpdatedAt = now
	if err := s.repo.SetNumber(ctx, tx, payment); err != nil {
		return false, err
	}

	tenantID := payment.TenantID
	if err := s.outbox.Append(ctx, tx, events.Event{
		Type:          events.TypeInvoiceGenerated,
		AggregateType: events.AggregatePayment,
		AggregateID:   payment.ID.String(),
		TenantID:      &tenantID,
		Payload: map[string]any{
			"payment_id":     payment.ID.String(),
			"invoice_number": number,
			"amount":         payment.Amount.String(),
			"currency":       payment.Currency,
		},
	}); err != nil {
		return false, err
	}

	s.metrics.RecordInvoiceGenerated(ctx, source)
	s.log.Info("invoice number assigned",
		zap.String("payment_id", payment.ID.String()),
		zap.String("tenant_id", payment.TenantID.String()),
		zap.String("invoice_number", number),
		zap.String("source", source),
	)
	return true, nil
}

func (s *Service) GenerateInvoice(ctx context.Context, paymentID string) (*paymentdomain.Payment, error) {
	id, err := parsePaymentID(paymentID)
	if err != nil {
		return nil, err
	}

	var result *paymentdomain.Payment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.payments.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if payment == nil {
			return paymentdomain.ErrPaymentNotFound
		}
		if _, err := s.assign(ctx, tx, payment, sourceManual); err != nil {
			return err
		}
		result = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GeneratePendingInvoices numbers approved payments that slipped through
// without one. Each payment is handled in its own transaction.
func (s *Service) GeneratePendingInvoices(ctx context.Context, limit int) (invoicedomain.Summary, error) {
	if limit <= 0 {
		limit = defaultBatchSize
	}

	var summary invoicedomain.Summary
	pending, err := s.repo.ListUninvoiced(ctx, s.db, limit)
	if err != nil {
		return summary, err
	}

	for _, candidate := range pending {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Processed++

		var generated bool
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			payment, err := s.payments.FindByIDForUpdate(ctx, tx, candidate.ID)
			if err != nil {
				return err
			}
			if payment == nil || payment.Status != paymentdomain.StatusApproved {
				return nil
			}
			generated, err = s.assign(ctx, tx, payment, sourceSweep)
			return err
		})
		if err != nil {
			summary.Failed++
			s.log.Warn("invoice generation failed",
				zap.String("payment_id", candidate.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if generated {
			summary.Generated++
		}
	}
	return summary, nil
}

func (s *Service) RenderPDF(ctx context.Context, paymentID string) (io.Reader, error) {
	id, err := parsePaymentID(paymentID)
	if err != nil {
		return nil, err
	}
	payment, err := s.payments.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	if payment.InvoiceNumber == nil {
		return nil, invoicedomain.ErrNotInvoiced
	}

	tenant, err := s.tenants.FindByIDIncludingDeleted(ctx, s.db, payment.TenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, tenantdomain.ErrTenantNotFound
	}
	plan, err := s.planFor(ctx, payment)
	if err != nil {
		return nil, err
	}

	return s.renderer.RenderInvoice(ctx, s.invoiceData(payment, tenant, plan))
}

func (s *Service) planFor(ctx context.Context, payment *paymentdomain.Payment) (*plandomain.Plan, error) {
	planID := snowflake.ID(0)
	switch {
	case payment.PlanID != nil:
		planID = *payment.PlanID
	case payment.SubscriptionID != nil:
		sub, err := s.subscriptions.FindByID(ctx, s.db, *payment.SubscriptionID)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			planID = sub.PlanID
		}
	}
	if planID == 0 {
		return nil, nil
	}
	return s.subscriptions.FindPlan(ctx, s.db, planID)
}

func (s *Service) invoiceData(payment *paymentdomain.Payment, tenant *tenantdomain.Tenant, plan *plandomain.Plan) pdf.InvoiceData {
	amount := money(payment)
	description := "Subscription payment"
	if plan != nil {
		description = fmt.Sprintf("%s subscription (%s)", plan.Name, plan.BillingPeriod)
	}

	data := pdf.InvoiceData{
		IssuerName:    s.cfg.AppName,
		InvoiceNumber: *payment.InvoiceNumber,
		Status:        "PAID",
		BillToName:    tenant.Name,
		BillToEmail:   tenant.Email,
		BillToDomain:  tenant.Subdomain,
		PaymentMethod: strings.ReplaceAll(string(payment.PaymentMethod), "_", " "),
		Items: []pdf.InvoiceItem{
			{Description: description, Qty: "1", UnitPrice: amount, Amount: amount},
		},
		Total: amount,
	}
	if payment.InvoicedAt != nil {
		data.IssueDate = payment.InvoicedAt.UTC().Format(dateLayout)
	}
	if payment.ApprovedAt != nil {
		start := payment.ApprovedAt.UTC()
		data.ServicePeriod = start.Format(dateLayout)
		if plan != nil {
			if end := plan.BillingPeriod.PeriodEnd(start); end != nil {
				data.ServicePeriod += " - " + end.Format(dateLayout)
			}
		}
	}
	if payment.ReferenceNumber != nil {
		data.Reference = *payment.ReferenceNumber
	}
	if payment.ApprovedBy != nil {
		data.ApprovedBy = *payment.ApprovedBy
	}
	if payment.Notes != nil {
		data.Notes = *payment.Notes
	}
	return data
}

func money(payment *paymentdomain.Payment) string {
	return payment.Amount.StringFixed(2) + " " + payment.Currency
}

func parsePaymentID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, paymentdomain.ErrInvalidPaymentID
	}
	return id, nil
}

