package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/events"
	invoicedomain "github.com/smallbiznis/tenancy/internal/invoice/domain"
	"github.com/smallbiznis/tenancy/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/tenancy/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/pkg/db/pagination"
	"github.com/smallbiznis/tenancy/pkg/sanitize"
	"github.com/smallbiznis/tenancy/pkg/validation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          paymentdomain.Repository
	tenants       tenantdomain.Repository
	plans         plandomain.Service
	subscriptions subscriptiondomain.Service
	invoices      invoicedomain.Service
	outbox        *events.Outbox
	metrics       *metrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          paymentdomain.Repository
	Tenants       tenantdomain.Repository
	Plans         plandomain.Service
	Subscriptions subscriptiondomain.Service
	Invoices      invoicedomain.Service
	Outbox        *events.Outbox
	Metrics       *metrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) paymentdomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("payment.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		tenants:       p.Tenants,
		plans:         p.Plans,
		subscriptions: p.Subscriptions,
		invoices:      p.Invoices,
		outbox:        p.Outbox,
		metrics:       p.Metrics,
	}
}

func (s *Service) Submit(ctx context.Context, req paymentdomain.SubmitRequest) (*paymentdomain.Payment, error) {
	tenantID, err := snowflake.ParseString(strings.TrimSpace(req.TenantID))
	if err != nil || tenantID == 0 {
		return nil, tenantdomain.ErrInvalidTenantID
	}
	tenant, err := s.tenants.FindByID(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, tenantdomain.ErrTenantNotFound
	}

	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.ReferenceNumber = sanitize.Text(req.ReferenceNumber)
	req.Notes = sanitize.Text(req.Notes)

	var errs validation.Errors
	if !req.Amount.IsPositive() {
		errs.Add("amount", validation.CodeInvalid, "amount must be greater than zero")
	}
	switch {
	case req.Currency == "":
		errs.Add("currency", validation.CodeRequired, "currency is required")
	case !currencyPattern.MatchString(req.Currency):
		errs.Add("currency", validation.CodeInvalid, "currency must be a three letter ISO code")
	}
	switch {
	case req.PaymentMethod == "":
		errs.Add("payment_method", validation.CodeRequired, "payment_method is required")
	case !req.PaymentMethod.Valid():
		errs.Add("payment_method", validation.CodeInvalid, "payment_method is not supported")
	}
	if len(req.ReferenceNumber) > 128 {
		errs.Add("reference_number", validation.CodeTooLong, "reference_number must be at most 128 characters")
	}

	now := s.clock.Now()
	payment := &paymentdomain.Payment{
		ID:            s.genID.Generate(),
		TenantID:      tenantID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		Status:        paymentdomain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.resolvePurchase(ctx, tenantID, req, payment, &errs); err != nil {
		return nil, err
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	if req.ReferenceNumber != "" {
		ref := req.ReferenceNumber
		payment.ReferenceNumber = &ref
	}
	if req.Notes != "" {
		notes := req.Notes
		payment.Notes = &notes
	}
	if req.ProofDocumentPath != "" {
		path := req.ProofDocumentPath
		payment.ProofDocumentPath = &path
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, payment); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, events.TypePaymentSubmitted, payment, nil)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payment submitted",
		zap.String("payment_id", payment.ID.String()),
		zap.String("tenant_id", tenantID.String()),
		zap.String("method", string(payment.PaymentMethod)),
		zap.String("amount", payment.Amount.String()),
	)
	return payment, nil
}

// resolvePurchase links the payment to what it pays for. Without an explicit
// subscription or plan it falls back to the tenant's current subscription.
func (s *Service) resolvePurchase(ctx context.Context, tenantID snowflake.ID, req paymentdomain.SubmitRequest, payment *paymentdomain.Payment, errs *validation.Errors) error {
	subscriptionID := strings.TrimSpace(req.SubscriptionID)
	planID := strings.TrimSpace(req.PlanID)

	if subscriptionID != "" {
		sub, err := s.subscriptions.GetByID(ctx, subscriptionID)
		switch {
		case errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
			errors.Is(err, subscriptiondomain.ErrInvalidSubscriptionID):
			errs.Add("subscription_id", validation.CodeNotFound, "subscription does not exist")
		case err != nil:
			return err
		case sub.TenantID != tenantID:
			errs.Add("subscription_id", validation.CodeNotFound, "subscription does not exist")
		default:
			id := sub.ID
			payment.SubscriptionID = &id
			if planID == "" {
				plan := sub.PlanID
				payment.PlanID = &plan
			}
		}
	}

	if planID != "" {
		plan, err := s.plans.GetByID(ctx, planID)
		switch {
		case errors.Is(err, plandomain.ErrPlanNotFound), errors.Is(err, plandomain.ErrInvalidPlanID):
			errs.Add("plan_id", validation.CodeNotFound, "plan does not exist")
		case err != nil:
			return err
		case !plan.IsActive:
			errs.Add("plan_id", validation.CodeInvalid, "plan is not available")
		default:
			id := plan.ID
			payment.PlanID = &id
		}
	}

	if subscriptionID != "" || planID != "" {
		return nil
	}
	current, err := s.subscriptions.GetCurrent(ctx, tenantID.String())
	switch {
	case errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound):
		errs.Add("plan_id", validation.CodeRequired, "plan_id or subscription_id is required")
		return nil
	case err != nil:
		return err
	}
	id, plan := current.ID, current.PlanID
	payment.SubscriptionID = &id
	payment.PlanID = &plan
	return nil
}

// Approve confirms a pending payment. The subscription effect and the
// invoice number commit together with the approval or not at all.
func (s *Service) Approve(ctx context.Context, id string, approver string, notes string) (*paymentdomain.Payment, error) {
	paymentID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	approver = sanitize.Text(approver)
	notes = sanitize.Text(notes)

	var payment *paymentdomain.Payment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		payment, err = notFound(s.repo.FindByIDForUpdate(ctx, tx, paymentID))
		if err != nil {
			return err
		}
		if !paymentdomain.CanTransition(payment.Status, paymentdomain.StatusApproved, payment.PaymentMethod) {
			return paymentdomain.ErrInvalidStateTransition
		}

		now := s.clock.Now()
		payment.Status = paymentdomain.StatusApproved
		payment.ApprovedAt = &now
		payment.UpdatedAt = now
		if approver != "" {
			payment.ApprovedBy = &approver
		}
		if notes != "" {
			payment.Notes = &notes
		}

		if err := s.applyToSubscription(ctx, tx, payment); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, tx, payment); err != nil {
			return err
		}
		if err := s.invoices.AssignTx(ctx, tx, payment); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, events.TypePaymentApproved, payment, map[string]any{
			"approved_by":    approver,
			"invoice_number": deref(payment.InvoiceNumber),
		})
	})
	if err != nil {
		s.log.Warn("payment approval failed", zap.String("payment_id", paymentID.String()), zap.Error(err))
		return nil, err
	}
	s.subscriptions.Invalidate(payment.TenantID)

	s.metrics.RecordPaymentDecision(ctx, string(payment.PaymentMethod), string(paymentdomain.StatusApproved))
	s.log.Info("payment approved",
		zap.String("payment_id", payment.ID.String()),
		zap.String("tenant_id", payment.TenantID.String()),
		zap.String("approved_by", approver),
		zap.String("invoice_number", deref(payment.InvoiceNumber)),
	)
	return payment, nil
}

// applyToSubscription activates or renews what the payment buys. A linked
// subscription wins over the plan.
func (s *Service) applyToSubscription(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment) error {
	if payment.SubscriptionID != nil {
		sub, err := s.subscriptions.LockTx(ctx, tx, *payment.SubscriptionID)
		if err != nil {
			return err
		}
		switch sub.Status {
		case subscriptiondomain.StatusActive:
			_, err = s.subscriptions.RenewTx(ctx, tx, sub.ID, payment)
		case subscriptiondomain.StatusTrial, subscriptiondomain.StatusPastDue:
			_, err = s.subscriptions.ActivateTx(ctx, tx, sub.ID, payment)
		default:
			if payment.PlanID == nil {
				return subscriptiondomain.ErrInvalidStateTransition
			}
			// The linked subscription ended while the payment waited; buy the plan again.
			return s.createFromPlan(ctx, tx, payment)
		}
		return err
	}
	if payment.PlanID != nil {
		return s.createFromPlan(ctx, tx, payment)
	}
	return paymentdomain.ErrNothingToPurchase
}

func (s *Service) createFromPlan(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment) error {
	sub, err := s.subscriptions.CreateAndActivateTx(ctx, tx, payment.TenantID, *payment.PlanID, payment)
	if err != nil {
		return err
	}
	id := sub.ID
	payment.SubscriptionID = &id
	return nil
}

func (s *Service) Reject(ctx context.Context, id string, reason string) (*paymentdomain.Payment, error) {
	paymentID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	reason = sanitize.Text(reason)
	if reason == "" {
		return nil, validation.Single("reason", validation.CodeRequired, "reason is required")
	}

	payment, err := s.decide(ctx, paymentID, paymentdomain.StatusRejected, func(p *paymentdomain.Payment, now time.Time) {
		p.RejectionReason = &reason
		p.RejectedAt = &now
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("payment rejected",
		zap.String("payment_id", payment.ID.String()),
		zap.String("tenant_id", payment.TenantID.String()),
		zap.String("reason", reason),
	)
	return payment, nil
}

// Cancel withdraws a pending payment. A non-empty tenantID must own it.
func (s *Service) Cancel(ctx context.Context, id string, tenantID string) (*paymentdomain.Payment, error) {
	paymentID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	var owner snowflake.ID
	if tenantID = strings.TrimSpace(tenantID); tenantID != "" {
		owner, err = snowflake.ParseString(tenantID)
		if err != nil || owner == 0 {
			return nil, tenantdomain.ErrInvalidTenantID
		}
	}

	return s.decideChecked(ctx, paymentID, paymentdomain.StatusCancelled, func(p *paymentdomain.Payment) error {
		if owner != 0 && p.TenantID != owner {
			return paymentdomain.ErrPaymentNotFound
		}
		return nil
	}, nil)
}

// RecordGatewayResult settles a card or PayPal payment from the gateway
// callback. Repeated callbacks for an already settled payment are no-ops.
func (s *Service) RecordGatewayResult(ctx context.Context, id string, transactionID string, succeeded bool) (*paymentdomain.Payment, error) {
	paymentID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	transactionID = strings.TrimSpace(transactionID)
	to := paymentdomain.StatusFailed
	if succeeded {
		to = paymentdomain.StatusCompleted
	}

	var (
		payment *paymentdomain.Payment
		changed bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		payment, err = notFound(s.repo.FindByIDForUpdate(ctx, tx, paymentID))
		if err != nil {
			return err
		}
		if !payment.PaymentMethod.IsAutomatic() {
			return paymentdomain.ErrNotGatewayPayment
		}
		if payment.Status == to {
			return nil
		}
		if !paymentdomain.CanTransition(payment.Status, to, payment.PaymentMethod) {
			return paymentdomain.ErrInvalidStateTransition
		}

		payment.Status = to
		payment.UpdatedAt = s.clock.Now()
		if transactionID != "" {
			payment.GatewayTransactionID = &transactionID
		}
		if succeeded {
			if err := s.applyToSubscription(ctx, tx, payment); err != nil {
				return err
			}
		}
		if err := s.repo.Update(ctx, tx, payment); err != nil {
			return err
		}
		changed = true

		eventType := events.TypePaymentFailed
		if succeeded {
			eventType = events.TypePaymentCompleted
		}
		return s.appendEvent(ctx, tx, eventType, payment, map[string]any{"gateway_transaction_id": transactionID})
	})
	if err != nil {
		return nil, err
	}
	if changed {
		if succeeded {
			s.subscriptions.Invalidate(payment.TenantID)
		}
		s.metrics.RecordPaymentDecision(ctx, string(payment.PaymentMethod), string(to))
		s.log.Info("gateway payment settled",
			zap.String("payment_id", payment.ID.String()),
			zap.String("status", string(to)),
			zap.String("gateway_transaction_id", transactionID),
		)
	}
	return payment, nil
}

func (s *Service) decide(ctx context.Context, id snowflake.ID, to paymentdomain.Status, apply func(*paymentdomain.Payment, time.Time)) (*paymentdomain.Payment, error) {
	return s.decideChecked(ctx, id, to, nil, apply)
}

func (s *Service) decideChecked(ctx context.Context, id snowflake.ID, to paymentdomain.Status, check func(*paymentdomain.Payment) error, apply func(*paymentdomain.Payment, time.Time)) (*paymentdomain.Payment, error) {
	var payment *paymentdomain.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		payment, err = notFound(s.repo.FindByIDForUpdate(ctx, tx, id))
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(payment); err != nil {
				return err
			}
		}
		if !paymentdomain.CanTransition(payment.Status, to, payment.PaymentMethod) {
			return paymentdomain.ErrInvalidStateTransition
		}

		now := s.clock.Now()
		payment.Status = to
		payment.UpdatedAt = now
		if apply != nil {
			apply(payment, now)
		}
		if err := s.repo.Update(ctx, tx, payment); err != nil {
			return err
		}

		eventType := events.TypePaymentCancelled
		if to == paymentdomain.StatusRejected {
			eventType = events.TypePaymentRejected
		}
		return s.appendEvent(ctx, tx, eventType, payment, map[string]any{"reason": deref(payment.RejectionReason)})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordPaymentDecision(ctx, string(payment.PaymentMethod), string(to))
	return payment, nil
}

func (s *Service) appendEvent(ctx context.Context, tx *gorm.DB, eventType string, payment *paymentdomain.Payment, extra map[string]any) error {
	payload := map[string]any{
		"payment_id":     payment.ID.String(),
		"status":         string(payment.Status),
		"amount":         payment.Amount.String(),
		"currency":       payment.Currency,
		"payment_method": string(payment.PaymentMethod),
	}
	if payment.SubscriptionID != nil {
		payload["subscription_id"] = payment.SubscriptionID.String()
	}
	if payment.PlanID != nil {
		payload["plan_id"] = payment.PlanID.String()
	}
	for k, v := range extra {
		payload[k] = v
	}
	tenantID := payment.TenantID
	return s.outbox.Append(ctx, tx, events.Event{
		Type:          eventType,
		AggregateType: events.AggregatePayment,
		AggregateID:   payment.ID.String(),
		TenantID:      &tenantID,
		Payload:       payload,
	})
}

func (s *Service) Get(ctx context.Context, id string) (*paymentdomain.Payment, error) {
	paymentID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	return notFound(s.repo.FindByID(ctx, s.db, paymentID))
}

func (s *Service) List(ctx context.Context, req paymentdomain.ListRequest) (paymentdomain.ListResponse, error) {
	filter, page, err := s.listFilter(req)
	if err != nil {
		return paymentdomain.ListResponse{}, err
	}
	rows, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return paymentdomain.ListResponse{}, err
	}
	payments, info, err := pagination.Trim(rows, page.PageSize, func(p paymentdomain.Payment) pagination.Cursor {
		return pagination.Cursor{ID: p.ID.String()}
	})
	if err != nil {
		return paymentdomain.ListResponse{}, err
	}
	return paymentdomain.ListResponse{Payments: payments, PageInfo: info}, nil
}

func (s *Service) listFilter(req paymentdomain.ListRequest) (paymentdomain.ListFilter, pagination.Pagination, error) {
	page := req.Pagination.Normalize()
	filter := paymentdomain.ListFilter{Limit: page.PageSize + 1}
	if req.Status != "" {
		if !req.Status.Valid() {
			return filter, page, validation.Single("status", validation.CodeInvalid, "status is not a payment status")
		}
		filter.Status = req.Status
	}
	if tenantID := strings.TrimSpace(req.TenantID); tenantID != "" {
		id, err := snowflake.ParseString(tenantID)
		if err != nil || id == 0 {
			return filter, page, tenantdomain.ErrInvalidTenantID
		}
		filter.TenantID = id
	}
	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return filter, page, err
		}
		afterID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return filter, page, pagination.ErrInvalidPageToken
		}
		filter.AfterID = afterID
	}
	return filter, page, nil
}

// Statistics reports pending totals and approvals since the start of the
// current UTC day and month.
func (s *Service) Statistics(ctx context.Context) (paymentdomain.Stats, error) {
	now := s.clock.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var (
		stats paymentdomain.Stats
		err   error
	)
	if stats.PendingCount, stats.PendingAmount, err = s.repo.Sum(ctx, s.db, paymentdomain.StatusPending, nil); err != nil {
		return paymentdomain.Stats{}, err
	}
	if stats.ApprovedTodayCount, stats.ApprovedTodayAmount, err = s.repo.Sum(ctx, s.db, paymentdomain.StatusApproved, &today); err != nil {
		return paymentdomain.Stats{}, err
	}
	if stats.ApprovedMonthCount, stats.ApprovedMonthAmount, err = s.repo.Sum(ctx, s.db, paymentdomain.StatusApproved, &month); err != nil {
		return paymentdomain.Stats{}, err
	}
	return stats, nil
}

func notFound(payment *paymentdomain.Payment, err error) (*paymentdomain.Payment, error) {
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	return payment, nil
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, paymentdomain.ErrInvalidPaymentID
	}
	return id, nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
