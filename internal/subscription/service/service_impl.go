package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tenancy/internal/cache"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/events"
	"github.com/smallbiznis/tenancy/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/tenancy/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/pkg/db"
	"github.com/smallbiznis/tenancy/pkg/sanitize"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultSweepLimit  = 100
	defaultGracePeriod = 7 * 24 * time.Hour
)

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	cfg      config.Config
	repo     subscriptiondomain.Repository
	payments paymentdomain.Repository
	tenants  tenantdomain.Service
	outbox   *events.Outbox
	cache    cache.RestrictionsCache
	metrics  *metrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   config.Config
	Repo     subscriptiondomain.Repository
	Payments paymentdomain.Repository
	Tenants  tenantdomain.Service
	Outbox   *events.Outbox
	Cache    cache.RestrictionsCache `optional:"true"`
	Metrics  *metrics.Metrics        `optional:"true"`
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("subscription.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		cfg:      p.Config,
		repo:     p.Repo,
		payments: p.Payments,
		tenants:  p.Tenants,
		outbox:   p.Outbox,
		cache:    p.Cache,
		metrics:  p.Metrics,
	}
}

func (s *Service) StartTrial(ctx context.Context, tenantID string, planID string) (*subscriptiondomain.Subscription, error) {
	tid, pid, err := parseTenantAndPlan(tenantID, planID)
	if err != nil {
		return nil, err
	}

	var created *subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tenant, err := s.tenants.LockTx(ctx, tx, tid)
		if err != nil {
			return err
		}
		if tenant.HasUsedTrial {
			return subscriptiondomain.ErrTrialAlreadyUsed
		}
		if err := s.ensureNoCurrent(ctx, tx, tid); err != nil {
			return err
		}
		plan, err := s.loadPlan(ctx, tx, pid)
		if err != nil {
			return err
		}
		if plan.TrialDays <= 0 {
			return subscriptiondomain.ErrTrialNotOffered
		}

		now := s.clock.Now()
		trialEnd := now.AddDate(0, 0, plan.TrialDays)
		sub := &subscriptiondomain.Subscription{
			ID:          s.genID.Generate(),
			TenantID:    tid,
			PlanID:      plan.ID,
			Status:      subscriptiondomain.StatusTrial,
			StartsAt:    now,
			EndsAt:      &trialEnd,
			TrialEndsAt: &trialEnd,
			Amount:      decimal.Zero,
			Currency:    plan.Currency,
			Metadata:    datatypes.JSONMap{},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.insert(ctx, tx, sub); err != nil {
			return err
		}
		if err := s.tenants.MarkTrialUsed(ctx, tx, tid); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, sub, events.TypeSubscriptionStarted, map[string]any{
			"plan_id":       plan.ID.String(),
			"trial_ends_at": trialEnd,
		}); err != nil {
			return err
		}
		created = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(tid)
	s.metrics.RecordSubscriptionTransition(ctx, "none", string(subscriptiondomain.StatusTrial))
	s.log.Info("trial started",
		zap.String("tenant_id", tid.String()),
		zap.String("subscription_id", created.ID.String()),
		zap.Time("trial_ends_at", *created.TrialEndsAt),
	)
	return created, nil
}

func (s *Service) CreateManual(ctx context.Context, tenantID string, planID string, method paymentdomain.Method) (*subscriptiondomain.Subscription, error) {
	tid, pid, err := parseTenantAndPlan(tenantID, planID)
	if err != nil {
		return nil, err
	}
	if !method.Valid() {
		return nil, subscriptiondomain.ErrInvalidPaymentMethod
	}

	var created *subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.tenants.LockTx(ctx, tx, tid); err != nil {
			return err
		}
		if err := s.ensureNoCurrent(ctx, tx, tid); err != nil {
			return err
		}
		plan, err := s.loadPlan(ctx, tx, pid)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		sub := &subscriptiondomain.Subscription{
			ID:            s.genID.Generate(),
			TenantID:      tid,
			PlanID:        plan.ID,
			Status:        subscriptiondomain.StatusTrial,
			StartsAt:      now,
			EndsAt:        &now,
			TrialEndsAt:   &now,
			PaymentMethod: &method,
			Amount:        plan.Price,
			Currency:      plan.Currency,
			Metadata:      datatypes.JSONMap{subscriptiondomain.MetadataAwaitingPayment: true},
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.insert(ctx, tx, sub); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, sub, events.TypeSubscriptionStarted, map[string]any{
			"plan_id":        plan.ID.String(),
			"payment_method": string(method),
			"manual":         true,
		}); err != nil {
			return err
		}
		created = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(tid)
	s.metrics.RecordSubscriptionTransition(ctx, "none", string(subscriptiondomain.StatusTrial))
	return created, nil
}

func (s *Service) Activate(ctx context.Context, subscriptionID string, paymentID string) (*subscriptiondomain.Subscription, error) {
	id, err := parseID(subscriptionID)
	if err != nil {
		return nil, err
	}

	var result *subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment *paymentdomain.Payment
		if strings.TrimSpace(paymentID) != "" {
			pid, err := snowflake.ParseString(strings.TrimSpace(paymentID))
			if err != nil || pid == 0 {
				return paymentdomain.ErrInvalidPaymentID
			}
			payment, err = s.payments.FindByID(ctx, tx, pid)
			if err != nil {
				return err
			}
			if payment == nil {
				return paymentdomain.ErrPaymentNotFound
			}
		}
		sub, err := s.ActivateTx(ctx, tx, id, payment)
		if err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(result.TenantID)
	return result, nil
}

// ActivateTx starts a paid period on a trial or past_due subscription.
func (s *Service) ActivateTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, payment *paymentdomain.Payment) (*subscriptiondomain.Subscription, error) {
	sub, err := s.LockTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != subscriptiondomain.StatusTrial && sub.Status != subscriptiondomain.StatusPastDue {
		return nil, subscriptiondomain.ErrInvalidStateTransition
	}
	if err := checkPayment(sub, payment); err != nil {
		return nil, err
	}
	plan, err := s.loadPlan(ctx, tx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	from := sub.Status
	now := s.clock.Now()
	sub.Status = subscriptiondomain.StatusActive
	sub.StartsAt = now
	sub.EndsAt = plan.BillingPeriod.PeriodEnd(now)
	sub.CancelAtPeriodEnd = false
	sub.CancellationReason = nil
	applyPayment(sub, payment)
	sub.Metadata = withoutKey(sub.Metadata, subscriptiondomain.MetadataAwaitingPayment)
	sub.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, sub); err != nil {
		return nil, err
	}

	payload := map[string]any{"from": string(from), "ends_at": sub.EndsAt}
	if payment != nil {
		payload["payment_id"] = payment.ID.String()
	}
	if err := s.appendEvent(ctx, tx, sub, events.TypeSubscriptionActivated, payload); err != nil {
		return nil, err
	}

	s.metrics.RecordSubscriptionTransition(ctx, string(from), string(subscriptiondomain.StatusActive))
	s.log.Info("subscription activated",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("tenant_id", sub.TenantID.String()),
		zap.String("from", string(from)),
	)
	return sub, nil
}

// RenewTx extends an active subscription by one billing period from the later
// of now and its current end.
func (s *Service) RenewTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, payment *paymentdomain.Payment) (*subscriptiondomain.Subscription, error) {
	sub, err := s.LockTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != subscriptiondomain.StatusActive {
		return nil, subscriptiondomain.ErrInvalidStateTransition
	}
	if payment == nil {
		return nil, subscriptiondomain.ErrPaymentRequired
	}
	if err := checkPayment(sub, payment); err != nil {
		return nil, err
	}
	plan, err := s.loadPlan(ctx, tx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	base := now
	if sub.EndsAt != nil && sub.EndsAt.After(now) {
		base = *sub.EndsAt
	}
	sub.EndsAt = plan.BillingPeriod.PeriodEnd(base)
	sub.CancelAtPeriodEnd = false
	applyPayment(sub, payment)
	sub.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, sub); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, tx, sub, events.TypeSubscriptionRenewed, map[string]any{
		"payment_id": payment.ID.String(),
		"ends_at":    sub.EndsAt,
	}); err != nil {
		return nil, err
	}

	s.log.Info("subscription renewed",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("tenant_id", sub.TenantID.String()),
	)
	return sub, nil
}

// CreateAndActivateTx buys planID for a tenant. A current subscription on the
// same plan is activated or renewed in place; a trial on another plan is
// cancelled and replaced.
func (s *Service) CreateAndActivateTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, planID snowflake.ID, payment *paymentdomain.Payment) (*subscriptiondomain.Subscription, error) {
	if _, err := s.tenants.LockTx(ctx, tx, tenantID); err != nil {
		return nil, err
	}
	current, err := s.repo.FindCurrentByTenant(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		switch {
		case current.PlanID == planID && current.Status == subscriptiondomain.StatusActive:
			return s.RenewTx(ctx, tx, current.ID, payment)
		case current.PlanID == planID:
			return s.ActivateTx(ctx, tx, current.ID, payment)
		case current.Status == subscriptiondomain.StatusTrial:
			if _, err := s.transitionTx(ctx, tx, current, subscriptiondomain.StatusCancelled, "replaced by paid plan"); err != nil {
				return nil, err
			}
		default:
			return nil, subscriptiondomain.ErrCurrentSubscriptionExists
		}
	}

	plan, err := s.loadPlan(ctx, tx, planID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	sub := &subscriptiondomain.Subscription{
		ID:        s.genID.Generate(),
		TenantID:  tenantID,
		PlanID:    plan.ID,
		Status:    subscriptiondomain.StatusActive,
		StartsAt:  now,
		EndsAt:    plan.BillingPeriod.PeriodEnd(now),
		Amount:    plan.Price,
		Currency:  plan.Currency,
		Metadata:  datatypes.JSONMap{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := checkPayment(sub, payment); err != nil {
		return nil, err
	}
	applyPayment(sub, payment)
	if err := s.insert(ctx, tx, sub); err != nil {
		return nil, err
	}
	payload := map[string]any{"from": "none", "plan_id": plan.ID.String(), "ends_at": sub.EndsAt}
	if payment != nil {
		payload["payment_id"] = payment.ID.String()
	}
	if err := s.appendEvent(ctx, tx, sub, events.TypeSubscriptionActivated, payload); err != nil {
		return nil, err
	}

	s.metrics.RecordSubscriptionTransition(ctx, "none", string(subscriptiondomain.StatusActive))
	return sub, nil
}

func (s *Service) Cancel(ctx context.Context, subscriptionID string, reason string, atPeriodEnd bool) (*subscriptiondomain.Subscription, error) {
	id, err := parseID(subscriptionID)
	if err != nil {
		return nil, err
	}
	reason = sanitize.Text(reason)

	var result *subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.LockTx(ctx, tx, id)
		if err != nil {
			return err
		}
		result = sub

		if atPeriodEnd && hasPeriodEnd(sub) && sub.Status.IsCurrent() {
			if sub.CancelAtPeriodEnd {
				return nil
			}
			now := s.clock.Now()
			sub.CancelAtPeriodEnd = true
			if reason != "" {
				sub.CancellationReason = &reason
			}
			sub.UpdatedAt = now
			if err := s.repo.Update(ctx, tx, sub); err != nil {
				return err
			}
			payload := map[string]any{"ends_at": periodEnd(sub)}
			if reason != "" {
				payload["reason"] = reason
			}
			return s.appendEvent(ctx, tx, sub, events.TypeSubscriptionCancelScheduled, payload)
		}

		_, err = s.transitionTx(ctx, tx, sub, subscriptiondomain.StatusCancelled, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(result.TenantID)
	return result, nil
}

// Sweep moves lapsed subscriptions along the lifecycle. Every subscription
// gets its own transaction so one bad row never blocks the rest.
func (s *Service) Sweep(ctx context.Context, limit int) (subscriptiondomain.SweepResult, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	now := s.clock.Now()
	grace := s.gracePeriod()

	var result subscriptiondomain.SweepResult
	ids, err := s.repo.ListDue(ctx, s.db, now, grace, limit)
	if err != nil {
		return result, err
	}
	result.Scanned = len(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		var (
			delta   subscriptiondomain.SweepResult
			touched snowflake.ID
		)
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			touched, err = s.sweepOne(ctx, tx, id, now, grace, &delta)
			return err
		})
		if err != nil {
			result.Failed++
			s.log.Warn("subscription sweep failed",
				zap.String("subscription_id", id.String()),
				zap.Error(err),
			)
			continue
		}
		if touched != 0 {
			s.invalidate(touched)
		}
		result.Expired += delta.Expired
		result.PastDue += delta.PastDue
		result.Cancelled += delta.Cancelled
		result.Suspended += delta.Suspended
	}

	if result.Processed() > 0 || result.Failed > 0 {
		s.log.Info("subscription sweep finished",
			zap.Int("scanned", result.Scanned),
			zap.Int("expired", result.Expired),
			zap.Int("past_due", result.PastDue),
			zap.Int("cancelled", result.Cancelled),
			zap.Int("suspended", result.Suspended),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}

func (s *Service) sweepOne(ctx context.Context, tx *gorm.DB, id snowflake.ID, now time.Time, grace time.Duration, delta *subscriptiondomain.SweepResult) (snowflake.ID, error) {
	sub, err := s.repo.FindByIDForUpdate(ctx, tx, id)
	if err != nil || sub == nil {
		return 0, err
	}
	to, reason := nextStatus(sub, now, grace)
	if to == "" {
		return 0, nil
	}
	if sub.CancellationReason != nil && to == subscriptiondomain.StatusCancelled {
		reason = *sub.CancellationReason
	}
	changed, err := s.transitionTx(ctx, tx, sub, to, reason)
	if err != nil || !changed {
		return 0, err
	}

	switch to {
	case subscriptiondomain.StatusExpired:
		delta.Expired++
	case subscriptiondomain.StatusPastDue:
		delta.PastDue++
		return sub.TenantID, nil
	case subscriptiondomain.StatusCancelled:
		delta.Cancelled++
	}

	others, err := s.repo.CountCurrentByTenant(ctx, tx, sub.TenantID, sub.ID)
	if err != nil {
		return 0, err
	}
	if others > 0 {
		return sub.TenantID, nil
	}
	suspended, err := s.tenants.SuspendIfAllowedTx(ctx, tx, sub.TenantID, "subscription "+string(to))
	if errors.Is(err, tenantdomain.ErrTenantNotFound) {
		return sub.TenantID, nil
	}
	if err != nil {
		return 0, err
	}
	if suspended {
		delta.Suspended++
	}
	return sub.TenantID, nil
}

// nextStatus decides where a lapsed subscription goes. Active subscriptions
// fall into past_due first since active -> expired is not a legal edge.
func nextStatus(sub *subscriptiondomain.Subscription, now time.Time, grace time.Duration) (subscriptiondomain.Status, string) {
	terminal := func(reason string) (subscriptiondomain.Status, string) {
		if sub.CancelAtPeriodEnd {
			return subscriptiondomain.StatusCancelled, "cancelled at period end"
		}
		return subscriptiondomain.StatusExpired, reason
	}

	switch sub.Status {
	case subscriptiondomain.StatusTrial:
		if sub.TrialEndsAt != nil && !now.Before(*sub.TrialEndsAt) {
			return terminal("trial ended")
		}
	case subscriptiondomain.StatusActive:
		if sub.EndsAt != nil && !now.Before(*sub.EndsAt) {
			if sub.CancelAtPeriodEnd {
				return subscriptiondomain.StatusCancelled, "cancelled at period end"
			}
			return subscriptiondomain.StatusPastDue, "period ended"
		}
	case subscriptiondomain.StatusPastDue:
		if sub.EndsAt != nil && !now.Before(sub.EndsAt.Add(grace)) {
			return terminal("grace period ended")
		}
	}
	return "", ""
}

// transitionTx moves sub to status to. It reports false when sub was already there.
func (s *Service) transitionTx(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, to subscriptiondomain.Status, reason string) (bool, error) {
	from := sub.Status
	if from == to {
		return false, nil
	}
	if !subscriptiondomain.CanTransition(from, to) {
		return false, subscriptiondomain.ErrInvalidStateTransition
	}

	now := s.clock.Now()
	sub.Status = to
	if to == subscriptiondomain.StatusCancelled {
		sub.CancelledAt = &now
		if reason != "" {
			sub.CancellationReason = &reason
		}
	}
	sub.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, sub); err != nil {
		return false, err
	}

	payload := map[string]any{"from": string(from), "to": string(to)}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := s.appendEvent(ctx, tx, sub, events.SubscriptionStatusType(string(to)), payload); err != nil {
		return false, err
	}

	s.metrics.RecordSubscriptionTransition(ctx, string(from), string(to))
	s.log.Info("subscription status changed",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("tenant_id", sub.TenantID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return true, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*subscriptiondomain.Subscription, error) {
	subID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	return notFound(s.repo.FindByID(ctx, s.db, subID))
}

func (s *Service) GetCurrent(ctx context.Context, tenantID string) (*subscriptiondomain.Subscription, error) {
	tid, err := parseTenantID(tenantID)
	if err != nil {
		return nil, err
	}
	return notFound(s.repo.FindCurrentByTenant(ctx, s.db, tid))
}

func (s *Service) ListByTenant(ctx context.Context, tenantID string) ([]subscriptiondomain.Subscription, error) {
	tid, err := parseTenantID(tenantID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListByTenant(ctx, s.db, tid)
}

func (s *Service) LockTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return notFound(s.repo.FindByIDForUpdate(ctx, tx, id))
}

func (s *Service) ensureNoCurrent(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) error {
	current, err := s.repo.FindCurrentByTenant(ctx, tx, tenantID)
	if err != nil {
		return err
	}
	if current != nil {
		return subscriptiondomain.ErrCurrentSubscriptionExists
	}
	return nil
}

func (s *Service) loadPlan(ctx context.Context, tx *gorm.DB, planID snowflake.ID) (*plandomain.Plan, error) {
	plan, err := s.repo.FindPlan(ctx, tx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, subscriptiondomain.ErrPlanNotFound
	}
	if !plan.IsActive {
		return nil, plandomain.ErrPlanInactive
	}
	return plan, nil
}

// insert maps a race on the one-current-subscription index to the same error
// the pre-check returns.
func (s *Service) insert(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
	if err := s.repo.Insert(ctx, tx, sub); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return subscriptiondomain.ErrCurrentSubscriptionExists
		}
		return err
	}
	return nil
}

func (s *Service) appendEvent(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, eventType string, payload map[string]any) error {
	payload["subscription_id"] = sub.ID.String()
	payload["status"] = string(sub.Status)
	tenantID := sub.TenantID
	return s.outbox.Append(ctx, tx, events.Event{
		Type:          eventType,
		AggregateType: events.AggregateSubscription,
		AggregateID:   sub.ID.String(),
		TenantID:      &tenantID,
		Payload:       payload,
	})
}

func (s *Service) Invalidate(tenantID snowflake.ID) {
	s.invalidate(tenantID)
}

func (s *Service) invalidate(tenantID snowflake.ID) {
	if s.cache != nil {
		s.cache.Invalidate(tenantID)
	}
}

func (s *Service) gracePeriod() time.Duration {
	if s.cfg.Subscription.GracePeriod > 0 {
		return s.cfg.Subscription.GracePeriod
	}
	return defaultGracePeriod
}

// checkPayment requires an approved payment from the same tenant. Gateway
// methods may also settle as completed, or activate without a payment row.
func checkPayment(sub *subscriptiondomain.Subscription, payment *paymentdomain.Payment) error {
	if payment == nil {
		if sub.PaymentMethod != nil && sub.PaymentMethod.IsAutomatic() {
			return nil
		}
		return subscriptiondomain.ErrPaymentRequired
	}
	if payment.TenantID != sub.TenantID {
		return subscriptiondomain.ErrPaymentTenantMismatch
	}
	switch payment.Status {
	case paymentdomain.StatusApproved:
		return nil
	case paymentdomain.StatusCompleted:
		if payment.PaymentMethod.IsAutomatic() {
			return nil
		}
	}
	return subscriptiondomain.ErrPaymentRequired
}

func applyPayment(sub *subscriptiondomain.Subscription, payment *paymentdomain.Payment) {
	if payment == nil {
		return
	}
	method := payment.PaymentMethod
	sub.PaymentMethod = &method
	sub.Amount = payment.Amount
	sub.Currency = payment.Currency
}

// hasPeriodEnd is false for lifetime plans and for manual subscriptions still
// waiting on their first payment; those cancel immediately.
func hasPeriodEnd(sub *subscriptiondomain.Subscription) bool {
	if sub.Status == subscriptiondomain.StatusTrial {
		return sub.TrialEndsAt != nil
	}
	return sub.EndsAt != nil
}

func periodEnd(sub *subscriptiondomain.Subscription) *time.Time {
	if sub.Status == subscriptiondomain.StatusTrial {
		return sub.TrialEndsAt
	}
	return sub.EndsAt
}

func withoutKey(m datatypes.JSONMap, key string) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range m {
		if k != key {
			out[k] = v
		}
	}
	return out
}

func notFound(sub *subscriptiondomain.Subscription, err error) (*subscriptiondomain.Subscription, error) {
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, subscriptiondomain.ErrInvalidSubscriptionID
	}
	return id, nil
}

func parseTenantID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, tenantdomain.ErrInvalidTenantID
	}
	return id, nil
}

func parseTenantAndPlan(tenantID, planID string) (snowflake.ID, snowflake.ID, error) {
	tid, err := parseTenantID(tenantID)
	if err != nil {
		return 0, 0, err
	}
	pid, err := snowflake.ParseString(strings.TrimSpace(planID))
	if err != nil || pid == 0 {
		return 0, 0, plandomain.ErrInvalidPlanID
	}
	return tid, pid, nil
}
