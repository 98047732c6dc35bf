package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/Shubh17ss/locumbnb-sub003/internal/eventbus"
	"github.com/Shubh17ss/locumbnb-sub003/internal/keymutex"
	"github.com/Shubh17ss/locumbnb-sub003/internal/scheduler"
	"github.com/shopspring/decimal"
)

// Store persists payments and dispute holds. Lookups return (nil, nil) when
// nothing matches.
type Store interface {
	SavePayment(ctx context.Context, p *domain.EscrowPayment) error
	GetPayment(ctx context.Context, id string) (*domain.EscrowPayment, error)
	GetPaymentByAssignment(ctx context.Context, assignmentID string) (*domain.EscrowPayment, error)
	ListPayments(ctx context.Context) ([]domain.EscrowPayment, error)
	SaveHold(ctx context.Context, h *domain.DisputePaymentHold) error
	GetHoldByDispute(ctx context.Context, disputeID string) (*domain.DisputePaymentHold, error)
}

// Emitter publishes platform events.
type Emitter interface {
	Emit(ctx context.Context, eventType domain.EventType, payload domain.Payload, opts ...eventbus.EmitOption) (*domain.PlatformEvent, error)
}

// JobScheduler queues delayed transitions.
type JobScheduler interface {
	Schedule(ctx context.Context, job scheduler.Job) error
}

// PayoutProvider moves released funds to the physician.
type PayoutProvider interface {
	Payout(ctx context.Context, payment domain.EscrowPayment) (string, error)
}

// FailureRecorder blocks an assignment's workflow when the escrow side of a
// transition fails.
type FailureRecorder interface {
	RecordError(ctx context.Context, assignmentID string, stage domain.WorkflowStage, msg string) (domain.WorkflowState, error)
}

type Config struct {
	FeePercentage decimal.Decimal
	DisputeFee    decimal.Decimal
	Provider      string
}

// DefaultDisputeFee is charged to the party that opens a dispute.
var DefaultDisputeFee = decimal.NewFromInt(300)

// Service is the stateful side of the escrow engine. It loads a payment,
// applies one pure transition under a per-payment lock, saves it and emits
// the resulting events once the lock is released.
type Service struct {
	store    Store
	bus      Emitter
	jobs     JobScheduler
	payouts  PayoutProvider
	failures FailureRecorder
	locks    *keymutex.Map
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store Store, bus Emitter, cfg Config, logger *slog.Logger) *Service {
	if cfg.FeePercentage.IsZero() {
		cfg.FeePercentage = DefaultFeePercentage
	}
	if cfg.DisputeFee.IsZero() {
		cfg.DisputeFee = DefaultDisputeFee
	}
	if cfg.Provider == "" {
		cfg.Provider = DefaultProvider
	}
	return &Service{
		store:  store,
		bus:    bus,
		locks:  keymutex.New(),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SetScheduler wires the durable job table used for automatic release.
func (s *Service) SetScheduler(jobs JobScheduler) {
	s.jobs = jobs
}

// SetPayoutProvider wires the payment provider called on release.
func (s *Service) SetPayoutProvider(p PayoutProvider) {
	s.payouts = p
}

func (s *Service) SetFailureRecorder(r FailureRecorder) {
	s.failures = r
}

// SetClock overrides the time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

type pendingEvent struct {
	eventType domain.EventType
	payload   domain.Payload
}

func (s *Service) emit(ctx context.Context, actor string, events ...pendingEvent) {
	var opts []eventbus.EmitOption
	if actor != "" && actor != "system" {
		opts = append(opts, eventbus.WithUser(actor, "user"))
	}
	for _, e := range events {
		if _, err := s.bus.Emit(ctx, e.eventType, e.payload, opts...); err != nil {
			s.logger.Error("failed to emit escrow event", "event_type", e.eventType, "error", err)
		}
	}
}

func (s *Service) load(ctx context.Context, id string) (domain.EscrowPayment, error) {
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return domain.EscrowPayment{}, fmt.Errorf("loading payment %s: %w", id, err)
	}
	if p == nil {
		return domain.EscrowPayment{}, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return *p, nil
}

// CreateForAssignment opens the escrow payment for an assignment. A second
// call for the same assignment returns the existing payment.
func (s *Service) CreateForAssignment(ctx context.Context, params CreateParams) (domain.EscrowPayment, error) {
	unlock := s.locks.Lock("assignment:" + params.AssignmentID)

	existing, err := s.store.GetPaymentByAssignment(ctx, params.AssignmentID)
	if err != nil {
		unlock()
		return domain.EscrowPayment{}, fmt.Errorf("checking existing payment: %w", err)
	}
	if existing != nil {
		unlock()
		return *existing, nil
	}

	if !params.FeePercentage.Valid {
		params.FeePercentage = decimal.NewNullDecimal(s.cfg.FeePercentage)
	}
	if params.Provider == "" {
		params.Provider = s.cfg.Provider
	}
	p, err := Create(params, s.now().UTC())
	if err != nil {
		unlock()
		return domain.EscrowPayment{}, err
	}
	if err := s.store.SavePayment(ctx, &p); err != nil {
		unlock()
		return domain.EscrowPayment{}, fmt.Errorf("saving payment: %w", err)
	}
	unlock()

	s.logger.Info("escrow payment created",
		"payment_id", p.ID,
		"assignment_id", p.AssignmentID,
		"assignment_value", p.AssignmentValue.StringFixed(2),
		"platform_fee", p.PlatformFee.Amount.StringFixed(2),
	)
	s.emit(ctx, params.CreatedBy, pendingEvent{domain.EventEscrowCreated, domain.EscrowCreated{
		PaymentID:       p.ID,
		AssignmentID:    p.AssignmentID,
		AssignmentValue: p.AssignmentValue,
		PlatformFee:     p.PlatformFee.Amount,
		FundingDeadline: p.FundingDeadline,
	}})
	return p, nil
}

// Fund marks a payment escrowed and schedules its automatic release.
func (s *Service) Fund(ctx context.Context, paymentID, providerTxnID, actor string) (domain.EscrowPayment, error) {
	unlock := s.locks.Lock(paymentID)
	p, err := s.load(ctx, paymentID)
	if err == nil {
		p, err = Fund(p, providerTxnID, actor, s.now().UTC())
	}
	if err == nil {
		err = s.save(ctx, &p)
	}
	unlock()
	if err != nil {
		return domain.EscrowPayment{}, err
	}

	s.scheduleAutoRelease(ctx, p)
	s.logger.Info("escrow funded", "payment_id", p.ID, "assignment_id", p.AssignmentID, "release_scheduled_at", p.ReleaseScheduledAt)
	s.emit(ctx, actor, pendingEvent{domain.EventEscrowFunded, domain.EscrowFunded{
		PaymentID:             p.ID,
		AssignmentID:          p.AssignmentID,
		ProviderTransactionID: p.ProviderTransactionID,
		FundedAt:              *p.FundedAt,
		ReleaseScheduledAt:    p.ReleaseScheduledAt,
	}})
	return p, nil
}

func (s *Service) scheduleAutoRelease(ctx context.Context, p domain.EscrowPayment) {
	if s.jobs == nil {
		return
	}
	err := s.jobs.Schedule(ctx, scheduler.Job{
		Kind:   scheduler.KindEscrowAutoRelease,
		Key:    p.ID,
		FireAt: p.ReleaseScheduledAt,
	})
	if err != nil {
		s.logger.Error("failed to schedule auto release", "payment_id", p.ID, "error", err)
	}
}

// DisputeRequest opens a dispute on a payment.
type DisputeRequest struct {
	PaymentID string
	DisputeParams
}

// InitiateDispute holds the payment's funds for the dispute.
func (s *Service) InitiateDispute(ctx context.Context, req DisputeRequest) (domain.EscrowPayment, domain.DisputePaymentHold, error) {
	unlock := s.locks.Lock(req.PaymentID)
	var hold domain.DisputePaymentHold
	p, err := s.load(ctx, req.PaymentID)
	if err == nil {
		p, hold, err = InitiateDispute(p, req.DisputeParams, s.now().UTC())
	}
	if err == nil {
		err = s.save(ctx, &p)
	}
	if err == nil {
		err = s.saveHold(ctx, &hold)
	}
	unlock()
	if err != nil {
		return domain.EscrowPayment{}, domain.DisputePaymentHold{}, err
	}

	s.logger.Warn("escrow payment held for dispute",
		"payment_id", p.ID,
		"assignment_id", p.AssignmentID,
		"dispute_id", hold.DisputeID,
		"initiated_by", hold.HeldBy,
	)
	s.emit(ctx, req.InitiatedBy,
		pendingEvent{domain.EventEscrowHeld, domain.EscrowHeld{
			PaymentID:    p.ID,
			AssignmentID: p.AssignmentID,
			DisputeID:    hold.DisputeID,
			HeldAmount:   hold.HeldAmount,
		}},
		pendingEvent{domain.EventDisputeInitiated, domain.DisputeInitiated{
			DisputeID:    hold.DisputeID,
			PaymentID:    p.ID,
			AssignmentID: p.AssignmentID,
			HoldID:       hold.ID,
			InitiatedBy:  hold.HeldBy,
			Role:         hold.HeldByRole,
			Reason:       hold.Reason,
			HeldAmount:   hold.HeldAmount,
		}},
	)
	return p, hold, nil
}

// Release pays out an escrowed payment on request.
func (s *Service) Release(ctx context.Context, paymentID, actor string) (domain.EscrowPayment, error) {
	return s.release(ctx, paymentID, actor, false)
}

// ReleaseIfDue performs the automatic release when it is due. It reports
// ErrNotDue, ErrAlreadyReleased or an invalid transition otherwise.
func (s *Service) ReleaseIfDue(ctx context.Context, paymentID string) (domain.EscrowPayment, error) {
	return s.release(ctx, paymentID, "system", true)
}

func (s *Service) release(ctx context.Context, paymentID, actor string, automatic bool) (domain.EscrowPayment, error) {
	unlock := s.locks.Lock(paymentID)
	defer func() {
		if unlock != nil {
			unlock()
		}
	}()

	p, err := s.load(ctx, paymentID)
	if err != nil {
		return domain.EscrowPayment{}, err
	}
	now := s.now().UTC()
	var next domain.EscrowPayment
	if automatic {
		next, err = ReleaseScheduled(p, now)
	} else {
		next, err = Release(p, actor, now)
	}
	if err != nil {
		return p, err
	}

	transferID, err := s.payout(ctx, p)
	if err != nil {
		return p, err
	}
	if err := s.save(ctx, &next); err != nil {
		return p, err
	}
	unlock()
	unlock = nil

	s.logger.Info("escrow released",
		"payment_id", next.ID,
		"assignment_id", next.AssignmentID,
		"payout", next.PhysicianPayout.StringFixed(2),
		"automatic", automatic,
	)
	s.emit(ctx, actor, pendingEvent{domain.EventEscrowReleased, domain.EscrowReleased{
		PaymentID:       next.ID,
		AssignmentID:    next.AssignmentID,
		PhysicianPayout: next.PhysicianPayout,
		ReleasedAt:      *next.ReleasedAt,
		Automatic:       automatic,
		TransferID:      transferID,
	}})
	return next, nil
}

func (s *Service) payout(ctx context.Context, p domain.EscrowPayment) (string, error) {
	if s.payouts == nil {
		return "", nil
	}
	transferID, err := s.payouts.Payout(ctx, p)
	if err != nil {
		return "", fmt.Errorf("paying out %s: %w", p.ID, err)
	}
	return transferID, nil
}

// ResolveRequest closes the hold opened for a dispute.
type ResolveRequest struct {
	DisputeID  string
	Resolution domain.DisputeResolution
	Amounts    ResolutionAmounts
	ResolvedBy string
}

// ResolveDispute applies an admin decision to a held payment.
func (s *Service) ResolveDispute(ctx context.Context, req ResolveRequest) (domain.DisputePaymentHold, domain.EscrowPayment, error) {
	found, err := s.store.GetHoldByDispute(ctx, req.DisputeID)
	if err != nil {
		return domain.DisputePaymentHold{}, domain.EscrowPayment{}, fmt.Errorf("loading hold: %w", err)
	}
	if found == nil {
		return domain.DisputePaymentHold{}, domain.EscrowPayment{}, fmt.Errorf("dispute %s: %w", req.DisputeID, ErrNotFound)
	}

	unlock := s.locks.Lock(found.PaymentID)
	hold, p, transferID, err := s.resolveLocked(ctx, found.ID, req)
	unlock()
	if err != nil {
		return domain.DisputePaymentHold{}, domain.EscrowPayment{}, err
	}

	s.logger.Info("dispute resolved",
		"dispute_id", hold.DisputeID,
		"payment_id", p.ID,
		"resolution", req.Resolution,
		"payment_status", p.Status,
	)

	events := []pendingEvent{{domain.EventDisputeResolved, domain.DisputeResolved{
		DisputeID:      hold.DisputeID,
		PaymentID:      p.ID,
		AssignmentID:   p.AssignmentID,
		Resolution:     req.Resolution,
		ReleasedAmount: *hold.ReleasedAmount,
		RefundedAmount: *hold.RefundedAmount,
		PaymentStatus:  p.Status,
	}}}
	switch p.Status {
	case domain.PaymentReleased:
		events = append(events, pendingEvent{domain.EventEscrowReleased, domain.EscrowReleased{
			PaymentID:       p.ID,
			AssignmentID:    p.AssignmentID,
			PhysicianPayout: p.PhysicianPayout,
			ReleasedAt:      *p.ReleasedAt,
			TransferID:      transferID,
		}})
	case domain.PaymentRefunded:
		events = append(events, pendingEvent{domain.EventEscrowRefunded, domain.EscrowRefunded{
			PaymentID:      p.ID,
			AssignmentID:   p.AssignmentID,
			RefundedAmount: *hold.RefundedAmount,
		}})
	}
	s.emit(ctx, req.ResolvedBy, events...)
	return hold, p, nil
}

func (s *Service) resolveLocked(ctx context.Context, holdID string, req ResolveRequest) (domain.DisputePaymentHold, domain.EscrowPayment, string, error) {
	h, err := s.store.GetHoldByDispute(ctx, req.DisputeID)
	if err != nil {
		return domain.DisputePaymentHold{}, domain.EscrowPayment{}, "", fmt.Errorf("reloading hold: %w", err)
	}
	if h == nil || h.ID != holdID {
		return domain.DisputePaymentHold{}, domain.EscrowPayment{}, "", fmt.Errorf("dispute %s: %w", req.DisputeID, ErrNotFound)
	}
	p, err := s.load(ctx, h.PaymentID)
	if err != nil {
		return domain.DisputePaymentHold{}, domain.EscrowPayment{}, "", err
	}

	hold, next, err := ResolveDispute(*h, p, req.Resolution, req.Amounts, req.ResolvedBy, s.now().UTC())
	if err != nil {
		return domain.DisputePaymentHold{}, domain.EscrowPayment{}, "", err
	}

	var transferID string
	if next.Status == domain.PaymentReleased {
		if transferID, err = s.payout(ctx, p); err != nil {
			return domain.DisputePaymentHold{}, domain.EscrowPayment{}, "", err
		}
	}
	if err := s.save(ctx, &next); err != nil {
		return domain.DisputePaymentHold{}, domain.EscrowPayment{}, "", err
	}
	if err := s.saveHold(ctx, &hold); err != nil {
		return domain.DisputePaymentHold{}, domain.EscrowPayment{}, "", err
	}
	return hold, next, transferID, nil
}

// Cancel ends a payment.
func (s *Service) Cancel(ctx context.Context, paymentID, actor string) (domain.EscrowPayment, error) {
	unlock := s.locks.Lock(paymentID)
	p, err := s.load(ctx, paymentID)
	from := p.Status
	if err == nil {
		p, err = Cancel(p, actor, s.now().UTC())
	}
	if err == nil {
		err = s.save(ctx, &p)
	}
	unlock()
	if err != nil {
		return domain.EscrowPayment{}, err
	}

	s.logger.Info("escrow cancelled", "payment_id", p.ID, "assignment_id", p.AssignmentID, "from", from)
	s.emit(ctx, actor, pendingEvent{domain.EventEscrowCancelled, domain.EscrowCancelled{
		PaymentID:    p.ID,
		AssignmentID: p.AssignmentID,
		From:         from,
	}})
	return p, nil
}

func (s *Service) Get(ctx context.Context, paymentID string) (domain.EscrowPayment, error) {
	return s.load(ctx, paymentID)
}

func (s *Service) GetByAssignment(ctx context.Context, assignmentID string) (domain.EscrowPayment, error) {
	p, err := s.store.GetPaymentByAssignment(ctx, assignmentID)
	if err != nil {
		return domain.EscrowPayment{}, fmt.Errorf("loading payment for %s: %w", assignmentID, err)
	}
	if p == nil {
		return domain.EscrowPayment{}, fmt.Errorf("payment for assignment %s: %w", assignmentID, ErrNotFound)
	}
	return *p, nil
}

// Eligibility reports whether the payment may be disputed right now.
func (s *Service) Eligibility(ctx context.Context, paymentID string) (DisputeEligibility, error) {
	p, err := s.load(ctx, paymentID)
	if err != nil {
		return DisputeEligibility{}, err
	}
	return CanDispute(p, s.now().UTC()), nil
}

// PaymentStats summarizes payments by status and money in flight.
type PaymentStats struct {
	Total          int                          `json:"total"`
	ByStatus       map[domain.PaymentStatus]int `json:"by_status"`
	EscrowedAmount decimal.Decimal              `json:"escrowed_amount"`
	HeldAmount     decimal.Decimal              `json:"held_amount"`
	ReleasedAmount decimal.Decimal              `json:"released_amount"`
	FeesCollected  decimal.Decimal              `json:"fees_collected"`
}

func (s *Service) Stats(ctx context.Context) (PaymentStats, error) {
	payments, err := s.store.ListPayments(ctx)
	if err != nil {
		return PaymentStats{}, fmt.Errorf("listing payments: %w", err)
	}

	stats := PaymentStats{ByStatus: make(map[domain.PaymentStatus]int)}
	for _, p := range payments {
		stats.Total++
		stats.ByStatus[p.Status]++
		switch p.Status {
		case domain.PaymentEscrowed:
			stats.EscrowedAmount = stats.EscrowedAmount.Add(p.AssignmentValue)
		case domain.PaymentHeld:
			stats.HeldAmount = stats.HeldAmount.Add(p.AssignmentValue)
		case domain.PaymentReleased:
			stats.ReleasedAmount = stats.ReleasedAmount.Add(p.PhysicianPayout)
			stats.FeesCollected = stats.FeesCollected.Add(p.PlatformFee.Amount)
		}
	}
	return stats, nil
}

func (s *Service) save(ctx context.Context, p *domain.EscrowPayment) error {
	if err := s.store.SavePayment(ctx, p); err != nil {
		return fmt.Errorf("saving payment %s: %w", p.ID, err)
	}
	return nil
}

func (s *Service) saveHold(ctx context.Context, h *domain.DisputePaymentHold) error {
	if err := s.store.SaveHold(ctx, h); err != nil {
		return fmt.Errorf("saving hold %s: %w", h.ID, err)
	}
	return nil
}
