package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

func (s *PostgresStore) SavePayment(ctx context.Context, p *domain.EscrowPayment) error {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling payment metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO escrow_payments (
			id, assignment_id, physician_id, facility_id, assignment_value,
			fee_percentage, fee_amount, fee_calculated_at, physician_payout,
			provider, provider_transaction_id, status,
			funding_deadline, funded_at, release_scheduled_at, released_at,
			dispute_window_start, dispute_window_end, dispute_initiated_at,
			created_at, updated_at, created_by, last_modified_by, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (id) DO UPDATE SET
			provider_transaction_id = EXCLUDED.provider_transaction_id,
			status = EXCLUDED.status,
			funded_at = EXCLUDED.funded_at,
			released_at = EXCLUDED.released_at,
			dispute_initiated_at = EXCLUDED.dispute_initiated_at,
			updated_at = EXCLUDED.updated_at,
			last_modified_by = EXCLUDED.last_modified_by
	`,
		p.ID, p.AssignmentID, p.PhysicianID, p.FacilityID, p.AssignmentValue,
		p.PlatformFee.Percentage, p.PlatformFee.Amount, p.PlatformFee.CalculatedAt, p.PhysicianPayout,
		p.Provider, p.ProviderTransactionID, p.Status,
		p.FundingDeadline, p.FundedAt, p.ReleaseScheduledAt, p.ReleasedAt,
		p.DisputeWindowStart, p.DisputeWindowEnd, p.DisputeInitiatedAt,
		p.CreatedAt, p.UpdatedAt, p.CreatedBy, p.LastModifiedBy, meta,
	)
	if err != nil {
		return fmt.Errorf("upserting payment: %w", err)
	}
	return nil
}

const paymentColumns = `id, assignment_id, physician_id, facility_id, assignment_value,
	fee_percentage, fee_amount, fee_calculated_at, physician_payout,
	provider, provider_transaction_id, status,
	funding_deadline, funded_at, release_scheduled_at, released_at,
	dispute_window_start, dispute_window_end, dispute_initiated_at,
	created_at, updated_at, created_by, last_modified_by, metadata`

func scanPayment(row pgx.Row) (*domain.EscrowPayment, error) {
	var (
		p    domain.EscrowPayment
		meta []byte
	)
	err := row.Scan(
		&p.ID, &p.AssignmentID, &p.PhysicianID, &p.FacilityID, &p.AssignmentValue,
		&p.PlatformFee.Percentage, &p.PlatformFee.Amount, &p.PlatformFee.CalculatedAt, &p.PhysicianPayout,
		&p.Provider, &p.ProviderTransactionID, &p.Status,
		&p.FundingDeadline, &p.FundedAt, &p.ReleaseScheduledAt, &p.ReleasedAt,
		&p.DisputeWindowStart, &p.DisputeWindowEnd, &p.DisputeInitiatedAt,
		&p.CreatedAt, &p.UpdatedAt, &p.CreatedBy, &p.LastModifiedBy, &meta,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &p.Metadata); err != nil {
		return nil, fmt.Errorf("decoding payment metadata: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) getPayment(ctx context.Context, where string, arg string) (*domain.EscrowPayment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM escrow_payments WHERE `+where+` = $1`, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying payment: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*domain.EscrowPayment, error) {
	return s.getPayment(ctx, "id", id)
}

func (s *PostgresStore) GetPaymentByAssignment(ctx context.Context, assignmentID string) (*domain.EscrowPayment, error) {
	return s.getPayment(ctx, "assignment_id", assignmentID)
}

func (s *PostgresStore) ListPayments(ctx context.Context) ([]domain.EscrowPayment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+paymentColumns+` FROM escrow_payments ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying payments: %w", err)
	}
	defer rows.Close()

	payments := []domain.EscrowPayment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (s *PostgresStore) SaveHold(ctx context.Context, h *domain.DisputePaymentHold) error {
	var resolution *string
	if h.Resolution != nil {
		r := string(*h.Resolution)
		resolution = &r
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO dispute_payment_holds (
			id, payment_id, dispute_id, held_at, held_by, held_by_role, reason,
			original_amount, held_amount, resolved_at, resolution, released_amount, refunded_amount
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			held_amount = EXCLUDED.held_amount,
			resolved_at = EXCLUDED.resolved_at,
			resolution = EXCLUDED.resolution,
			released_amount = EXCLUDED.released_amount,
			refunded_amount = EXCLUDED.refunded_amount
	`,
		h.ID, h.PaymentID, h.DisputeID, h.HeldAt, h.HeldBy, h.HeldByRole, h.Reason,
		h.OriginalAmount, h.HeldAmount, h.ResolvedAt, resolution,
		nullDecimal(h.ReleasedAmount), nullDecimal(h.RefundedAmount),
	)
	if err != nil {
		return fmt.Errorf("upserting dispute hold: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHoldByDispute(ctx context.Context, disputeID string) (*domain.DisputePaymentHold, error) {
	var (
		h                  domain.DisputePaymentHold
		resolution         *string
		released, refunded decimal.NullDecimal
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, payment_id, dispute_id, held_at, held_by, held_by_role, reason,
			original_amount, held_amount, resolved_at, resolution, released_amount, refunded_amount
		FROM dispute_payment_holds WHERE dispute_id = $1
	`, disputeID).Scan(
		&h.ID, &h.PaymentID, &h.DisputeID, &h.HeldAt, &h.HeldBy, &h.HeldByRole, &h.Reason,
		&h.OriginalAmount, &h.HeldAmount, &h.ResolvedAt, &resolution, &released, &refunded,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying dispute hold: %w", err)
	}

	if resolution != nil {
		r := domain.DisputeResolution(*resolution)
		h.Resolution = &r
	}
	if released.Valid {
		h.ReleasedAmount = &released.Decimal
	}
	if refunded.Valid {
		h.RefundedAmount = &refunded.Decimal
	}
	return &h, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}
