package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/models"
)

// UpsertPaymentIntent inserts an intent if it is unknown. Existing intents are
// never overwritten: webhook deliveries are out of order and the provider is
// re-queried for the authoritative status. It reports whether a row was inserted.
func (s *Store) UpsertPaymentIntent(ctx context.Context, p *models.PaymentIntent) (bool, error) {
	p.CreatedAt, p.UpdatedAt = utc(p.CreatedAt), utc(p.UpdatedAt)
	n, err := s.exec(ctx, `
		INSERT INTO payment_intents (id, purpose, related_entity_id, amount, status,
			needs_reconciliation, created_at, processed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.Purpose, p.RelatedEntityID, p.Amount, p.Status,
		p.NeedsReconciliation, p.CreatedAt, p.ProcessedAt, p.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to upsert payment intent: %w", err)
	}
	return n == 1, nil
}

// GetPaymentIntent retrieves a payment intent by provider ID
func (s *Store) GetPaymentIntent(ctx context.Context, id string) (*models.PaymentIntent, error) {
	var p models.PaymentIntent
	err := s.get(ctx, &p, "SELECT * FROM payment_intents WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// TransitionPaymentIntent moves an intent out of pending. Only one caller can
// win this transition; the rest see false.
func (s *Store) TransitionPaymentIntent(ctx context.Context, id, to string, now time.Time) (bool, error) {
	now = utc(now)
	n, err := s.exec(ctx, `
		UPDATE payment_intents SET status = ?, processed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		to, now, now, id, models.PaymentStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to transition payment intent: %w", err)
	}
	return n == 1, nil
}

// FlagPaymentForReconciliation marks an intent for manual review. It reports
// false when the flag was already set.
func (s *Store) FlagPaymentForReconciliation(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE payment_intents SET needs_reconciliation = ?, updated_at = ?
		WHERE id = ? AND needs_reconciliation = ?`,
		true, utc(now), id, false)
	if err != nil {
		return false, fmt.Errorf("failed to flag payment intent: %w", err)
	}
	return n == 1, nil
}

// ListStuckPendingPayments lists pending intents created before cutoff that are not flagged yet
func (s *Store) ListStuckPendingPayments(ctx context.Context, cutoff time.Time, limit uint64) ([]models.PaymentIntent, error) {
	var intents []models.PaymentIntent
	err := s.selectBuilt(ctx, &intents, s.builder.
		Select("*").
		From("payment_intents").
		Where("status = ?", models.PaymentStatusPending).
		Where("needs_reconciliation = ?", false).
		Where("created_at <= ?", utc(cutoff)).
		OrderBy("created_at").
		Limit(limit))
	return intents, err
}

// RecordWebhookEvent stores a delivery ID. It reports false for a redelivery.
func (s *Store) RecordWebhookEvent(ctx context.Context, eventID, intentID string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `
		INSERT INTO webhook_events (event_id, payment_intent_id, received_at)
		VALUES (?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, intentID, utc(now))
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	return n == 1, nil
}
