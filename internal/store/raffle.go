package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"settlement-service/internal/models"
)

// CreateRound inserts a raffle round. The unique index on open rounds makes a
// second open round fail.
func (s *Store) CreateRound(ctx context.Context, r *models.RaffleRound) error {
	r.OpenedAt = utc(r.OpenedAt)
	_, err := s.exec(ctx, `
		INSERT INTO raffle_rounds (id, status, ticket_price, total_tickets_sold, max_tickets,
			winning_ticket_id, opened_at, closed_at, drawn_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Status, r.TicketPrice, r.TotalTicketsSold, r.MaxTickets,
		r.WinningTicketID, r.OpenedAt, r.ClosedAt, r.DrawnAt)
	if err != nil {
		return fmt.Errorf("failed to create raffle round: %w", err)
	}
	return nil
}

// GetRound retrieves a raffle round by ID
func (s *Store) GetRound(ctx context.Context, id string) (*models.RaffleRound, error) {
	var r models.RaffleRound
	err := s.get(ctx, &r, "SELECT * FROM raffle_rounds WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetOpenRound returns the single open round
func (s *Store) GetOpenRound(ctx context.Context) (*models.RaffleRound, error) {
	var r models.RaffleRound
	err := s.get(ctx, &r, "SELECT * FROM raffle_rounds WHERE status = ?", models.RoundStatusOpen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ReserveTicketNumbers advances the round counter by quantity and returns the
// new total. The counter only moves while the round is open and the cap holds;
// ok is false otherwise.
func (s *Store) ReserveTicketNumbers(ctx context.Context, roundID string, quantity int) (total int, ok bool, err error) {
	err = s.get(ctx, &total, `
		UPDATE raffle_rounds SET total_tickets_sold = total_tickets_sold + ?
		WHERE id = ? AND status = ?
		  AND (max_tickets IS NULL OR total_tickets_sold + ? <= max_tickets)
		RETURNING total_tickets_sold`,
		quantity, roundID, models.RoundStatusOpen, quantity)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to reserve ticket numbers: %w", err)
	}
	return total, true, nil
}

// CloseRound moves an open round to closed
func (s *Store) CloseRound(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE raffle_rounds SET status = ?, closed_at = ?
		WHERE id = ? AND status = ?`,
		models.RoundStatusClosed, utc(now), id, models.RoundStatusOpen)
	if err != nil {
		return false, fmt.Errorf("failed to close round: %w", err)
	}
	return n == 1, nil
}

// MarkRoundDrawn records the winning ticket of a closed round
func (s *Store) MarkRoundDrawn(ctx context.Context, id, ticketID string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE raffle_rounds SET status = ?, winning_ticket_id = ?, drawn_at = ?
		WHERE id = ? AND status = ?`,
		models.RoundStatusDrawn, ticketID, utc(now), id, models.RoundStatusClosed)
	if err != nil {
		return false, fmt.Errorf("failed to mark round drawn: %w", err)
	}
	return n == 1, nil
}

// CreatePurchase inserts a purchase. It reports false if the ID already exists.
func (s *Store) CreatePurchase(ctx context.Context, p *models.RafflePurchase) (bool, error) {
	p.CreatedAt, p.UpdatedAt = utc(p.CreatedAt), utc(p.UpdatedAt)
	n, err := s.exec(ctx, `
		INSERT INTO raffle_purchases (id, round_id, buyer_id, quantity, first_ticket_number,
			last_ticket_number, status, reject_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.RoundID, p.BuyerID, p.Quantity, p.FirstTicketNumber,
		p.LastTicketNumber, p.Status, p.RejectReason, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to create purchase: %w", err)
	}
	return n == 1, nil
}

// GetPurchase retrieves a purchase by ID
func (s *Store) GetPurchase(ctx context.Context, id string) (*models.RafflePurchase, error) {
	var p models.RafflePurchase
	err := s.get(ctx, &p, "SELECT * FROM raffle_purchases WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateTicket inserts a ticket
func (s *Store) CreateTicket(ctx context.Context, t *models.RaffleTicket) error {
	t.PurchasedAt = utc(t.PurchasedAt)
	_, err := s.exec(ctx, `
		INSERT INTO raffle_tickets (id, round_id, purchase_id, buyer_id, ticket_number, status, purchased_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RoundID, t.PurchaseID, t.BuyerID, t.TicketNumber, t.Status, t.PurchasedAt)
	if err != nil {
		return fmt.Errorf("failed to create ticket %d: %w", t.TicketNumber, err)
	}
	return nil
}

// GetTicketsByRound lists tickets of a round ordered by number
func (s *Store) GetTicketsByRound(ctx context.Context, roundID string) ([]models.RaffleTicket, error) {
	var tickets []models.RaffleTicket
	err := s.selectRows(ctx, &tickets,
		"SELECT * FROM raffle_tickets WHERE round_id = ? ORDER BY ticket_number", roundID)
	return tickets, err
}

// GetConfirmedTickets lists tickets of a round eligible for the draw
func (s *Store) GetConfirmedTickets(ctx context.Context, roundID string) ([]models.RaffleTicket, error) {
	var tickets []models.RaffleTicket
	err := s.selectRows(ctx, &tickets,
		"SELECT * FROM raffle_tickets WHERE round_id = ? AND status = ? ORDER BY ticket_number",
		roundID, models.TicketStatusConfirmed)
	return tickets, err
}

// TransitionPurchase performs a guarded purchase status change and applies the
// matching status to its tickets
func (s *Store) TransitionPurchase(ctx context.Context, id, from, to, ticketStatus string, now time.Time) (bool, error) {
	now = utc(now)
	n, err := s.exec(ctx, `
		UPDATE raffle_purchases SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		to, now, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition purchase: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := s.exec(ctx,
		"UPDATE raffle_tickets SET status = ? WHERE purchase_id = ?",
		ticketStatus, id); err != nil {
		return false, fmt.Errorf("failed to update tickets of purchase %s: %w", id, err)
	}
	return true, nil
}

// ListAbandonedPurchases lists reserved purchases created before cutoff whose
// payment failed or never showed up
func (s *Store) ListAbandonedPurchases(ctx context.Context, cutoff time.Time, limit uint64) ([]models.RafflePurchase, error) {
	var purchases []models.RafflePurchase
	err := s.selectBuilt(ctx, &purchases, s.builder.
		Select("rp.*").
		From("raffle_purchases rp").
		Where("rp.status = ?", models.PurchaseStatusReserved).
		Where("rp.created_at <= ?", utc(cutoff)).
		Where(sq.Or{
			sq.Expr(`EXISTS (SELECT 1 FROM payment_intents p
				WHERE p.related_entity_id = rp.id AND p.status = ?)`, models.PaymentStatusFailed),
			sq.Expr(`NOT EXISTS (SELECT 1 FROM payment_intents p
				WHERE p.related_entity_id = rp.id)`),
		}).
		OrderBy("rp.created_at").
		Limit(limit))
	return purchases, err
}
