package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/models"
)

// CreateAuction inserts a new auction
func (s *Store) CreateAuction(ctx context.Context, a *models.Auction) error {
	a.StartAt, a.EndAt = utc(a.StartAt), utc(a.EndAt)
	a.CreatedAt, a.UpdatedAt = utc(a.CreatedAt), utc(a.UpdatedAt)

	_, err := s.exec(ctx, `
		INSERT INTO auctions (id, vehicle_id, starting_price, current_highest_bid, current_highest_bidder_id,
			bid_count, winner_id, status, start_at, end_at, settled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.VehicleID, a.StartingPrice, a.CurrentHighestBid, a.CurrentHighestBidderID,
		a.BidCount, a.WinnerID, a.Status, a.StartAt, a.EndAt, a.SettledAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create auction: %w", err)
	}
	return nil
}

// GetAuction retrieves an auction by ID
func (s *Store) GetAuction(ctx context.Context, id string) (*models.Auction, error) {
	var a models.Auction
	err := s.get(ctx, &a, "SELECT * FROM auctions WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ActivateDueAuctions moves every upcoming auction whose start time passed to active
func (s *Store) ActivateDueAuctions(ctx context.Context, now time.Time) (int64, error) {
	now = utc(now)
	return s.exec(ctx, `
		UPDATE auctions SET status = ?, updated_at = ?
		WHERE status = ? AND start_at <= ?`,
		models.AuctionStatusActive, now, models.AuctionStatusUpcoming, now)
}

// ListEndedActiveAuctions lists active auctions whose end time passed
func (s *Store) ListEndedActiveAuctions(ctx context.Context, now time.Time, limit uint64) ([]models.Auction, error) {
	var auctions []models.Auction
	err := s.selectBuilt(ctx, &auctions, s.builder.
		Select("*").
		From("auctions").
		Where("status = ?", models.AuctionStatusActive).
		Where("end_at <= ?", utc(now)).
		OrderBy("end_at").
		Limit(limit))
	return auctions, err
}

// TransitionAuction performs a guarded status change. It reports false when
// the auction was not in the expected state.
func (s *Store) TransitionAuction(ctx context.Context, id, from, to string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE auctions SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		to, utc(now), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition auction: %w", err)
	}
	return n == 1, nil
}

// CancelAuction cancels an auction that has not ended yet
func (s *Store) CancelAuction(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE auctions SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.AuctionStatusCancelled, utc(now), id,
		models.AuctionStatusUpcoming, models.AuctionStatusActive)
	if err != nil {
		return false, fmt.Errorf("failed to cancel auction: %w", err)
	}
	return n == 1, nil
}

// SettleAuction moves an ended auction to settled and records the leader as winner
func (s *Store) SettleAuction(ctx context.Context, id string, now time.Time) (bool, error) {
	now = utc(now)
	n, err := s.exec(ctx, `
		UPDATE auctions SET status = ?, winner_id = current_highest_bidder_id, settled_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.AuctionStatusSettled, now, now, id, models.AuctionStatusEnded)
	if err != nil {
		return false, fmt.Errorf("failed to settle auction: %w", err)
	}
	return n == 1, nil
}

// CompareAndSetHighestBid writes a new leader only if the auction is still
// active, still open for bids, and amount strictly beats the stored leader
// (or the starting price when there is none).
func (s *Store) CompareAndSetHighestBid(ctx context.Context, auctionID, bidderID string, amount int64, now time.Time) (bool, error) {
	now = utc(now)
	n, err := s.exec(ctx, `
		UPDATE auctions
		SET current_highest_bid = ?, current_highest_bidder_id = ?, bid_count = bid_count + 1, updated_at = ?
		WHERE id = ? AND status = ? AND end_at > ?
		  AND ((current_highest_bid IS NULL AND starting_price < ?) OR current_highest_bid < ?)`,
		amount, bidderID, now, auctionID, models.AuctionStatusActive, now, amount, amount)
	if err != nil {
		return false, fmt.Errorf("failed to update highest bid: %w", err)
	}
	return n == 1, nil
}
