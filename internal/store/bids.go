package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"settlement-service/internal/models"
)

// CreateBid records a bid attempt, accepted or not. It reports false when a
// bid with the same ID was already recorded.
func (s *Store) CreateBid(ctx context.Context, b *models.Bid) (bool, error) {
	b.PlacedAt = utc(b.PlacedAt)
	n, err := s.exec(ctx, `
		INSERT INTO bids (id, auction_id, bidder_id, amount, placed_at, accepted, reject_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		b.ID, b.AuctionID, b.BidderID, b.Amount, b.PlacedAt, b.Accepted, b.RejectReason)
	if err != nil {
		return false, fmt.Errorf("failed to create bid: %w", err)
	}
	return n == 1, nil
}

// GetBid retrieves a bid by ID
func (s *Store) GetBid(ctx context.Context, id string) (*models.Bid, error) {
	var b models.Bid
	err := s.get(ctx, &b, "SELECT * FROM bids WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetLeadingBid returns the highest accepted bid of an auction, or nil
func (s *Store) GetLeadingBid(ctx context.Context, auctionID string) (*models.Bid, error) {
	var b models.Bid
	err := s.get(ctx, &b, `
		SELECT * FROM bids
		WHERE auction_id = ? AND accepted = ?
		ORDER BY amount DESC
		LIMIT 1`, auctionID, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBidsByAuctionID lists every bid of an auction in placement order
func (s *Store) GetBidsByAuctionID(ctx context.Context, auctionID string) ([]models.Bid, error) {
	var bids []models.Bid
	err := s.selectRows(ctx, &bids,
		"SELECT * FROM bids WHERE auction_id = ? ORDER BY placed_at, id", auctionID)
	return bids, err
}
