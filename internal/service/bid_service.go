package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/apperr"
	"settlement-service/internal/models"
	"settlement-service/internal/queue"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// errDuplicateBid rolls back an accept whose bid ID was recorded concurrently
var errDuplicateBid = errors.New("bid already recorded")

// BidService admits bids and maintains the current highest bid per auction
type BidService struct {
	clock
	store  *store.Store
	queue  *queue.Queue
	logger *zap.Logger
}

// NewBidService creates a new bid service
func NewBidService(store *store.Store, queue *queue.Queue) *BidService {
	return &BidService{
		clock:  clock{now: time.Now},
		store:  store,
		queue:  queue,
		logger: util.GetLogger(),
	}
}

// BidResult is the outcome of a bid. Rejections are normal results, not errors.
type BidResult struct {
	Bid      *models.Bid `json:"bid,omitempty"`
	Accepted bool        `json:"accepted"`
	Reason   string      `json:"reason,omitempty"`
}

// rejectReason evaluates a bid against the auction as currently stored
func rejectReason(a *models.Auction, amount int64, now time.Time) string {
	switch {
	case a.Status != models.AuctionStatusActive:
		return apperr.ReasonAuctionNotActive
	case !now.Before(a.EndAt):
		return apperr.ReasonAuctionEnded
	case amount <= a.MinimumExclusiveBid():
		return apperr.ReasonBidTooLow
	}
	return ""
}

// Precheck validates a bid without recording anything. The API uses it to
// reject obviously invalid bids synchronously; the processor re-checks at apply time.
func (s *BidService) Precheck(ctx context.Context, auctionID string, amount int64) (*models.Auction, error) {
	auction, err := s.store.GetAuction(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Validation(apperr.ReasonAuctionNotFound, "auction %s", auctionID)
	}
	if err != nil {
		return nil, err
	}
	if reason := rejectReason(auction, amount, s.now()); reason != "" {
		return auction, apperr.Validation(reason, "minimum exclusive bid is %d", auction.MinimumExclusiveBid())
	}
	return auction, nil
}

// PlaceBid applies a bid. The highest amount wins regardless of arrival order:
// the leader only changes through a conditional update on the stored amount.
// Bids are idempotent per bidID: replaying a recorded bid returns its original
// outcome. An empty bidID gets a fresh one.
func (s *BidService) PlaceBid(ctx context.Context, bidID, auctionID, bidderID string, amount int64) (*BidResult, error) {
	ctx, span := util.StartSpan(ctx, "BidService.PlaceBid",
		attribute.String("bid_id", bidID),
		attribute.String("auction_id", auctionID),
		attribute.Int64("amount", amount))
	defer span.End()

	if bidID == "" {
		bidID = uuid.New().String()
	} else {
		recorded, err := s.recorded(ctx, bidID)
		if err == nil {
			return recorded, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			util.RecordError(span, err)
			return nil, err
		}
	}

	auction, err := s.store.GetAuction(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		// bids reference their auction, so there is nothing to record
		util.BidsTotal.WithLabelValues("rejected").Inc()
		return &BidResult{Reason: apperr.ReasonAuctionNotFound}, nil
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to get auction: %w", err)
	}

	result, err := s.apply(ctx, bidID, auction, bidderID, amount)
	if err != nil {
		util.RecordError(span, err)
	}
	return result, err
}

// apply evaluates a bid against an auction snapshot and tries to take the
// lead. The snapshot may already be stale; the guarded update decides.
func (s *BidService) apply(ctx context.Context, bidID string, auction *models.Auction, bidderID string, amount int64) (*BidResult, error) {
	auctionID := auction.ID
	if reason := rejectReason(auction, amount, s.now()); reason != "" {
		return s.reject(ctx, bidID, auctionID, bidderID, amount, reason)
	}

	result, err := s.accept(ctx, bidID, auctionID, bidderID, amount)
	if !apperr.IsConflict(err) {
		return result, err
	}

	// Lost the compare-and-set: re-read once and re-evaluate.
	util.BidConflictsTotal.Inc()
	auction, err = s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read auction: %w", err)
	}
	reason := rejectReason(auction, amount, s.now())
	if reason == apperr.ReasonBidTooLow {
		reason = apperr.ReasonOutbid
	}
	if reason == "" {
		result, err = s.accept(ctx, bidID, auctionID, bidderID, amount)
		if !apperr.IsConflict(err) {
			return result, err
		}
		reason = apperr.ReasonOutbid
	}
	return s.reject(ctx, bidID, auctionID, bidderID, amount, reason)
}

// accept writes the new leader, the accepted bid and the outbid notice for the
// previous leader in one transaction. It returns a ConflictError when the
// guarded update matched nothing.
func (s *BidService) accept(ctx context.Context, bidID, auctionID, bidderID string, amount int64) (*BidResult, error) {
	now := s.now()
	bid := &models.Bid{
		ID:        bidID,
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		PlacedAt:  now,
		Accepted:  true,
	}

	var previous *models.Bid
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		ok, err := tx.CompareAndSetHighestBid(ctx, auctionID, bidderID, amount, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict("auction", auctionID)
		}

		previous, err = tx.GetLeadingBid(ctx, auctionID)
		if err != nil {
			return fmt.Errorf("failed to get previous leader: %w", err)
		}
		inserted, err := tx.CreateBid(ctx, bid)
		if err != nil {
			return err
		}
		if !inserted {
			return errDuplicateBid
		}

		if previous != nil && previous.BidderID != bidderID {
			event := newEvent(models.EventTypeBidOutbid, now)
			event.AuctionID = auctionID
			event.BidderID = previous.BidderID
			event.Amount = amount
			return notify(ctx, s.queue.With(tx), event)
		}
		return nil
	})
	if errors.Is(err, errDuplicateBid) {
		return s.recorded(ctx, bidID)
	}
	if err != nil {
		return nil, err
	}

	util.BidsTotal.WithLabelValues("accepted").Inc()
	s.logger.Info("Bid accepted",
		zap.String("auction_id", auctionID),
		zap.String("bidder_id", bidderID),
		zap.Int64("amount", amount))
	return &BidResult{Bid: bid, Accepted: true}, nil
}

// reject records a rejected bid with its reason
func (s *BidService) reject(ctx context.Context, bidID, auctionID, bidderID string, amount int64, reason string) (*BidResult, error) {
	bid := &models.Bid{
		ID:           bidID,
		AuctionID:    auctionID,
		BidderID:     bidderID,
		Amount:       amount,
		PlacedAt:     s.now(),
		Accepted:     false,
		RejectReason: reason,
	}
	inserted, err := s.store.CreateBid(ctx, bid)
	if err != nil {
		return nil, fmt.Errorf("failed to record rejected bid: %w", err)
	}
	if !inserted {
		return s.recorded(ctx, bidID)
	}

	util.BidsTotal.WithLabelValues("rejected").Inc()
	s.logger.Info("Bid rejected",
		zap.String("auction_id", auctionID),
		zap.String("bidder_id", bidderID),
		zap.Int64("amount", amount),
		zap.String("reason", reason))
	return &BidResult{Bid: bid, Reason: reason}, nil
}

// recorded returns the outcome of a bid that was already applied
func (s *BidService) recorded(ctx context.Context, bidID string) (*BidResult, error) {
	bid, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Bid already applied", zap.String("bid_id", bidID), zap.Bool("accepted", bid.Accepted))
	return &BidResult{Bid: bid, Accepted: bid.Accepted, Reason: bid.RejectReason}, nil
}

// ListBids returns every recorded bid of an auction
func (s *BidService) ListBids(ctx context.Context, auctionID string) ([]models.Bid, error) {
	return s.store.GetBidsByAuctionID(ctx, auctionID)
}
