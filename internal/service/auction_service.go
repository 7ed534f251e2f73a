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

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const tickBatchSize = 200

// AuctionService drives auctions through their lifecycle
type AuctionService struct {
	clock
	store  *store.Store
	queue  *queue.Queue
	logger *zap.Logger
}

// NewAuctionService creates a new auction service
func NewAuctionService(store *store.Store, queue *queue.Queue) *AuctionService {
	return &AuctionService{
		clock:  clock{now: time.Now},
		store:  store,
		queue:  queue,
		logger: util.GetLogger(),
	}
}

// TickReport summarizes one lifecycle tick
type TickReport struct {
	Activated int64 `json:"activated"`
	Ended     int   `json:"ended"`
}

// GetAuction retrieves an auction
func (s *AuctionService) GetAuction(ctx context.Context, id string) (*models.Auction, error) {
	a, err := s.store.GetAuction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Validation(apperr.ReasonAuctionNotFound, "auction %s", id)
	}
	return a, err
}

// Tick activates auctions whose start time passed and ends auctions whose end
// time passed, scheduling their settlement
func (s *AuctionService) Tick(ctx context.Context) (*TickReport, error) {
	ctx, span := util.StartSpan(ctx, "AuctionService.Tick")
	defer span.End()

	now := s.now()
	report := &TickReport{}

	activated, err := s.store.ActivateDueAuctions(ctx, now)
	if err != nil {
		util.RecordError(span, err)
		return report, fmt.Errorf("failed to activate auctions: %w", err)
	}
	report.Activated = activated
	if activated > 0 {
		util.AuctionTransitionsTotal.WithLabelValues(models.AuctionStatusActive).Add(float64(activated))
		s.logger.Info("Auctions activated", zap.Int64("count", activated))
	}

	ended, err := s.store.ListEndedActiveAuctions(ctx, now, tickBatchSize)
	if err != nil {
		util.RecordError(span, err)
		return report, fmt.Errorf("failed to list ended auctions: %w", err)
	}
	for _, a := range ended {
		ok, err := s.End(ctx, a.ID)
		if err != nil {
			s.logger.Error("Failed to end auction", zap.String("auction_id", a.ID), zap.Error(err))
			continue
		}
		if ok {
			report.Ended++
		}
	}

	return report, nil
}

// End moves an active auction to ended and schedules its settlement in the
// same transaction. It reports false when the auction was not active.
func (s *AuctionService) End(ctx context.Context, auctionID string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "AuctionService.End", attribute.String("auction_id", auctionID))
	defer span.End()

	var ended bool
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		ok, err := tx.TransitionAuction(ctx, auctionID, models.AuctionStatusActive, models.AuctionStatusEnded, s.now())
		if err != nil || !ok {
			return err
		}
		ended = true
		_, err = s.queue.With(tx).Enqueue(ctx, models.JobTypeSettleAuction,
			models.SettleAuctionPayload{AuctionID: auctionID},
			queue.DedupeKey("settle-auction:"+auctionID))
		return err
	})
	if err != nil {
		util.RecordError(span, err)
		return false, err
	}

	if ended {
		util.AuctionTransitionsTotal.WithLabelValues(models.AuctionStatusEnded).Inc()
		s.logger.Info("Auction ended", zap.String("auction_id", auctionID))
	}
	return ended, nil
}

// Settle records the winner of an ended auction. Settling an auction that is
// not in the ended state is a no-op.
func (s *AuctionService) Settle(ctx context.Context, auctionID string) (*models.Auction, error) {
	ctx, span := util.StartSpan(ctx, "AuctionService.Settle", attribute.String("auction_id", auctionID))
	defer span.End()

	auction, err := s.GetAuction(ctx, auctionID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if auction.Status != models.AuctionStatusEnded {
		s.logger.Info("Auction not awaiting settlement, skipping",
			zap.String("auction_id", auctionID),
			zap.String("status", auction.Status))
		return auction, nil
	}

	now := s.now()
	var settled *models.Auction
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		ok, err := tx.SettleAuction(ctx, auctionID, now)
		if err != nil || !ok {
			return err
		}

		settled, err = tx.GetAuction(ctx, auctionID)
		if err != nil {
			return err
		}

		q := s.queue.With(tx)
		event := newEvent(models.EventTypeAuctionSettled, now)
		event.AuctionID = auctionID
		event.WinnerID = settled.WinnerID
		if err := notify(ctx, q, event); err != nil {
			return err
		}

		if settled.WinnerID != nil && settled.CurrentHighestBid != nil {
			event := newEvent(models.EventTypePaymentRequired, now)
			event.AuctionID = auctionID
			event.BidderID = *settled.WinnerID
			event.Amount = *settled.CurrentHighestBid
			return notify(ctx, q, event)
		}
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to settle auction: %w", err)
	}

	if settled == nil {
		return s.GetAuction(ctx, auctionID)
	}

	util.AuctionTransitionsTotal.WithLabelValues(models.AuctionStatusSettled).Inc()
	fields := []zap.Field{zap.String("auction_id", auctionID)}
	if settled.WinnerID != nil {
		fields = append(fields, zap.String("winner_id", *settled.WinnerID), zap.Int64("amount", *settled.CurrentHighestBid))
	}
	s.logger.Info("Auction settled", fields...)
	return settled, nil
}

// Cancel cancels an auction that has not ended
func (s *AuctionService) Cancel(ctx context.Context, auctionID string) error {
	ctx, span := util.StartSpan(ctx, "AuctionService.Cancel", attribute.String("auction_id", auctionID))
	defer span.End()

	auction, err := s.GetAuction(ctx, auctionID)
	if err != nil {
		return err
	}

	ok, err := s.store.CancelAuction(ctx, auctionID, s.now())
	if err != nil {
		util.RecordError(span, err)
		return err
	}
	if !ok {
		return apperr.Validation(apperr.ReasonAuctionNotActive, "auction %s is %s", auctionID, auction.Status)
	}

	util.AuctionTransitionsTotal.WithLabelValues(models.AuctionStatusCancelled).Inc()
	s.logger.Info("Auction cancelled", zap.String("auction_id", auctionID))
	return nil
}
