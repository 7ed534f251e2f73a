package service

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"math/big"
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

// ErrNoConfirmedTickets is returned when drawing a round nobody paid for
var ErrNoConfirmedTickets = errors.New("no confirmed tickets to draw from")

// errDuplicatePurchase rolls back an allocation that raced with the same purchase ID
var errDuplicatePurchase = errors.New("purchase already recorded")

// RaffleService sells numbered raffle tickets and draws winners
type RaffleService struct {
	clock
	store   *store.Store
	queue   *queue.Queue
	randInt func(n int) (int, error)
	logger  *zap.Logger
}

// NewRaffleService creates a new raffle service
func NewRaffleService(store *store.Store, queue *queue.Queue) *RaffleService {
	return &RaffleService{
		clock:   clock{now: time.Now},
		store:   store,
		queue:   queue,
		randInt: secureRandomInt,
		logger:  util.GetLogger(),
	}
}

func secureRandomInt(n int) (int, error) {
	v, err := crand.Int(crand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// GetRound retrieves a raffle round
func (s *RaffleService) GetRound(ctx context.Context, id string) (*models.RaffleRound, error) {
	return s.store.GetRound(ctx, id)
}

// GetPurchase retrieves a purchase
func (s *RaffleService) GetPurchase(ctx context.Context, id string) (*models.RafflePurchase, error) {
	return s.store.GetPurchase(ctx, id)
}

// GetTickets lists the tickets of a round
func (s *RaffleService) GetTickets(ctx context.Context, roundID string) ([]models.RaffleTicket, error) {
	return s.store.GetTicketsByRound(ctx, roundID)
}

// Precheck rejects purchases that cannot succeed. Closure and capacity are
// re-checked when the purchase is applied.
func (s *RaffleService) Precheck(ctx context.Context, roundID string, quantity int) (*models.RaffleRound, error) {
	if quantity < 1 {
		return nil, apperr.Validation(apperr.ReasonInvalidQuantity, "quantity must be at least 1")
	}
	round, err := s.store.GetRound(ctx, roundID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Validation(apperr.ReasonRoundNotFound, "round %s", roundID)
	}
	if err != nil {
		return nil, err
	}
	if round.Status != models.RoundStatusOpen {
		return round, apperr.Validation(apperr.ReasonRoundNotOpen, "round %s is %s", roundID, round.Status)
	}
	if round.MaxTickets != nil && round.TotalTicketsSold+quantity > *round.MaxTickets {
		return round, apperr.Validation(apperr.ReasonSoldOut, "%d tickets left", *round.MaxTickets-round.TotalTicketsSold)
	}
	return round, nil
}

// PurchaseTicket reserves quantity consecutive ticket numbers for a buyer.
// The purchase is all-or-nothing and idempotent per purchase ID: a repeated
// call returns the recorded purchase.
func (s *RaffleService) PurchaseTicket(ctx context.Context, purchaseID, roundID, buyerID string, quantity int) (*models.RafflePurchase, error) {
	ctx, span := util.StartSpan(ctx, "RaffleService.PurchaseTicket",
		attribute.String("purchase_id", purchaseID),
		attribute.String("round_id", roundID),
		attribute.Int("quantity", quantity))
	defer span.End()

	existing, err := s.store.GetPurchase(ctx, purchaseID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		util.RecordError(span, err)
		return nil, err
	}

	now := s.now()
	purchase := &models.RafflePurchase{
		ID:        purchaseID,
		RoundID:   roundID,
		BuyerID:   buyerID,
		Quantity:  quantity,
		Status:    models.PurchaseStatusReserved,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if quantity < 1 {
		return s.rejectPurchase(ctx, purchase, apperr.ReasonInvalidQuantity)
	}

	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		total, ok, err := tx.ReserveTicketNumbers(ctx, roundID, quantity)
		if err != nil {
			return err
		}
		if !ok {
			return s.rejectInTx(ctx, tx, purchase)
		}

		first, last := total-quantity+1, total
		purchase.FirstTicketNumber, purchase.LastTicketNumber = &first, &last
		inserted, err := tx.CreatePurchase(ctx, purchase)
		if err != nil {
			return err
		}
		if !inserted {
			return errDuplicatePurchase
		}

		for n := first; n <= last; n++ {
			ticket := &models.RaffleTicket{
				ID:           uuid.New().String(),
				RoundID:      roundID,
				PurchaseID:   purchaseID,
				BuyerID:      buyerID,
				TicketNumber: n,
				Status:       models.TicketStatusReserved,
				PurchasedAt:  now,
			}
			if err := tx.CreateTicket(ctx, ticket); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errDuplicatePurchase) {
		return s.store.GetPurchase(ctx, purchaseID)
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to allocate tickets: %w", err)
	}

	if purchase.Status == models.PurchaseStatusRejected {
		s.logRejected(purchase)
		return purchase, nil
	}

	util.RaffleTicketsReservedTotal.Add(float64(quantity))
	util.RafflePurchasesTotal.WithLabelValues("reserved").Inc()
	s.logger.Info("Raffle tickets reserved",
		zap.String("purchase_id", purchaseID),
		zap.String("round_id", roundID),
		zap.String("buyer_id", buyerID),
		zap.Int("first", *purchase.FirstTicketNumber),
		zap.Int("last", *purchase.LastTicketNumber))
	return purchase, nil
}

// rejectInTx records the purchase as rejected after the counter refused to
// move, deciding between a closed round and a full one
func (s *RaffleService) rejectInTx(ctx context.Context, tx *store.Store, purchase *models.RafflePurchase) error {
	reason := apperr.ReasonRoundNotOpen
	round, err := tx.GetRound(ctx, purchase.RoundID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		reason = apperr.ReasonRoundNotFound
	case err != nil:
		return err
	case round.Status == models.RoundStatusOpen:
		reason = apperr.ReasonSoldOut
	}

	purchase.Status = models.PurchaseStatusRejected
	purchase.RejectReason = reason
	inserted, err := tx.CreatePurchase(ctx, purchase)
	if err != nil {
		return err
	}
	if !inserted {
		return errDuplicatePurchase
	}
	return nil
}

func (s *RaffleService) rejectPurchase(ctx context.Context, purchase *models.RafflePurchase, reason string) (*models.RafflePurchase, error) {
	purchase.Status = models.PurchaseStatusRejected
	purchase.RejectReason = reason
	inserted, err := s.store.CreatePurchase(ctx, purchase)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return s.store.GetPurchase(ctx, purchase.ID)
	}
	s.logRejected(purchase)
	return purchase, nil
}

func (s *RaffleService) logRejected(purchase *models.RafflePurchase) {
	util.RafflePurchasesTotal.WithLabelValues("rejected").Inc()
	s.logger.Info("Raffle purchase rejected",
		zap.String("purchase_id", purchase.ID),
		zap.String("round_id", purchase.RoundID),
		zap.Int("quantity", purchase.Quantity),
		zap.String("reason", purchase.RejectReason))
}

// OpenRound opens a new round. Only one round can be open at a time.
func (s *RaffleService) OpenRound(ctx context.Context, ticketPrice int64, maxTickets *int) (*models.RaffleRound, error) {
	if ticketPrice <= 0 {
		return nil, apperr.Validation(apperr.ReasonInvalidPayload, "ticket price must be positive")
	}
	if _, err := s.store.GetOpenRound(ctx); err == nil {
		return nil, apperr.Validation(apperr.ReasonRoundNotOpen, "another round is already open")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	round := &models.RaffleRound{
		ID:          uuid.New().String(),
		Status:      models.RoundStatusOpen,
		TicketPrice: ticketPrice,
		MaxTickets:  maxTickets,
		OpenedAt:    s.now(),
	}
	if err := s.store.CreateRound(ctx, round); err != nil {
		return nil, err
	}
	s.logger.Info("Raffle round opened", zap.String("round_id", round.ID), zap.Int64("ticket_price", ticketPrice))
	return round, nil
}

// CloseRound stops ticket sales. Purchases applied after this point are rejected.
func (s *RaffleService) CloseRound(ctx context.Context, roundID string) error {
	ok, err := s.store.CloseRound(ctx, roundID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Validation(apperr.ReasonRoundNotOpen, "round %s is not open", roundID)
	}
	s.logger.Info("Raffle round closed", zap.String("round_id", roundID))
	return nil
}

// DrawRound picks a winner uniformly among the confirmed tickets of a closed round
func (s *RaffleService) DrawRound(ctx context.Context, roundID string) (*models.RaffleTicket, error) {
	ctx, span := util.StartSpan(ctx, "RaffleService.DrawRound", attribute.String("round_id", roundID))
	defer span.End()

	round, err := s.store.GetRound(ctx, roundID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Validation(apperr.ReasonRoundNotFound, "round %s", roundID)
	}
	if err != nil {
		return nil, err
	}
	if round.Status != models.RoundStatusClosed {
		return nil, apperr.Validation(apperr.ReasonRoundNotOpen, "round %s must be closed before the draw, is %s", roundID, round.Status)
	}

	tickets, err := s.store.GetConfirmedTickets(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if len(tickets) == 0 {
		return nil, ErrNoConfirmedTickets
	}

	picked, err := s.randInt(len(tickets))
	if err != nil {
		return nil, fmt.Errorf("failed to pick random ticket: %w", err)
	}
	winner := tickets[picked]

	now := s.now()
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		ok, err := tx.MarkRoundDrawn(ctx, roundID, winner.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict("raffle round", roundID)
		}

		event := newEvent(models.EventTypeRaffleDrawn, now)
		event.RoundID = roundID
		event.TicketID = winner.ID
		event.BuyerID = winner.BuyerID
		return notify(ctx, s.queue.With(tx), event)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	s.logger.Info("Raffle round drawn",
		zap.String("round_id", roundID),
		zap.String("ticket_id", winner.ID),
		zap.Int("ticket_number", winner.TicketNumber),
		zap.Int("candidates", len(tickets)))
	return &winner, nil
}
