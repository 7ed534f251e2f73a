package worker

import (
	"context"

	"settlement-service/internal/apperr"
	"settlement-service/internal/models"
	"settlement-service/internal/queue"
	"settlement-service/internal/service"
	"settlement-service/internal/util"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// BidPlacer applies queued bids
type BidPlacer interface {
	PlaceBid(ctx context.Context, bidID, auctionID, bidderID string, amount int64) (*service.BidResult, error)
}

// AuctionSettler settles ended auctions
type AuctionSettler interface {
	Settle(ctx context.Context, auctionID string) (*models.Auction, error)
}

// PaymentVerifier verifies payment intents with the provider
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, intentID string) (*models.PaymentIntent, error)
}

// TicketSeller allocates raffle tickets
type TicketSeller interface {
	PurchaseTicket(ctx context.Context, purchaseID, roundID, buyerID string, quantity int) (*models.RafflePurchase, error)
}

// ReservationReleaser releases what a failed payment was holding
type ReservationReleaser interface {
	ReleaseReservation(ctx context.Context, intentID string) error
}

// JobHandlers decodes job payloads and hands them to the services
type JobHandlers struct {
	bids     BidPlacer
	auctions AuctionSettler
	payments PaymentVerifier
	raffles  TicketSeller
	releaser ReservationReleaser
	validate *validator.Validate
	logger   *zap.Logger
}

// NewJobHandlers creates the handlers for every job type the workers process
func NewJobHandlers(
	bids BidPlacer,
	auctions AuctionSettler,
	payments PaymentVerifier,
	raffles TicketSeller,
	releaser ReservationReleaser,
) *JobHandlers {
	return &JobHandlers{
		bids:     bids,
		auctions: auctions,
		payments: payments,
		raffles:  raffles,
		releaser: releaser,
		validate: validator.New(),
		logger:   util.GetLogger(),
	}
}

// Handlers maps job types to their handler
func (h *JobHandlers) Handlers() map[string]queue.Handler {
	return map[string]queue.Handler{
		models.JobTypePlaceBid:           h.PlaceBid,
		models.JobTypeSettleAuction:      h.SettleAuction,
		models.JobTypeVerifyPayment:      h.VerifyPayment,
		models.JobTypePurchaseTicket:     h.PurchaseTicket,
		models.JobTypeReleaseReservation: h.ReleaseReservation,
	}
}

// decode unmarshals and validates a payload. A malformed payload can never
// succeed, so it is reported as a validation error and the job goes dead.
func (h *JobHandlers) decode(job *models.Job, v interface{}) error {
	if err := job.Decode(v); err != nil {
		return apperr.Validation(apperr.ReasonInvalidPayload, "job %s: %v", job.ID, err)
	}
	if err := h.validate.Struct(v); err != nil {
		return apperr.Validation(apperr.ReasonInvalidPayload, "job %s: %v", job.ID, err)
	}
	return nil
}

// PlaceBid handles place-bid jobs. A rejected bid is a completed job.
func (h *JobHandlers) PlaceBid(ctx context.Context, job *models.Job) error {
	var p models.PlaceBidPayload
	if err := h.decode(job, &p); err != nil {
		return err
	}

	bidID := p.BidID
	if bidID == "" {
		bidID = job.ID
	}
	result, err := h.bids.PlaceBid(ctx, bidID, p.AuctionID, p.BidderID, p.Amount)
	if err != nil {
		return err
	}
	if !result.Accepted {
		h.logger.Debug("Queued bid rejected",
			zap.String("job_id", job.ID),
			zap.String("auction_id", p.AuctionID),
			zap.String("reason", result.Reason))
	}
	return nil
}

// SettleAuction handles settle-auction jobs
func (h *JobHandlers) SettleAuction(ctx context.Context, job *models.Job) error {
	var p models.SettleAuctionPayload
	if err := h.decode(job, &p); err != nil {
		return err
	}
	_, err := h.auctions.Settle(ctx, p.AuctionID)
	return err
}

// VerifyPayment handles verify-payment jobs
func (h *JobHandlers) VerifyPayment(ctx context.Context, job *models.Job) error {
	var p models.VerifyPaymentPayload
	if err := h.decode(job, &p); err != nil {
		return err
	}
	_, err := h.payments.VerifyPayment(ctx, p.PaymentIntentID)
	return err
}

// PurchaseTicket handles purchase-ticket jobs. Rejected purchases are
// recorded by the raffle service and complete the job.
func (h *JobHandlers) PurchaseTicket(ctx context.Context, job *models.Job) error {
	var p models.PurchaseTicketPayload
	if err := h.decode(job, &p); err != nil {
		return err
	}
	_, err := h.raffles.PurchaseTicket(ctx, p.PurchaseID, p.RoundID, p.BuyerID, p.Quantity)
	return err
}

// ReleaseReservation handles release-reservation jobs
func (h *JobHandlers) ReleaseReservation(ctx context.Context, job *models.Job) error {
	var p models.ReleaseReservationPayload
	if err := h.decode(job, &p); err != nil {
		return err
	}
	return h.releaser.ReleaseReservation(ctx, p.PaymentIntentID)
}
