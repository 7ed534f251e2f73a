package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/queue"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const sweepBatchSize = 500

// CleanupConfig holds the reclaim thresholds
type CleanupConfig struct {
	DraftTTL              time.Duration
	PaymentPendingTimeout time.Duration
	ReservationTTL        time.Duration
}

// CleanupService reclaims abandoned drafts, unpaid reservations and stale job leases
type CleanupService struct {
	clock
	store  *store.Store
	queue  *queue.Queue
	cfg    CleanupConfig
	logger *zap.Logger
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(store *store.Store, queue *queue.Queue, cfg CleanupConfig) *CleanupService {
	return &CleanupService{
		clock:  clock{now: time.Now},
		store:  store,
		queue:  queue,
		cfg:    cfg,
		logger: util.GetLogger(),
	}
}

// SweepReport counts what one sweep reclaimed
type SweepReport struct {
	ExpiredDrafts    int64 `json:"expiredDrafts"`
	FlaggedPayments  int   `json:"flaggedPayments"`
	VoidedPurchases  int   `json:"voidedPurchases"`
	RequeuedJobs     int64 `json:"requeuedJobs"`
	DeadLetteredJobs int64 `json:"deadLetteredJobs"`
}

// Sweep runs every reclaim step once. Steps are independent: a failing step
// is reported but does not stop the others.
func (s *CleanupService) Sweep(ctx context.Context) (*SweepReport, error) {
	ctx, span := util.StartSpan(ctx, "CleanupService.Sweep")
	defer span.End()

	now := s.now()
	report := &SweepReport{}
	var errs []error

	expired, err := s.store.ExpireAbandonedDrafts(ctx,
		now.Add(-s.cfg.DraftTTL), now.Add(-s.cfg.PaymentPendingTimeout), now)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire drafts: %w", err))
	}
	report.ExpiredDrafts = expired
	util.CleanupReclaimedTotal.WithLabelValues("draft").Add(float64(expired))

	flagged, err := s.flagStuckPayments(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("flag stuck payments: %w", err))
	}
	report.FlaggedPayments = flagged

	voided, err := s.voidAbandonedPurchases(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("void purchases: %w", err))
	}
	report.VoidedPurchases = voided
	util.CleanupReclaimedTotal.WithLabelValues("raffle_purchase").Add(float64(voided))

	requeued, buried, err := s.queue.RequeueExpiredLeases(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("requeue leases: %w", err))
	}
	report.RequeuedJobs, report.DeadLetteredJobs = requeued, buried
	util.CleanupReclaimedTotal.WithLabelValues("job_lease").Add(float64(requeued + buried))

	s.logger.Info("Cleanup sweep finished",
		zap.Int64("expired_drafts", report.ExpiredDrafts),
		zap.Int("flagged_payments", report.FlaggedPayments),
		zap.Int("voided_purchases", report.VoidedPurchases),
		zap.Int64("requeued_jobs", report.RequeuedJobs),
		zap.Int64("dead_lettered_jobs", report.DeadLetteredJobs))

	err = errors.Join(errs...)
	util.RecordError(span, err)
	return report, err
}

// flagStuckPayments flags intents pending past the timeout. They are never
// failed automatically: the provider may still settle them.
func (s *CleanupService) flagStuckPayments(ctx context.Context, now time.Time) (int, error) {
	intents, err := s.store.ListStuckPendingPayments(ctx, now.Add(-s.cfg.PaymentPendingTimeout), sweepBatchSize)
	if err != nil {
		return 0, err
	}

	flagged := 0
	for _, intent := range intents {
		ok, err := flagForReconciliation(ctx, s.store, s.queue, intent.ID, now)
		if err != nil {
			s.logger.Error("Failed to flag stuck payment", zap.String("payment_intent_id", intent.ID), zap.Error(err))
			continue
		}
		if ok {
			flagged++
			s.logger.Warn("Payment stuck in pending, flagged for reconciliation",
				zap.String("payment_intent_id", intent.ID),
				zap.Time("created_at", intent.CreatedAt))
		}
	}
	return flagged, nil
}

// voidAbandonedPurchases voids reserved purchases whose payment failed or never
// arrived. Their ticket numbers stay burned.
func (s *CleanupService) voidAbandonedPurchases(ctx context.Context, now time.Time) (int, error) {
	purchases, err := s.store.ListAbandonedPurchases(ctx, now.Add(-s.cfg.ReservationTTL), sweepBatchSize)
	if err != nil {
		return 0, err
	}

	voided := 0
	for _, p := range purchases {
		ok, err := s.store.TransitionPurchase(ctx, p.ID,
			models.PurchaseStatusReserved, models.PurchaseStatusVoid, models.TicketStatusVoid, now)
		if err != nil {
			s.logger.Error("Failed to void purchase", zap.String("purchase_id", p.ID), zap.Error(err))
			continue
		}
		if ok {
			voided++
		}
	}
	return voided, nil
}

// ReleaseReservation releases what a failed payment was holding. Listings stay
// in draft so the seller can pay again until the draft expires.
func (s *CleanupService) ReleaseReservation(ctx context.Context, intentID string) error {
	ctx, span := util.StartSpan(ctx, "CleanupService.ReleaseReservation", attribute.String("payment_intent_id", intentID))
	defer span.End()

	intent, err := s.store.GetPaymentIntent(ctx, intentID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("Release requested for unknown payment intent", zap.String("payment_intent_id", intentID))
		return nil
	}
	if err != nil {
		return err
	}
	if intent.Status != models.PaymentStatusFailed {
		s.logger.Info("Payment not failed, nothing to release",
			zap.String("payment_intent_id", intentID),
			zap.String("status", intent.Status))
		return nil
	}

	if intent.Purpose != models.PurposeRaffleTicket {
		return nil
	}

	ok, err := s.store.TransitionPurchase(ctx, intent.RelatedEntityID,
		models.PurchaseStatusReserved, models.PurchaseStatusVoid, models.TicketStatusVoid, s.now())
	if err != nil {
		util.RecordError(span, err)
		return err
	}
	if ok {
		util.CleanupReclaimedTotal.WithLabelValues("raffle_purchase").Inc()
		s.logger.Info("Raffle reservation released",
			zap.String("payment_intent_id", intentID),
			zap.String("purchase_id", intent.RelatedEntityID))
	}
	return nil
}
