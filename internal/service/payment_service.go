package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/apperr"
	"settlement-service/internal/models"
	"settlement-service/internal/pricing"
	"settlement-service/internal/provider"
	"settlement-service/internal/queue"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const webhookDedupeTTL = 24 * time.Hour

// errAlreadyProcessed aborts a finalization that lost the pending→verified race
var errAlreadyProcessed = errors.New("payment intent already processed")

// IdempotencyStore is the fast-path dedupe for webhook deliveries
type IdempotencyStore interface {
	ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

// PaymentService verifies payments with the provider and finalizes the
// listing or raffle purchase they pay for, exactly once
type PaymentService struct {
	clock
	store    *store.Store
	queue    *queue.Queue
	provider provider.Provider
	catalog  *pricing.Catalog
	idem     IdempotencyStore
	logger   *zap.Logger
}

// NewPaymentService creates a new payment service. idem may be nil, in which
// case webhook deduplication relies on the database alone.
func NewPaymentService(
	store *store.Store,
	queue *queue.Queue,
	provider provider.Provider,
	catalog *pricing.Catalog,
	idem IdempotencyStore,
) *PaymentService {
	return &PaymentService{
		clock:    clock{now: time.Now},
		store:    store,
		queue:    queue,
		provider: provider,
		catalog:  catalog,
		idem:     idem,
		logger:   util.GetLogger(),
	}
}

// GetPaymentIntent retrieves a payment intent
func (s *PaymentService) GetPaymentIntent(ctx context.Context, id string) (*models.PaymentIntent, error) {
	return s.store.GetPaymentIntent(ctx, id)
}

// RecordWebhook registers a provider delivery and schedules verification. It
// reports whether the delivery was a duplicate.
func (s *PaymentService) RecordWebhook(ctx context.Context, d *models.WebhookDelivery) (bool, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.RecordWebhook",
		attribute.String("event_id", d.EventID),
		attribute.String("payment_intent_id", d.PaymentIntentID))
	defer span.End()

	idemKey := "webhook:" + d.EventID
	if s.idem != nil {
		claimed, err := s.idem.ClaimIdempotencyKey(ctx, idemKey, webhookDedupeTTL)
		if err != nil {
			s.logger.Warn("Redis dedupe failed, falling back to DB",
				zap.String("event_id", d.EventID),
				zap.Error(err))
		} else if !claimed {
			s.logger.Info("Duplicate webhook delivery", zap.String("event_id", d.EventID))
			return true, nil
		}
	}

	now := s.now()
	duplicate := false
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		fresh, err := tx.RecordWebhookEvent(ctx, d.EventID, d.PaymentIntentID, now)
		if err != nil {
			return err
		}
		if !fresh {
			duplicate = true
			return nil
		}

		intent := &models.PaymentIntent{
			ID:              d.PaymentIntentID,
			Purpose:         d.Purpose,
			RelatedEntityID: d.RelatedEntityID,
			Amount:          d.Amount,
			Status:          models.PaymentStatusPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if _, err := tx.UpsertPaymentIntent(ctx, intent); err != nil {
			return err
		}

		_, err = s.queue.With(tx).Enqueue(ctx, models.JobTypeVerifyPayment,
			models.VerifyPaymentPayload{PaymentIntentID: d.PaymentIntentID},
			queue.DedupeKey("verify-payment:"+d.EventID))
		return err
	})
	if err != nil {
		if s.idem != nil {
			if rerr := s.idem.ReleaseIdempotencyKey(ctx, idemKey); rerr != nil {
				s.logger.Error("Failed to release webhook dedupe key", zap.String("event_id", d.EventID), zap.Error(rerr))
			}
		}
		util.RecordError(span, err)
		return false, apperr.Transient(fmt.Errorf("failed to record webhook: %w", err))
	}

	s.logger.Info("Webhook recorded",
		zap.String("event_id", d.EventID),
		zap.String("payment_intent_id", d.PaymentIntentID),
		zap.Bool("duplicate", duplicate))
	return duplicate, nil
}

// VerifyPayment checks an intent with the provider and finalizes it. Verifying
// an intent that already left pending is a no-op returning the stored intent.
func (s *PaymentService) VerifyPayment(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.VerifyPayment", attribute.String("payment_intent_id", intentID))
	defer span.End()

	intent, err := s.store.GetPaymentIntent(ctx, intentID)
	if errors.Is(err, store.ErrNotFound) {
		// verification requested before the webhook arrived
		return nil, apperr.Transient(fmt.Errorf("payment intent %s not recorded yet", intentID))
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}
	if intent.Status != models.PaymentStatusPending {
		util.PaymentVerificationsTotal.WithLabelValues("noop").Inc()
		return intent, nil
	}

	status, err := s.provider.GetIntentStatus(ctx, intentID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	switch status.Status {
	case provider.StatusSucceeded:
		err = s.finalize(ctx, intent, status.Amount)
	case provider.StatusFailed:
		err = s.markFailed(ctx, intent)
	default:
		util.PaymentVerificationsTotal.WithLabelValues("pending").Inc()
		return nil, apperr.Transient(fmt.Errorf("payment intent %s still pending at provider", intentID))
	}

	if errors.Is(err, apperr.ErrReconciliationRequired) {
		s.flag(ctx, intent, err)
		util.RecordError(span, err)
		return nil, err
	}
	if err != nil && !errors.Is(err, errAlreadyProcessed) {
		util.RecordError(span, err)
		return nil, err
	}
	return s.store.GetPaymentIntent(ctx, intentID)
}

// finalization is everything finalize needs, loaded before the transaction
type finalization struct {
	listing   *models.Listing
	expiresAt *time.Time
	purchase  *models.RafflePurchase
}

func reconcile(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", apperr.ErrReconciliationRequired, fmt.Sprintf(format, args...))
}

// prepare loads and checks the entity a payment pays for
func (s *PaymentService) prepare(ctx context.Context, intent *models.PaymentIntent, now time.Time) (*finalization, error) {
	switch intent.Purpose {
	case models.PurposeListingPackage:
		listing, err := s.store.GetListing(ctx, intent.RelatedEntityID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Transient(fmt.Errorf("listing %s not found yet", intent.RelatedEntityID))
		}
		if err != nil {
			return nil, err
		}

		pkg, err := s.catalog.Package(ctx, listing.PackageID)
		if err != nil {
			return nil, err
		}
		quote := pricing.Evaluate(pkg, listing.VehiclePrice)
		if quote.Fee != intent.Amount {
			return nil, reconcile("listing %s fee %d does not match paid amount %d", listing.ID, quote.Fee, intent.Amount)
		}

		f := &finalization{listing: listing}
		if !pkg.UntilSold && pkg.DurationDays > 0 {
			expires := now.AddDate(0, 0, pkg.DurationDays)
			f.expiresAt = &expires
		}
		return f, nil

	case models.PurposeRaffleTicket:
		purchase, err := s.store.GetPurchase(ctx, intent.RelatedEntityID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Transient(fmt.Errorf("raffle purchase %s not found yet", intent.RelatedEntityID))
		}
		if err != nil {
			return nil, err
		}
		if purchase.Status == models.PurchaseStatusRejected || purchase.Status == models.PurchaseStatusVoid {
			return nil, reconcile("raffle purchase %s is %s", purchase.ID, purchase.Status)
		}

		round, err := s.store.GetRound(ctx, purchase.RoundID)
		if err != nil {
			return nil, fmt.Errorf("failed to get raffle round: %w", err)
		}
		if expected := int64(purchase.Quantity) * round.TicketPrice; expected != intent.Amount {
			return nil, reconcile("raffle purchase %s costs %d, paid %d", purchase.ID, expected, intent.Amount)
		}
		return &finalization{purchase: purchase}, nil
	}
	return nil, reconcile("unknown payment purpose %q", intent.Purpose)
}

// finalize runs pending→verified and the purpose finalization in one
// transaction. A failed finalization leaves the intent pending.
func (s *PaymentService) finalize(ctx context.Context, intent *models.PaymentIntent, providerAmount int64) error {
	if providerAmount != 0 && providerAmount != intent.Amount {
		return reconcile("provider amount %d does not match intent amount %d", providerAmount, intent.Amount)
	}

	now := s.now()
	f, err := s.prepare(ctx, intent, now)
	if err != nil {
		return err
	}

	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		ok, err := tx.TransitionPaymentIntent(ctx, intent.ID, models.PaymentStatusVerified, now)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyProcessed
		}

		switch {
		case f.listing != nil:
			activated, err := tx.ActivateListing(ctx, f.listing.ID, now, f.expiresAt)
			if err != nil {
				return err
			}
			if !activated {
				current, err := tx.GetListing(ctx, f.listing.ID)
				if err != nil {
					return err
				}
				if current.Status != models.ListingStatusActive {
					return reconcile("listing %s is %s", current.ID, current.Status)
				}
			}
		case f.purchase != nil:
			confirmed, err := tx.TransitionPurchase(ctx, f.purchase.ID,
				models.PurchaseStatusReserved, models.PurchaseStatusConfirmed, models.TicketStatusConfirmed, now)
			if err != nil {
				return err
			}
			if !confirmed {
				current, err := tx.GetPurchase(ctx, f.purchase.ID)
				if err != nil {
					return err
				}
				if current.Status != models.PurchaseStatusConfirmed {
					return reconcile("raffle purchase %s is %s", current.ID, current.Status)
				}
			}
		}

		event := newEvent(models.EventTypePaymentVerified, now)
		event.PaymentIntentID = intent.ID
		event.Purpose = intent.Purpose
		event.Amount = intent.Amount
		return notify(ctx, s.queue.With(tx), event)
	})
	if err != nil {
		return err
	}

	util.PaymentVerificationsTotal.WithLabelValues("verified").Inc()
	if f.listing != nil {
		util.ListingsActivatedTotal.Inc()
	}
	s.logger.Info("Payment verified",
		zap.String("payment_intent_id", intent.ID),
		zap.String("purpose", intent.Purpose),
		zap.String("related_entity_id", intent.RelatedEntityID))
	return nil
}

// markFailed moves the intent to failed and schedules release of whatever it reserved
func (s *PaymentService) markFailed(ctx context.Context, intent *models.PaymentIntent) error {
	now := s.now()
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		ok, err := tx.TransitionPaymentIntent(ctx, intent.ID, models.PaymentStatusFailed, now)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyProcessed
		}

		q := s.queue.With(tx)
		if _, err := q.Enqueue(ctx, models.JobTypeReleaseReservation,
			models.ReleaseReservationPayload{PaymentIntentID: intent.ID},
			queue.DedupeKey("release-reservation:"+intent.ID)); err != nil {
			return err
		}

		event := newEvent(models.EventTypePaymentFailed, now)
		event.PaymentIntentID = intent.ID
		event.Purpose = intent.Purpose
		return notify(ctx, q, event)
	})
	if err != nil {
		return err
	}

	util.PaymentVerificationsTotal.WithLabelValues("failed").Inc()
	s.logger.Info("Payment failed", zap.String("payment_intent_id", intent.ID))
	return nil
}

// flag marks an intent for manual reconciliation and notifies about it once
func (s *PaymentService) flag(ctx context.Context, intent *models.PaymentIntent, cause error) {
	if _, err := flagForReconciliation(ctx, s.store, s.queue, intent.ID, s.now()); err != nil {
		s.logger.Error("Failed to flag payment for reconciliation",
			zap.String("payment_intent_id", intent.ID),
			zap.Error(err))
		return
	}
	util.PaymentVerificationsTotal.WithLabelValues("reconcile").Inc()
	s.logger.Error("Payment requires manual reconciliation",
		zap.String("payment_intent_id", intent.ID),
		zap.String("related_entity_id", intent.RelatedEntityID),
		zap.Error(cause))
}

// flagForReconciliation sets the reconciliation flag and enqueues the
// notification in one transaction. Already flagged intents are left alone.
func flagForReconciliation(ctx context.Context, s *store.Store, q *queue.Queue, intentID string, now time.Time) (bool, error) {
	var flagged bool
	err := s.WithTx(ctx, func(tx *store.Store) error {
		ok, err := tx.FlagPaymentForReconciliation(ctx, intentID, now)
		if err != nil || !ok {
			return err
		}
		flagged = true

		event := newEvent(models.EventTypePaymentReconciliationRequired, now)
		event.PaymentIntentID = intentID
		return notify(ctx, q.With(tx), event)
	})
	if err != nil {
		return false, err
	}
	if flagged {
		util.PaymentsFlaggedTotal.Inc()
	}
	return flagged, nil
}
