package service

import (
	"context"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/pricing"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ListingService creates paid listings and expires them when their package runs out
type ListingService struct {
	clock
	store   *store.Store
	catalog *pricing.Catalog
	logger  *zap.Logger
}

// NewListingService creates a new listing service
func NewListingService(store *store.Store, catalog *pricing.Catalog) *ListingService {
	return &ListingService{
		clock:   clock{now: time.Now},
		store:   store,
		catalog: catalog,
		logger:  util.GetLogger(),
	}
}

// CreateDraft creates an unpaid listing with the fee quoted for its package
func (s *ListingService) CreateDraft(ctx context.Context, sellerID, packageType string, vehiclePrice int64) (*models.Listing, error) {
	ctx, span := util.StartSpan(ctx, "ListingService.CreateDraft")
	defer span.End()

	quote, err := s.catalog.Quote(ctx, packageType, vehiclePrice)
	if err != nil {
		return nil, err
	}

	now := s.now()
	listing := &models.Listing{
		ID:           uuid.New().String(),
		SellerID:     sellerID,
		PackageID:    quote.PackageID,
		VehiclePrice: vehiclePrice,
		Fee:          quote.Fee,
		Status:       models.ListingStatusPendingPayment,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateListing(ctx, listing); err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	s.logger.Info("Listing draft created",
		zap.String("listing_id", listing.ID),
		zap.String("package_id", listing.PackageID),
		zap.Int64("fee", listing.Fee))
	return listing, nil
}

// GetListing retrieves a listing
func (s *ListingService) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	return s.store.GetListing(ctx, id)
}

// ExpireListings expires active listings whose package duration ran out.
// Listings on until-sold packages have no expiry and are never touched.
func (s *ListingService) ExpireListings(ctx context.Context) (int64, error) {
	ctx, span := util.StartSpan(ctx, "ListingService.ExpireListings")
	defer span.End()

	n, err := s.store.ExpireListings(ctx, s.now())
	if err != nil {
		util.RecordError(span, err)
		return 0, err
	}
	if n > 0 {
		util.CleanupReclaimedTotal.WithLabelValues("listing").Add(float64(n))
		s.logger.Info("Listings expired", zap.Int64("count", n))
	}
	return n, nil
}
