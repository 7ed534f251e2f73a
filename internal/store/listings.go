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

// PublishPackage inserts a package definition. Packages are immutable after
// publish, so publishing an existing ID is a no-op reported as false.
func (s *Store) PublishPackage(ctx context.Context, p *models.Package) (bool, error) {
	if err := p.EncodeTiers(); err != nil {
		return false, fmt.Errorf("failed to encode tiers: %w", err)
	}
	p.PublishedAt = utc(p.PublishedAt)

	n, err := s.exec(ctx, `
		INSERT INTO packages (id, type, amount, tiers, duration_days, until_sold, rebookable, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.Type, p.Amount, p.TiersJSON, p.DurationDays, p.UntilSold, p.Rebookable, p.PublishedAt)
	if err != nil {
		return false, fmt.Errorf("failed to publish package: %w", err)
	}
	return n == 1, nil
}

// GetPackage retrieves a package by ID
func (s *Store) GetPackage(ctx context.Context, id string) (*models.Package, error) {
	var p models.Package
	err := s.get(ctx, &p, "SELECT * FROM packages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.DecodeTiers(); err != nil {
		return nil, fmt.Errorf("failed to decode tiers of package %s: %w", id, err)
	}
	return &p, nil
}

// GetPackageByType returns the most recently published package of a type
func (s *Store) GetPackageByType(ctx context.Context, packageType string) (*models.Package, error) {
	var p models.Package
	err := s.get(ctx, &p, `
		SELECT * FROM packages WHERE type = ?
		ORDER BY published_at DESC, id DESC
		LIMIT 1`, packageType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.DecodeTiers(); err != nil {
		return nil, fmt.Errorf("failed to decode tiers of package %s: %w", p.ID, err)
	}
	return &p, nil
}

// CreateListing inserts a listing
func (s *Store) CreateListing(ctx context.Context, l *models.Listing) error {
	l.CreatedAt, l.UpdatedAt = utc(l.CreatedAt), utc(l.UpdatedAt)
	_, err := s.exec(ctx, `
		INSERT INTO listings (id, seller_id, package_id, vehicle_price, fee, status,
			created_at, updated_at, activated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.SellerID, l.PackageID, l.VehiclePrice, l.Fee, l.Status,
		l.CreatedAt, l.UpdatedAt, l.ActivatedAt, l.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create listing: %w", err)
	}
	return nil
}

// GetListing retrieves a listing by ID
func (s *Store) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	var l models.Listing
	err := s.get(ctx, &l, "SELECT * FROM listings WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ActivateListing moves an unpaid listing to active. It reports false when the
// listing was already activated or reclaimed.
func (s *Store) ActivateListing(ctx context.Context, id string, now time.Time, expiresAt *time.Time) (bool, error) {
	now = utc(now)
	if expiresAt != nil {
		t := utc(*expiresAt)
		expiresAt = &t
	}
	n, err := s.exec(ctx, `
		UPDATE listings SET status = ?, activated_at = ?, expires_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.ListingStatusActive, now, expiresAt, now, id,
		models.ListingStatusDraft, models.ListingStatusPendingPayment)
	if err != nil {
		return false, fmt.Errorf("failed to activate listing: %w", err)
	}
	return n == 1, nil
}

// ExpireAbandonedDrafts archives unpaid listings created before cutoff. A
// listing is kept while it has a verified payment, or a pending one created
// after pendingCutoff that may still clear.
func (s *Store) ExpireAbandonedDrafts(ctx context.Context, cutoff, pendingCutoff, now time.Time) (int64, error) {
	return s.execBuilt(ctx, s.builder.
		Update("listings").
		Set("status", models.ListingStatusExpired).
		Set("updated_at", utc(now)).
		Where(sq.Eq{"status": []string{models.ListingStatusDraft, models.ListingStatusPendingPayment}}).
		Where("created_at <= ?", utc(cutoff)).
		Where(`NOT EXISTS (SELECT 1 FROM payment_intents p
			WHERE p.related_entity_id = listings.id
			  AND (p.status = ? OR (p.status = ? AND p.created_at > ?)))`,
			models.PaymentStatusVerified, models.PaymentStatusPending, utc(pendingCutoff)))
}

// ExpireListings archives active listings whose package duration ran out
func (s *Store) ExpireListings(ctx context.Context, now time.Time) (int64, error) {
	now = utc(now)
	return s.execBuilt(ctx, s.builder.
		Update("listings").
		Set("status", models.ListingStatusExpired).
		Set("updated_at", now).
		Where("status = ?", models.ListingStatusActive).
		Where(sq.NotEq{"expires_at": nil}).
		Where("expires_at <= ?", now))
}
