package pricing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"settlement-service/internal/apperr"
	"settlement-service/internal/models"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pelletier/go-toml/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PackageStore is the persistence the catalog reads and publishes through
type PackageStore interface {
	GetPackage(ctx context.Context, id string) (*models.Package, error)
	GetPackageByType(ctx context.Context, packageType string) (*models.Package, error)
	PublishPackage(ctx context.Context, p *models.Package) (bool, error)
}

// Catalog resolves published packages. Packages never change after publish,
// so lookups by ID are cached for the life of the process.
type Catalog struct {
	store  PackageStore
	byID   *lru.Cache
	byType *lru.Cache
	logger *zap.Logger
}

// NewCatalog creates a new package catalog
func NewCatalog(s PackageStore, size int) (*Catalog, error) {
	byID, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create package cache: %w", err)
	}
	byType, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create package cache: %w", err)
	}
	return &Catalog{
		store:  s,
		byID:   byID,
		byType: byType,
		logger: util.GetLogger(),
	}, nil
}

// Package returns a package by ID
func (c *Catalog) Package(ctx context.Context, id string) (*models.Package, error) {
	if v, ok := c.byID.Get(id); ok {
		return v.(*models.Package), nil
	}

	pkg, err := c.store.GetPackage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Validation(apperr.ReasonUnknownPackage, "package %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package: %w", err)
	}
	c.byID.Add(id, pkg)
	return pkg, nil
}

// PackageForType returns the current package of a type
func (c *Catalog) PackageForType(ctx context.Context, packageType string) (*models.Package, error) {
	if v, ok := c.byType.Get(packageType); ok {
		return c.Package(ctx, v.(string))
	}

	pkg, err := c.store.GetPackageByType(ctx, packageType)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Validation(apperr.ReasonUnknownPackage, "no package of type %s", packageType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package by type: %w", err)
	}
	c.byType.Add(packageType, pkg.ID)
	c.byID.Add(pkg.ID, pkg)
	return pkg, nil
}

// Quote evaluates the current package of a type for a vehicle price
func (c *Catalog) Quote(ctx context.Context, packageType string, vehiclePrice int64) (*Quote, error) {
	ctx, span := util.StartSpan(ctx, "Catalog.Quote",
		attribute.String("package_type", packageType),
		attribute.Int64("vehicle_price", vehiclePrice))
	defer span.End()

	if vehiclePrice < 0 {
		return nil, apperr.Validation(apperr.ReasonInvalidPayload, "vehicle price must not be negative")
	}

	pkg, err := c.PackageForType(ctx, packageType)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	q := Evaluate(pkg, vehiclePrice)
	return &q, nil
}

// Publish stores a package definition. Re-publishing an existing ID is a no-op.
func (c *Catalog) Publish(ctx context.Context, pkg *models.Package) (bool, error) {
	if pkg.PublishedAt.IsZero() {
		pkg.PublishedAt = time.Now()
	}
	inserted, err := c.store.PublishPackage(ctx, pkg)
	if err != nil {
		return false, err
	}
	if inserted {
		c.byType.Remove(pkg.Type)
		c.logger.Info("Package published",
			zap.String("package_id", pkg.ID),
			zap.String("type", pkg.Type),
			zap.Int("tiers", len(pkg.Tiers)))
	}
	return inserted, nil
}

type catalogFile struct {
	Packages []packageDef `toml:"package"`
}

type packageDef struct {
	ID           string               `toml:"id"`
	Type         string               `toml:"type"`
	Amount       int64                `toml:"amount"`
	DurationDays int                  `toml:"duration_days"`
	UntilSold    bool                 `toml:"until_sold"`
	Rebookable   bool                 `toml:"rebookable"`
	Tiers        []models.PricingTier `toml:"tiers"`
}

var packageTypes = map[string]bool{
	models.PackageTypeClassified:         true,
	models.PackageTypeAuctionVehicle:     true,
	models.PackageTypeAuctionNumberplate: true,
}

// ParseCatalog decodes package definitions from TOML
func ParseCatalog(data []byte) ([]models.Package, error) {
	var f catalogFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse package catalog: %w", err)
	}

	packages := make([]models.Package, 0, len(f.Packages))
	for _, def := range f.Packages {
		if def.ID == "" {
			return nil, fmt.Errorf("package without id")
		}
		if !packageTypes[def.Type] {
			return nil, fmt.Errorf("package %s: unknown type %q", def.ID, def.Type)
		}
		for i, tier := range def.Tiers {
			if tier.Max != nil && *tier.Max < tier.Min {
				return nil, fmt.Errorf("package %s: tier %d has max below min", def.ID, i)
			}
		}
		packages = append(packages, models.Package{
			ID:           def.ID,
			Type:         def.Type,
			Amount:       def.Amount,
			Tiers:        def.Tiers,
			DurationDays: def.DurationDays,
			UntilSold:    def.UntilSold,
			Rebookable:   def.Rebookable,
		})
	}
	return packages, nil
}

// LoadCatalogFile reads package definitions from a TOML file and publishes them
func (c *Catalog) LoadCatalogFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read package catalog: %w", err)
	}
	packages, err := ParseCatalog(data)
	if err != nil {
		return 0, err
	}

	published := 0
	for i := range packages {
		inserted, err := c.Publish(ctx, &packages[i])
		if err != nil {
			return published, err
		}
		if inserted {
			published++
		}
	}
	return published, nil
}
