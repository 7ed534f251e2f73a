// Package pricing computes listing package fees from vehicle prices.
package pricing

import (
	"settlement-service/internal/models"
)

// Quote is the result of evaluating a package for a vehicle price
type Quote struct {
	PackageID    string               `json:"packageId"`
	PackageType  string               `json:"type"`
	VehiclePrice int64                `json:"vehiclePrice"`
	Fee          int64                `json:"fee"`
	MatchedTier  *models.PricingTier  `json:"matchedTier,omitempty"`
	Breakdown    []models.PricingTier `json:"tierBreakdown"`
}

// Evaluate returns the fee of the first tier containing vehiclePrice, both
// bounds inclusive, or the package's flat amount when no tier matches.
// It has no side effects and is used for quoting and for payment finalization.
func Evaluate(pkg *models.Package, vehiclePrice int64) Quote {
	q := Quote{
		PackageID:    pkg.ID,
		PackageType:  pkg.Type,
		VehiclePrice: vehiclePrice,
		Fee:          pkg.Amount,
		Breakdown:    pkg.Tiers,
	}
	if q.Breakdown == nil {
		q.Breakdown = []models.PricingTier{}
	}

	for i := range pkg.Tiers {
		tier := pkg.Tiers[i]
		if tier.Min > vehiclePrice {
			continue
		}
		if tier.Max != nil && vehiclePrice > *tier.Max {
			continue
		}
		q.Fee = tier.Fee
		q.MatchedTier = &tier
		break
	}
	return q
}
