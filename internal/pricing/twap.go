package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"dca-vault-engine/internal/domain"
)

// TimeWeightedAverage averages points in offer-per-target units for offerDenom.
// Each point is weighted by the time until the next point, the last one until
// now. Points must be ordered by timestamp. Returns false when points is empty.
func TimeWeightedAverage(points []*domain.PricePoint, offerDenom string, start, now time.Time) (decimal.Decimal, bool) {
	if len(points) == 0 {
		return decimal.Zero, false
	}

	weighted := decimal.Zero
	total := decimal.Zero
	sum := decimal.Zero
	for i, p := range points {
		price := p.OfferPrice(offerDenom)
		sum = sum.Add(price)

		from := p.Timestamp
		if from.Before(start) {
			from = start
		}
		to := now
		if i+1 < len(points) {
			to = points[i+1].Timestamp
		}
		if !to.After(from) {
			continue
		}
		w := decimal.NewFromInt(to.Sub(from).Milliseconds())
		weighted = weighted.Add(price.Mul(w))
		total = total.Add(w)
	}

	// All points share one instant: plain mean
	if total.IsZero() {
		return domain.Quo(sum, decimal.NewFromInt(int64(len(points)))), true
	}
	return domain.Quo(weighted, total), true
}
