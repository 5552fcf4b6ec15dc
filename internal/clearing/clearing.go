// Package clearing computes an informational uniform clearing price from
// the current book's cumulative demand/supply curves. It never drives the
// matching loop.
package clearing

import (
	"github.com/shopspring/decimal"

	"gridtokenx/internal/book"
)

// Result is the clearing price and matched volume for the current book.
type Result struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
	Found  bool
}

type curvePoint struct {
	price      decimal.Decimal
	cumulative decimal.Decimal
}

// Compute builds the cumulative demand curve (descending bid price) and
// cumulative supply curve (ascending ask price), then returns the
// demand/supply crossing pair that maximizes matched volume, priced at
// their midpoint.
func Compute(b *book.Book) Result {
	demand := cumulativeCurve(b.BuyDepth())
	supply := cumulativeCurve(b.SellDepth())

	var best Result
	for _, d := range demand {
		for _, s := range supply {
			if d.price.LessThan(s.price) {
				continue
			}
			volume := decimal.Min(d.cumulative, s.cumulative)
			if !best.Found || volume.GreaterThan(best.Volume) {
				best = Result{
					Price:  d.price.Add(s.price).Div(decimal.NewFromInt(2)),
					Volume: volume,
					Found:  true,
				}
			}
		}
	}
	return best
}

// cumulativeCurve turns ordered (price, volume) depth entries into running
// totals, preserving the caller's ordering (bids already best-first
// descending, asks already best-first ascending).
func cumulativeCurve(depth []book.DepthEntry) []curvePoint {
	out := make([]curvePoint, 0, len(depth))
	running := decimal.Zero
	for _, d := range depth {
		running = running.Add(d.TotalVolume)
		out = append(out, curvePoint{price: d.Price, cumulative: running})
	}
	return out
}
