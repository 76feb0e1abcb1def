package oracle

import (
	"context"

	"github.com/agrihedge/hedgecore/internal/contracts"
)

// Layered consults sources in order and returns the first price found.
// Typical wiring is the in-memory board first, redis second, so a fresh
// process can still serve prices published before it started.
type Layered struct {
	sources []PriceOracle
}

// NewLayered builds a layered oracle. Nil sources are skipped.
func NewLayered(sources ...PriceOracle) *Layered {
	kept := make([]PriceOracle, 0, len(sources))
	for _, s := range sources {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Layered{sources: kept}
}

// LatestPrice returns the first available quote. A source error stops
// the scan; missing data falls through to the next source.
func (l *Layered) LatestPrice(ctx context.Context, commodity contracts.Commodity) (Quote, bool, error) {
	for _, source := range l.sources {
		quote, ok, err := source.LatestPrice(ctx, commodity)
		if err != nil {
			return Quote{}, false, err
		}
		if ok {
			return quote, true, nil
		}
	}
	return Quote{}, false, nil
}
