package regime

import (
	"context"

	"github.com/kestrelquant/portfolio-engine/internal/datacache"
	"github.com/kestrelquant/portfolio-engine/internal/domain"
)

// CacheIndexSource adapts the engine's own DataCache into an
// IndexPriceSource, so the regime detector reads the index ticker through
// the same as-of-bound, tiered cache every other price fetch in the engine
// goes through rather than a bespoke client. Detect always calls
// GetHistory with end == asOf, so the window's end date doubles as the
// point-in-time cutoff with no separate asOf to track here.
type CacheIndexSource struct {
	Cache *datacache.Cache
}

func (c CacheIndexSource) GetHistory(ctx context.Context, ticker domain.Ticker, start, end domain.Date) ([]domain.PriceBar, error) {
	return c.Cache.GetPrices(ctx, ticker, start, end, end)
}
