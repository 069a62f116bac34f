package prices

import (
	"context"
	"time"

	"github.com/ostavnaas/kjeller/internal/engine"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// SlotLength is the length of one price interval
const SlotLength = 60 * time.Minute

// Fetcher returns today's hourly prices
type Fetcher interface {
	Fetch(ctx context.Context) ([]engine.PriceSample, error)
}

// Sink durably records the resolved current price
type Sink interface {
	RecordPrice(total decimal.Decimal) error
}

// Cache holds today's prices and the price snapshot for the running tick.
// The sample slice is only ever replaced, never modified in place.
type Cache struct {
	samples []engine.PriceSample
	current *decimal.Decimal
	sink    Sink
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{}
}

// SetSink sets where resolved prices are recorded; nil disables recording
func (c *Cache) SetSink(s Sink) {
	c.sink = s
}

// IsStale reports whether the cache needs a fetch for now's calendar date
func (c *Cache) IsStale(now time.Time) bool {
	if len(c.samples) == 0 {
		return true
	}
	return !sameDate(c.samples[0].StartsAt.In(now.Location()), now)
}

// RefreshIfStale fetches prices when the cache is stale. On failure the
// cache is emptied and the error is returned; callers treat this as the
// degraded "no price" state.
func (c *Cache) RefreshIfStale(ctx context.Context, f Fetcher, now time.Time) (bool, error) {
	if !c.IsStale(now) {
		return false, nil
	}

	samples, err := f.Fetch(ctx)
	if err != nil {
		c.samples = nil
		c.current = nil
		return false, err
	}

	c.samples = samples
	log.Info().Int("samples", len(samples)).Msg("electricity prices updated")
	return true, nil
}

// CurrentPrice returns the price of the sample whose hour contains now
func (c *Cache) CurrentPrice(now time.Time) (decimal.Decimal, bool) {
	at := now.UTC()
	for _, s := range c.samples {
		start := s.StartsAt.UTC()
		if !at.Before(start) && at.Before(start.Add(SlotLength)) {
			return s.Total, true
		}
	}
	return decimal.Zero, false
}

// Resolve computes the price snapshot used for the rest of the tick and
// records it to the sink when one is available.
func (c *Cache) Resolve(now time.Time) (decimal.Decimal, bool) {
	price, ok := c.CurrentPrice(now)
	if !ok {
		c.current = nil
		return decimal.Zero, false
	}

	c.current = &price
	log.Info().Str("price", price.String()).Msg("electricity price per kWh")

	if c.sink != nil {
		if err := c.sink.RecordPrice(price); err != nil {
			log.Warn().Err(err).Msg("recording current price")
		}
	}
	return price, true
}

// Snapshot returns the price resolved for the running tick
func (c *Cache) Snapshot() (decimal.Decimal, bool) {
	if c.current == nil {
		return decimal.Zero, false
	}
	return *c.current, true
}

// ExceedsMaxPrice reports whether the tick's price is at or above cutoff.
// A zero price counts as unavailable.
func (c *Cache) ExceedsMaxPrice(cutoff *decimal.Decimal) bool {
	if c.current == nil || c.current.IsZero() || cutoff == nil {
		log.Debug().Msg("price not available or no cutoff")
		return false
	}
	return !c.current.LessThan(*cutoff)
}

// Samples returns a copy of the cached prices
func (c *Cache) Samples() []engine.PriceSample {
	out := make([]engine.PriceSample, len(c.samples))
	copy(out, c.samples)
	return out
}

// sameDate compares calendar dates as seen in each time's location
func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
