package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ostavnaas/kjeller/internal/engine"
	"github.com/ostavnaas/kjeller/internal/metrics"
	"github.com/ostavnaas/kjeller/internal/prices"
	"github.com/ostavnaas/kjeller/internal/reconcile"
	"github.com/ostavnaas/kjeller/internal/sensors"
	"github.com/ostavnaas/kjeller/internal/store"
	"github.com/ostavnaas/kjeller/internal/telemetry"
	"github.com/ostavnaas/kjeller/internal/weather"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	defaultPollInterval = 60 * time.Second
	// a failed broker connect is retried after this long unless the mqtt
	// section changes first
	publisherRetry = 5 * time.Minute
	// the status board entry outlives this many missed ticks
	statusTTLTicks = 5
)

// Loader produces a fresh configuration for each tick
type Loader interface {
	Load() (*engine.Config, error)
}

// Thermometer reports the outdoor temperature
type Thermometer interface {
	CurrentTemperature(ctx context.Context) (float64, error)
}

// Recorder persists price history and the tick log
type Recorder interface {
	CachePrices(date time.Time, samples []engine.PriceSample) error
	RecordTick(t store.Tick) (string, error)
	RecordAdjustment(a store.Adjustment) error
}

// Clients builds the external API clients from the current configuration.
// Nil fields fall back to the real implementations; a nil Weather disables
// the outdoor reading.
type Clients struct {
	Prices    func(engine.TibberConfig) prices.Fetcher
	Sensors   func(engine.DeconzConfig) reconcile.SensorAPI
	Weather   func(lat, lon float64) Thermometer
	Publisher func(engine.MQTTConfig) (reconcile.Publisher, error)
}

// DefaultClients talks to Tibber, deCONZ, Open-Meteo and MQTT
func DefaultClients() Clients {
	return Clients{
		Prices: func(cfg engine.TibberConfig) prices.Fetcher {
			return prices.NewTibberClient(cfg)
		},
		Sensors: func(cfg engine.DeconzConfig) reconcile.SensorAPI {
			return sensors.NewDeconzClient(cfg)
		},
		Weather: func(lat, lon float64) Thermometer {
			return weather.NewOpenMeteoClient(lat, lon)
		},
		Publisher: func(cfg engine.MQTTConfig) (reconcile.Publisher, error) {
			pub, err := telemetry.NewMQTTPublisher(cfg)
			if err != nil {
				return nil, err
			}
			return pub, nil
		},
	}
}

// Options configures a Controller. Store, Metrics and Board may be nil.
type Options struct {
	Clients Clients
	Store   Recorder
	Metrics *metrics.Process
	Board   *Board
}

// Controller runs the heating control loop. Tick is not safe for
// concurrent use; readers use the Board.
type Controller struct {
	loader   Loader
	clients  Clients
	cache    *prices.Cache
	store    Recorder
	metrics  *metrics.Process
	board    *Board
	interval time.Duration
	now      func() time.Time

	publisher        reconcile.Publisher
	publisherCfg     engine.MQTTConfig
	publisherRetryAt time.Time
}

// New creates a controller with an empty price cache
func New(loader Loader, opts Options) *Controller {
	defaults := DefaultClients()
	clients := opts.Clients
	if clients.Prices == nil {
		clients.Prices = defaults.Prices
	}
	if clients.Sensors == nil {
		clients.Sensors = defaults.Sensors
	}
	if clients.Publisher == nil {
		clients.Publisher = defaults.Publisher
	}

	board := opts.Board
	if board == nil {
		board = NewBoard()
	}

	return &Controller{
		loader:   loader,
		clients:  clients,
		cache:    prices.NewCache(),
		store:    opts.Store,
		metrics:  opts.Metrics,
		board:    board,
		interval: defaultPollInterval,
		now:      time.Now,
	}
}

// Board returns the status board the controller publishes to
func (c *Controller) Board() *Board {
	return c.board
}

// Run ticks until ctx is cancelled, sleeping the configured poll interval
// between ticks. Tick errors are logged and never stop the loop.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := c.Tick(ctx); err != nil {
			log.Error().Err(err).Msg("tick failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.interval):
		}
	}
}

// Tick performs one pass: reload configuration, refresh prices, then
// resolve and reconcile every room in configuration order. Only a
// configuration failure aborts the tick.
func (c *Controller) Tick(ctx context.Context) error {
	cfg, err := c.loader.Load()
	if err != nil {
		c.metrics.Error("config")
		return fmt.Errorf("loading config: %w", err)
	}
	c.metrics.Tick()
	if cfg.Global.PollInterval > 0 {
		c.interval = cfg.Global.PollInterval
	}
	c.applyConfig(cfg)

	now := c.localNow(cfg)
	status := Status{
		TickID: uuid.NewString(),
		At:     now,
	}

	c.refreshPrices(ctx, cfg, now, &status)
	if price, ok := c.cache.Resolve(now); ok {
		status.Price = &price
		c.metrics.Price(price, true)
	} else {
		c.metrics.Price(price, false)
	}
	status.Samples = c.cache.Samples()

	if t, ok := c.outdoorTemperature(ctx, cfg); ok {
		status.Outdoor = &t
	} else if cfg.Global.HasLocation() && c.clients.Weather != nil {
		status.Errors++
	}

	rec := reconcile.New(c.clients.Sensors(cfg.Deconz), exporter(cfg), c.publisher)
	for _, room := range cfg.Rooms {
		if ctx.Err() != nil {
			break
		}
		rs := c.reconcileRoom(ctx, rec, cfg, room, now, status.TickID)
		if rs.Error != "" {
			status.Errors++
		}
		status.Rooms = append(status.Rooms, rs)
	}

	c.recordTick(status)
	c.board.Publish(status, statusTTLTicks*c.interval)
	return nil
}

func (c *Controller) reconcileRoom(ctx context.Context, rec *reconcile.Reconciler, cfg *engine.Config, room engine.RoomConfig, now time.Time, tickID string) RoomStatus {
	target := engine.ResolveTarget(room, cfg.Global, c.cache, now)
	c.metrics.Target(room.Name, target.SetPoint)

	rs := RoomStatus{Name: room.Name, SensorID: room.SensorID, Target: target}

	outcome, err := rec.Reconcile(ctx, room, target)
	if err != nil {
		rs.Error = err.Error()
		if outcome.Status == reconcile.StatusWriteFailed {
			c.metrics.Error("write")
			log.Error().Err(err).Str("room", room.Name).Int("target", target.SetPoint).Msg("could not set temperature")
		} else {
			c.metrics.Error("sensor")
			log.Error().Err(err).Str("room", room.Name).Msg("could not read sensor")
			return rs
		}
	}

	reading := outcome.Reading
	rs.Reading = &reading
	rs.Status = outcome.Status
	rs.Sent = outcome.Sent
	if outcome.Status == reconcile.StatusUpdated {
		c.metrics.SetPointWritten(room.Name)
	}

	if c.store != nil {
		err := c.store.RecordAdjustment(store.Adjustment{
			TickID:   tickID,
			Room:     room.Name,
			SensorID: room.SensorID,
			Previous: outcome.Previous,
			Target:   target.SetPoint,
			Sent:     outcome.Sent,
			Reason:   target.Reason,
			Status:   string(outcome.Status),
			At:       outcome.At,
		})
		if err != nil {
			c.metrics.Error("store")
			log.Warn().Err(err).Str("room", room.Name).Msg("recording adjustment")
		}
	}
	return rs
}

func (c *Controller) refreshPrices(ctx context.Context, cfg *engine.Config, now time.Time, status *Status) {
	fetched, err := c.cache.RefreshIfStale(ctx, c.clients.Prices(cfg.Tibber), now)
	if err != nil {
		status.Errors++
		c.metrics.Error("prices")
		log.Error().Err(err).Msg("could not fetch electricity prices")
		return
	}
	if !fetched || c.store == nil {
		return
	}
	if err := c.store.CachePrices(now, c.cache.Samples()); err != nil {
		c.metrics.Error("store")
		log.Warn().Err(err).Msg("storing price history")
	}
}

func (c *Controller) outdoorTemperature(ctx context.Context, cfg *engine.Config) (float64, bool) {
	if !cfg.Global.HasLocation() || c.clients.Weather == nil {
		return 0, false
	}
	t, err := c.clients.Weather(cfg.Global.Latitude, cfg.Global.Longitude).CurrentTemperature(ctx)
	if err != nil {
		c.metrics.Error("weather")
		log.Warn().Err(err).Msg("could not fetch outdoor temperature")
		return 0, false
	}
	c.metrics.Outdoor(t)
	log.Info().Float64("temperature", t).Msg("outdoor temperature")
	return t, true
}

func (c *Controller) recordTick(status Status) {
	if c.store == nil {
		return
	}
	_, err := c.store.RecordTick(store.Tick{
		ID:        status.TickID,
		StartedAt: status.At,
		Price:     status.Price,
		Outdoor:   status.Outdoor,
		Rooms:     len(status.Rooms),
		Errors:    status.Errors,
	})
	if err != nil {
		c.metrics.Error("store")
		log.Warn().Err(err).Msg("recording tick")
	}
}

// applyConfig points the price sink and the event publisher at the current
// configuration.
func (c *Controller) applyConfig(cfg *engine.Config) {
	if cfg.Global.PriceFile != "" {
		c.cache.SetSink(prices.FileSink{Path: cfg.Global.PriceFile})
	} else {
		c.cache.SetSink(nil)
	}

	if c.publisherCfg == cfg.MQTT {
		if c.publisher != nil || !cfg.MQTT.Enabled() || c.now().Before(c.publisherRetryAt) {
			return
		}
	}
	c.closePublisher()
	c.publisherCfg = cfg.MQTT
	c.publisherRetryAt = time.Time{}
	if !cfg.MQTT.Enabled() {
		return
	}

	pub, err := c.clients.Publisher(cfg.MQTT)
	if err != nil {
		c.publisherRetryAt = c.now().Add(publisherRetry)
		c.metrics.Error("mqtt")
		log.Warn().Err(err).Str("broker", cfg.MQTT.Broker).Time("retry_at", c.publisherRetryAt).Msg("mqtt publisher unavailable")
		return
	}
	c.publisher = pub
}

func (c *Controller) closePublisher() {
	if closer, ok := c.publisher.(interface{ Close() }); ok {
		closer.Close()
	}
	c.publisher = nil
}

// Close releases the event publisher
func (c *Controller) Close() {
	c.closePublisher()
	c.publisherCfg = engine.MQTTConfig{}
}

func (c *Controller) localNow(cfg *engine.Config) time.Time {
	now := c.now()
	if cfg.Global.Location != nil {
		return now.In(cfg.Global.Location)
	}
	return now
}

func exporter(cfg *engine.Config) reconcile.Exporter {
	if cfg.Global.PromDir == "" {
		return nil
	}
	return metrics.Textfile{Dir: cfg.Global.PromDir}
}

// PlanEntry is what a tick would do for one room
type PlanEntry struct {
	Target     engine.ResolvedTarget `json:"target"`
	Current    *int                  `json:"current,omitempty"`
	Send       int                   `json:"send"`
	WouldWrite bool                  `json:"would_write"`
	Error      string                `json:"error,omitempty"`
}

// Plan resolves every room's target and compares it with the live
// thermostat without writing anything.
func (c *Controller) Plan(ctx context.Context) ([]PlanEntry, error) {
	cfg, err := c.loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	now := c.localNow(cfg)

	c.cache.SetSink(nil)
	if _, err := c.cache.RefreshIfStale(ctx, c.clients.Prices(cfg.Tibber), now); err != nil {
		log.Warn().Err(err).Msg("planning without prices")
	}
	c.cache.Resolve(now)

	sensorAPI := c.clients.Sensors(cfg.Deconz)
	entries := make([]PlanEntry, 0, len(cfg.Rooms))
	for _, room := range cfg.Rooms {
		target := engine.ResolveTarget(room, cfg.Global, c.cache, now)
		entry := PlanEntry{Target: target, Send: reconcile.Clamp(target.SetPoint)}

		reading, err := sensorAPI.Sensor(ctx, room.SensorID)
		if err != nil {
			entry.Error = err.Error()
		} else {
			current := reading.SetPoint()
			entry.Current = &current
			entry.WouldWrite = current != entry.Send
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// PriceReport is today's price table as seen by the controller
type PriceReport struct {
	At       time.Time            `json:"at"`
	Samples  []engine.PriceSample `json:"samples"`
	Current  *decimal.Decimal     `json:"current,omitempty"`
	MaxPrice *decimal.Decimal     `json:"max_price,omitempty"`
	Exceeds  bool                 `json:"exceeds_max_price"`
}

// Prices fetches today's prices when the cache is stale and reports the
// current hour against the global cutoff. Nothing is recorded.
func (c *Controller) Prices(ctx context.Context) (PriceReport, error) {
	cfg, err := c.loader.Load()
	if err != nil {
		return PriceReport{}, fmt.Errorf("loading config: %w", err)
	}
	now := c.localNow(cfg)

	c.cache.SetSink(nil)
	if _, err := c.cache.RefreshIfStale(ctx, c.clients.Prices(cfg.Tibber), now); err != nil {
		return PriceReport{}, err
	}

	report := PriceReport{
		At:       now,
		Samples:  c.cache.Samples(),
		MaxPrice: cfg.Global.MaxPrice,
	}
	if price, ok := c.cache.Resolve(now); ok {
		report.Current = &price
		report.Exceeds = c.cache.ExceedsMaxPrice(cfg.Global.MaxPrice)
	}
	return report, nil
}
