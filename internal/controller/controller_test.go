package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ostavnaas/kjeller/internal/config"
	"github.com/ostavnaas/kjeller/internal/engine"
	"github.com/ostavnaas/kjeller/internal/metrics"
	"github.com/ostavnaas/kjeller/internal/prices"
	"github.com/ostavnaas/kjeller/internal/reconcile"
	"github.com/ostavnaas/kjeller/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLoader struct {
	cfg *engine.Config
	err error
}

func (l *staticLoader) Load() (*engine.Config, error) {
	return l.cfg, l.err
}

type fakeFetcher struct {
	samples []engine.PriceSample
	err     error
	calls   int
}

func (f *fakeFetcher) Fetch(ctx context.Context) ([]engine.PriceSample, error) {
	f.calls++
	return f.samples, f.err
}

type fakeGateway struct {
	readings map[string]engine.SensorReading
	readErr  map[string]error
	writes   map[string][]int
}

func newGateway() *fakeGateway {
	return &fakeGateway{
		readings: map[string]engine.SensorReading{
			"1": {Name: "Livingroom", Temperature: 1950, HeatSetPoint: 1000},
			"2": {Name: "Office", Temperature: 1800, HeatSetPoint: 1000},
		},
		readErr: map[string]error{},
		writes:  map[string][]int{},
	}
}

func (g *fakeGateway) Sensor(ctx context.Context, id string) (engine.SensorReading, error) {
	if err := g.readErr[id]; err != nil {
		return engine.SensorReading{}, err
	}
	r, ok := g.readings[id]
	if !ok {
		return engine.SensorReading{}, errors.New("no such sensor")
	}
	return r, nil
}

func (g *fakeGateway) SetHeatSetPoint(ctx context.Context, id string, hundredths int) error {
	g.writes[id] = append(g.writes[id], hundredths)
	r := g.readings[id]
	r.HeatSetPoint = hundredths
	g.readings[id] = r
	return nil
}

type fakeThermometer struct {
	temp float64
	err  error
}

func (f fakeThermometer) CurrentTemperature(ctx context.Context) (float64, error) {
	return f.temp, f.err
}

type recordingPublisher struct {
	outcomes []reconcile.Outcome
	closed   bool
}

func (p *recordingPublisher) Publish(o reconcile.Outcome) error {
	p.outcomes = append(p.outcomes, o)
	return nil
}

func (p *recordingPublisher) Close() {
	p.closed = true
}

func ptrInt(i int) *int {
	return &i
}

func ptrDecimal(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// flatDay prices every hour of a UTC day at total
func flatDay(date time.Time, total string) []engine.PriceSample {
	samples := make([]engine.PriceSample, 24)
	for h := range samples {
		samples[h] = engine.PriceSample{
			StartsAt: date.Add(time.Duration(h) * time.Hour),
			Total:    decimal.RequireFromString(total),
		}
	}
	return samples
}

var monday = time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *engine.Config {
	t.Helper()
	living := engine.RoomConfig{
		Name:             "Livingroom",
		SensorID:         "1",
		DayTemperature:   ptrInt(21),
		NightTemperature: ptrInt(16),
		MaxPrice:         ptrDecimal("1.50"),
	}
	living.Schedule[time.Monday] = []string{"08:00-22:00"}

	return &engine.Config{
		Global: engine.GlobalConfig{
			PollInterval: time.Minute,
			Location:     time.UTC,
			PromDir:      t.TempDir(),
		},
		Rooms: []engine.RoomConfig{
			living,
			{Name: "Office", SensorID: "2"},
		},
	}
}

type harness struct {
	ctrl    *Controller
	cfg     *engine.Config
	fetcher *fakeFetcher
	gateway *fakeGateway
}

func newHarness(t *testing.T, at time.Time, opts Options) *harness {
	t.Helper()
	h := &harness{
		cfg:     testConfig(t),
		fetcher: &fakeFetcher{samples: flatDay(monday, "1.00")},
		gateway: newGateway(),
	}
	opts.Clients.Prices = func(engine.TibberConfig) prices.Fetcher { return h.fetcher }
	opts.Clients.Sensors = func(engine.DeconzConfig) reconcile.SensorAPI { return h.gateway }
	h.ctrl = New(&staticLoader{cfg: h.cfg}, opts)
	h.ctrl.now = func() time.Time { return at }
	return h
}

func roomStatus(t *testing.T, b *Board, name string) RoomStatus {
	t.Helper()
	rs, ok := b.Room(name)
	require.True(t, ok, "no status for %s", name)
	return rs
}

func TestTickScenarios(t *testing.T) {
	tests := []struct {
		name       string
		at         time.Time
		price      string
		fetchErr   error
		wantWrites []int
		wantReason engine.TargetReason
		wantPrice  bool
	}{
		{
			name:       "daytime inside window",
			at:         monday.Add(10 * time.Hour),
			price:      "1.00",
			wantWrites: []int{2100},
			wantReason: engine.ReasonSchedule,
			wantPrice:  true,
		},
		{
			name:       "late evening outside window",
			at:         monday.Add(23 * time.Hour),
			price:      "1.00",
			wantWrites: []int{1600},
			wantReason: engine.ReasonDefault,
			wantPrice:  true,
		},
		{
			name:       "expensive hour overrides schedule",
			at:         monday.Add(10 * time.Hour),
			price:      "2.00",
			wantWrites: []int{1600},
			wantReason: engine.ReasonPrice,
			wantPrice:  true,
		},
		{
			name:       "price at cutoff overrides schedule",
			at:         monday.Add(10 * time.Hour),
			price:      "1.50",
			wantWrites: []int{1600},
			wantReason: engine.ReasonPrice,
			wantPrice:  true,
		},
		{
			name:       "price feed down falls back to schedule",
			at:         monday.Add(10 * time.Hour),
			fetchErr:   prices.ErrMalformedPriceResponse,
			wantWrites: []int{2100},
			wantReason: engine.ReasonSchedule,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.at, Options{})
			if tt.price != "" {
				h.fetcher.samples = flatDay(monday, tt.price)
			}
			h.fetcher.err = tt.fetchErr

			require.NoError(t, h.ctrl.Tick(context.Background()))

			assert.Equal(t, tt.wantWrites, h.gateway.writes["1"])
			// office has no schedule and sits at the fallback already
			assert.Empty(t, h.gateway.writes["2"])

			status, ok := h.ctrl.Board().Status()
			require.True(t, ok)
			assert.Equal(t, tt.wantPrice, status.Price != nil)

			living := roomStatus(t, h.ctrl.Board(), "livingroom")
			assert.Equal(t, tt.wantReason, living.Target.Reason)
			assert.Equal(t, reconcile.StatusUpdated, living.Status)

			office := roomStatus(t, h.ctrl.Board(), "Office")
			assert.Equal(t, reconcile.StatusInSync, office.Status)
			assert.Equal(t, engine.DefaultTemperature, office.Target.SetPoint)
		})
	}
}

func TestTickIsIdempotent(t *testing.T) {
	h := newHarness(t, monday.Add(10*time.Hour), Options{})

	require.NoError(t, h.ctrl.Tick(context.Background()))
	require.NoError(t, h.ctrl.Tick(context.Background()))

	assert.Equal(t, []int{2100}, h.gateway.writes["1"])
	assert.Equal(t, 1, h.fetcher.calls, "prices fetched once per day")
	assert.Equal(t, reconcile.StatusInSync, roomStatus(t, h.ctrl.Board(), "Livingroom").Status)
}

func TestTickRefetchesOnNewDay(t *testing.T) {
	at := monday.Add(10 * time.Hour)
	h := newHarness(t, at, Options{})
	require.NoError(t, h.ctrl.Tick(context.Background()))

	h.ctrl.now = func() time.Time { return at.Add(24 * time.Hour) }
	h.fetcher.samples = flatDay(monday.Add(24*time.Hour), "1.00")
	require.NoError(t, h.ctrl.Tick(context.Background()))

	assert.Equal(t, 2, h.fetcher.calls)
}

func TestTickSensorErrorSkipsRoom(t *testing.T) {
	h := newHarness(t, monday.Add(10*time.Hour), Options{})
	h.gateway.readErr["1"] = errors.New("gateway unreachable")
	h.gateway.readings["2"] = engine.SensorReading{Name: "Office", HeatSetPoint: 1800}

	require.NoError(t, h.ctrl.Tick(context.Background()))

	assert.Empty(t, h.gateway.writes["1"])
	assert.Equal(t, []int{1000}, h.gateway.writes["2"])

	living := roomStatus(t, h.ctrl.Board(), "Livingroom")
	assert.Contains(t, living.Error, "gateway unreachable")
	assert.Nil(t, living.Reading)

	status, _ := h.ctrl.Board().Status()
	assert.Equal(t, 1, status.Errors)
}

func TestTickConfigError(t *testing.T) {
	h := newHarness(t, monday.Add(10*time.Hour), Options{})
	h.ctrl.loader = &staticLoader{err: config.ErrInvalidConfig}

	err := h.ctrl.Tick(context.Background())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, ok := h.ctrl.Board().Status()
	assert.False(t, ok)
	assert.Empty(t, h.gateway.writes)
}

func TestTickExportsTextfiles(t *testing.T) {
	h := newHarness(t, monday.Add(10*time.Hour), Options{})
	require.NoError(t, h.ctrl.Tick(context.Background()))

	data, err := os.ReadFile(filepath.Join(h.cfg.Global.PromDir, "livingroom.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `deconz_heatsetpoint{name="livingroom"} 21`)

	_, err = os.Stat(filepath.Join(h.cfg.Global.PromDir, "office.prom"))
	assert.NoError(t, err)
}

func TestTickPersists(t *testing.T) {
	st, err := store.NewStore(filepath.Join(t.TempDir(), "kjeller.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := newHarness(t, monday.Add(10*time.Hour), Options{Store: st})
	priceFile := filepath.Join(t.TempDir(), "price")
	h.cfg.Global.PriceFile = priceFile

	require.NoError(t, h.ctrl.Tick(context.Background()))

	samples, err := st.GetCachedPrices(monday)
	require.NoError(t, err)
	assert.Len(t, samples, 24)

	ticks, err := st.RecentTicks(5)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, 2, ticks[0].Rooms)
	require.NotNil(t, ticks[0].Price)
	assert.True(t, ticks[0].Price.Equal(decimal.RequireFromString("1.00")))

	adjustments, err := st.RecentAdjustments("", 10)
	require.NoError(t, err)
	require.Len(t, adjustments, 2)
	for _, a := range adjustments {
		assert.Equal(t, ticks[0].ID, a.TickID)
	}

	data, err := os.ReadFile(priceFile)
	require.NoError(t, err)
	assert.Equal(t, "1", strings.TrimSpace(string(data)))
}

func TestTickMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewProcess(reg)

	h := newHarness(t, monday.Add(10*time.Hour), Options{Metrics: m})
	h.cfg.Global.Latitude = 59.91
	h.cfg.Global.Longitude = 10.75
	h.ctrl.clients.Weather = func(lat, lon float64) Thermometer { return fakeThermometer{temp: -4.5} }

	require.NoError(t, h.ctrl.Tick(context.Background()))

	count, err := testutil.GatherAndCount(reg, "kjeller_ticks_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	status, _ := h.ctrl.Board().Status()
	require.NotNil(t, status.Outdoor)
	assert.InDelta(t, -4.5, *status.Outdoor, 1e-9)

	writes, err := testutil.GatherAndCount(reg, "kjeller_setpoint_writes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, writes, "only livingroom was written")
}

func TestTickWeatherFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, monday.Add(10*time.Hour), Options{})
	h.cfg.Global.Latitude = 59.91
	h.ctrl.clients.Weather = func(lat, lon float64) Thermometer {
		return fakeThermometer{err: errors.New("timeout")}
	}

	require.NoError(t, h.ctrl.Tick(context.Background()))

	status, _ := h.ctrl.Board().Status()
	assert.Nil(t, status.Outdoor)
	assert.Equal(t, 1, status.Errors)
	assert.Equal(t, []int{2100}, h.gateway.writes["1"])
}

func TestTickPublishesWrites(t *testing.T) {
	pub := &recordingPublisher{}
	connects := 0
	opts := Options{}
	opts.Clients.Publisher = func(cfg engine.MQTTConfig) (reconcile.Publisher, error) {
		connects++
		return pub, nil
	}

	h := newHarness(t, monday.Add(10*time.Hour), opts)
	h.cfg.MQTT = engine.MQTTConfig{Broker: "tcp://localhost:1883", Topic: "kjeller", ClientID: "test"}

	require.NoError(t, h.ctrl.Tick(context.Background()))
	require.NoError(t, h.ctrl.Tick(context.Background()))

	assert.Equal(t, 1, connects)
	require.Len(t, pub.outcomes, 1)
	assert.Equal(t, "Livingroom", pub.outcomes[0].Room)
	assert.Equal(t, 21, pub.outcomes[0].Sent)

	// disabling the broker closes the publisher
	h.cfg.MQTT = engine.MQTTConfig{}
	require.NoError(t, h.ctrl.Tick(context.Background()))
	assert.True(t, pub.closed)
}

func TestTickBrokerDownRetriesWithBackoff(t *testing.T) {
	connects := 0
	opts := Options{}
	opts.Clients.Publisher = func(cfg engine.MQTTConfig) (reconcile.Publisher, error) {
		connects++
		return nil, errors.New("connection refused")
	}

	at := monday.Add(10 * time.Hour)
	h := newHarness(t, at, opts)
	h.cfg.MQTT = engine.MQTTConfig{Broker: "tcp://localhost:1883", Topic: "kjeller", ClientID: "test"}

	for i := 0; i < 3; i++ {
		require.NoError(t, h.ctrl.Tick(context.Background()))
	}
	assert.Equal(t, 1, connects, "unchanged mqtt section is not retried before the backoff")
	assert.Equal(t, []int{2100}, h.gateway.writes["1"], "rooms are still reconciled")

	h.ctrl.now = func() time.Time { return at.Add(publisherRetry) }
	require.NoError(t, h.ctrl.Tick(context.Background()))
	assert.Equal(t, 2, connects, "retried once the backoff has passed")

	h.cfg.MQTT.Broker = "tcp://other:1883"
	require.NoError(t, h.ctrl.Tick(context.Background()))
	assert.Equal(t, 3, connects, "a changed mqtt section is tried right away")
}

func TestPlanDoesNotWrite(t *testing.T) {
	h := newHarness(t, monday.Add(10*time.Hour), Options{})

	entries, err := h.ctrl.Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Empty(t, h.gateway.writes)

	assert.Equal(t, 21, entries[0].Target.SetPoint)
	require.NotNil(t, entries[0].Current)
	assert.Equal(t, 10, *entries[0].Current)
	assert.True(t, entries[0].WouldWrite)

	assert.False(t, entries[1].WouldWrite)
}

func TestPrices(t *testing.T) {
	h := newHarness(t, monday.Add(10*time.Hour), Options{})
	h.cfg.Global.MaxPrice = ptrDecimal("0.90")

	report, err := h.ctrl.Prices(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Samples, 24)
	require.NotNil(t, report.Current)
	assert.True(t, report.Current.Equal(decimal.RequireFromString("1.00")))
	assert.True(t, report.Exceeds)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, monday.Add(10*time.Hour), Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := h.ctrl.Board().Status()
		return ok
	}, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
