package metrics

import (
	"math"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Process holds the controller's own metrics. A nil *Process is valid and
// records nothing.
type Process struct {
	ticks          prometheus.Counter
	errors         *prometheus.CounterVec
	setPointWrites *prometheus.CounterVec
	targets        *prometheus.GaugeVec
	price          prometheus.Gauge
	outdoor        prometheus.Gauge
	gatherer       prometheus.Gatherer
}

// NewProcess creates the process metrics and registers them with reg
func NewProcess(reg *prometheus.Registry) *Process {
	m := &Process{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kjeller_ticks_total",
			Help: "Total control loop ticks started.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kjeller_errors_total",
			Help: "Recoverable errors by kind.",
		}, []string{"kind"}),
		setPointWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kjeller_setpoint_writes_total",
			Help: "Set-point writes sent to thermostats by room.",
		}, []string{"room"}),
		targets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kjeller_target_temperature_celsius",
			Help: "Resolved target temperature by room.",
		}, []string{"room"}),
		price: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kjeller_price_current",
			Help: "Electricity price for the current hour, NaN when unknown.",
		}),
		outdoor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kjeller_outdoor_temperature_celsius",
			Help: "Outdoor temperature at the house location.",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.ticks,
		m.errors,
		m.setPointWrites,
		m.targets,
		m.price,
		m.outdoor,
	)

	return m
}

func (m *Process) Tick() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

// Error counts a recoverable error of the given kind
func (m *Process) Error(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

func (m *Process) SetPointWritten(room string) {
	if m == nil {
		return
	}
	m.setPointWrites.WithLabelValues(room).Inc()
}

func (m *Process) Target(room string, celsius int) {
	if m == nil {
		return
	}
	m.targets.WithLabelValues(room).Set(float64(celsius))
}

// Price sets the current price gauge; ok=false marks it unknown
func (m *Process) Price(price decimal.Decimal, ok bool) {
	if m == nil {
		return
	}
	if !ok {
		m.price.Set(math.NaN())
		return
	}
	m.price.Set(price.InexactFloat64())
}

func (m *Process) Outdoor(celsius float64) {
	if m == nil {
		return
	}
	m.outdoor.Set(celsius)
}

// Handler serves the registry in the Prometheus exposition format
func (m *Process) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
