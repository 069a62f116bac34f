package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/ostavnaas/kjeller/internal/engine"
	"github.com/rs/zerolog/log"
)

// Safe actuation range. Targets at or beyond either bound are replaced by
// FallbackSetPoint before being sent.
const (
	MinSetPoint      = 5
	MaxSetPoint      = 25
	FallbackSetPoint = 10
)

// SensorAPI reads and writes thermostat state
type SensorAPI interface {
	Sensor(ctx context.Context, id string) (engine.SensorReading, error)
	SetHeatSetPoint(ctx context.Context, id string, hundredths int) error
}

// Exporter receives the sensor snapshot for each room
type Exporter interface {
	Export(room string, reading engine.SensorReading) error
}

// Publisher is notified about every set-point write
type Publisher interface {
	Publish(o Outcome) error
}

// Status describes what a reconciliation did
type Status string

const (
	StatusInSync      Status = "in_sync"
	StatusUpdated     Status = "updated"
	StatusWriteFailed Status = "write_failed"
)

// Outcome is the result of reconciling one room
type Outcome struct {
	Room     string                `json:"room"`
	SensorID string                `json:"sensor_id"`
	Target   engine.ResolvedTarget `json:"target"`
	Reading  engine.SensorReading  `json:"reading"`
	Previous int                   `json:"previous"`
	Sent     int                   `json:"sent,omitempty"`
	Status   Status                `json:"status"`
	At       time.Time             `json:"at"`
}

// Clamp returns the set-point actually sent for a requested target
func Clamp(t int) int {
	if t <= MinSetPoint || t >= MaxSetPoint {
		return FallbackSetPoint
	}
	return t
}

// Reconciler compares desired and live set-points and writes on mismatch
type Reconciler struct {
	sensors   SensorAPI
	exporter  Exporter
	publisher Publisher
	now       func() time.Time
}

// New creates a Reconciler. exporter and publisher may be nil.
func New(sensors SensorAPI, exporter Exporter, publisher Publisher) *Reconciler {
	return &Reconciler{
		sensors:   sensors,
		exporter:  exporter,
		publisher: publisher,
		now:       time.Now,
	}
}

// Reconcile reads the room's thermostat and writes the target when the live
// set-point differs from the value that would be sent. A read error aborts
// the room; a write error is returned alongside a StatusWriteFailed outcome.
func (r *Reconciler) Reconcile(ctx context.Context, room engine.RoomConfig, target engine.ResolvedTarget) (Outcome, error) {
	outcome := Outcome{
		Room:     room.Name,
		SensorID: room.SensorID,
		Target:   target,
		At:       r.now(),
	}

	reading, err := r.sensors.Sensor(ctx, room.SensorID)
	if err != nil {
		return outcome, fmt.Errorf("reading %s: %w", room.Name, err)
	}
	outcome.Reading = reading
	outcome.Previous = reading.SetPoint()

	log.Info().
		Str("room", room.Name).
		Float64("temperature", reading.TemperatureC()).
		Float64("floor_temperature", reading.FloorTemperatureC()).
		Float64("heat_set_point", reading.HeatSetPointC()).
		Bool("heating", reading.Heating).
		Msg("sensor state")

	send := Clamp(target.SetPoint)
	if reading.SetPoint() == send {
		outcome.Status = StatusInSync
		r.export(room.Name, reading)
		return outcome, nil
	}

	log.Info().
		Str("room", room.Name).
		Int("from", reading.SetPoint()).
		Int("to", send).
		Str("reason", string(target.Reason)).
		Msg("setting new temperature")

	if err := r.sensors.SetHeatSetPoint(ctx, room.SensorID, send*100); err != nil {
		outcome.Status = StatusWriteFailed
		r.export(room.Name, reading)
		return outcome, fmt.Errorf("writing %s: %w", room.Name, err)
	}

	outcome.Sent = send
	outcome.Status = StatusUpdated
	reading.HeatSetPoint = send * 100
	outcome.Reading = reading
	r.export(room.Name, reading)

	if r.publisher != nil {
		if err := r.publisher.Publish(outcome); err != nil {
			log.Warn().Err(err).Str("room", room.Name).Msg("publishing set-point change")
		}
	}

	return outcome, nil
}

func (r *Reconciler) export(room string, reading engine.SensorReading) {
	if r.exporter == nil {
		return
	}
	if err := r.exporter.Export(room, reading); err != nil {
		log.Warn().Err(err).Str("room", room).Msg("exporting metrics")
	}
}
