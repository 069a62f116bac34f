package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ostavnaas/kjeller/internal/engine"
	"github.com/prometheus/client_golang/prometheus"
)

// Textfile writes one .prom file per room for the node exporter textfile
// collector.
type Textfile struct {
	Dir string
}

// Path returns the file a room's metrics are written to
func (t Textfile) Path(room string) string {
	return filepath.Join(t.Dir, strings.ToLower(room)+".prom")
}

// Export replaces the room's metric file with the given sensor snapshot.
// Rooms without a name are skipped.
func (t Textfile) Export(room string, reading engine.SensorReading) error {
	name := strings.ToLower(room)
	if name == "" {
		return nil
	}

	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"name": name}
	heating := 0.0
	if reading.Heating {
		heating = 1
	}

	for _, g := range []struct {
		name  string
		help  string
		value float64
	}{
		{"deconz_temperature", "Room temperature in degrees Celsius.", reading.TemperatureC()},
		{"deconz_floortemperature", "Floor temperature in degrees Celsius.", reading.FloorTemperatureC()},
		{"deconz_heatsetpoint", "Thermostat set-point in degrees Celsius.", reading.HeatSetPointC()},
		{"deconz_heating", "1 if the thermostat is heating.", heating},
	} {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        g.name,
			Help:        g.help,
			ConstLabels: labels,
		})
		gauge.Set(g.value)
		if err := reg.Register(gauge); err != nil {
			return fmt.Errorf("registering %s: %w", g.name, err)
		}
	}

	if err := os.MkdirAll(t.Dir, 0755); err != nil {
		return fmt.Errorf("creating metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(t.Path(name), reg); err != nil {
		return fmt.Errorf("writing metrics for %s: %w", name, err)
	}
	return nil
}
