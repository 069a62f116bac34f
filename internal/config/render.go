package config

import (
	"io"
	"strings"
	"time"

	"github.com/ostavnaas/kjeller/internal/engine"
	"gopkg.in/yaml.v3"
)

const redacted = "********"

// Render writes the effective configuration as YAML with credentials masked
func Render(w io.Writer, cfg *engine.Config) error {
	raw := fromConfig(cfg)
	if raw.Tibber.AccessToken != "" {
		raw.Tibber.AccessToken = redacted
	}
	if raw.Deconz.APIKey != "" {
		raw.Deconz.APIKey = redacted
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(raw); err != nil {
		return err
	}
	return enc.Close()
}

func fromConfig(cfg *engine.Config) rawConfig {
	g := cfg.Global
	tz := "Local"
	if g.Location != nil {
		tz = g.Location.String()
	}

	raw := rawConfig{
		Global: rawGlobal{
			Debug:            g.Debug,
			Sleep:            int(g.PollInterval / time.Second),
			Lat:              g.Latitude,
			Long:             g.Longitude,
			Timezone:         tz,
			DayTemperature:   g.DayTemperature,
			NightTemperature: g.NightTemperature,
			MaxPrice:         toFloat(g.MaxPrice),
			LogFile:          g.LogFile,
			PriceFile:        g.PriceFile,
			PromDir:          g.PromDir,
			Database:         g.Database,
			HTTPAddr:         g.HTTPAddr,
		},
		Tibber: rawTibber(cfg.Tibber),
		Deconz: rawDeconz(cfg.Deconz),
		MQTT:   rawMQTT(cfg.MQTT),
	}

	for _, r := range cfg.Rooms {
		room := rawRoom{
			Name:             r.Name,
			SensorID:         r.SensorID,
			DayTemperature:   r.DayTemperature,
			NightTemperature: r.NightTemperature,
			MaxPrice:         toFloat(r.MaxPrice),
		}
		for day := time.Sunday; day <= time.Saturday; day++ {
			windows := r.Schedule.Windows(day)
			if len(windows) == 0 {
				continue
			}
			if room.Schedule == nil {
				room.Schedule = make(map[string][]string)
			}
			room.Schedule[strings.ToLower(day.String())] = windows
		}
		raw.Rooms = append(raw.Rooms, room)
	}
	return raw
}
