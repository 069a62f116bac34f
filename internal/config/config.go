package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ostavnaas/kjeller/internal/engine"
	"github.com/ostavnaas/kjeller/internal/prices"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	envPrefix           = "KJELLER"
	defaultPollInterval = 60
	maxTemperature      = 40
)

type rawConfig struct {
	Global rawGlobal `mapstructure:"global" yaml:"global"`
	Tibber rawTibber `mapstructure:"tibber" yaml:"tibber"`
	Deconz rawDeconz `mapstructure:"deconz" yaml:"deconz"`
	MQTT   rawMQTT   `mapstructure:"mqtt" yaml:"mqtt"`
	Rooms  []rawRoom `mapstructure:"room" yaml:"room"`
}

type rawGlobal struct {
	Debug            bool     `mapstructure:"debug" yaml:"debug"`
	Sleep            int      `mapstructure:"sleep" yaml:"sleep"`
	Lat              float64  `mapstructure:"lat" yaml:"lat"`
	Long             float64  `mapstructure:"long" yaml:"long"`
	Timezone         string   `mapstructure:"timezone" yaml:"timezone"`
	DayTemperature   *int     `mapstructure:"day_temperature" yaml:"day_temperature,omitempty"`
	NightTemperature *int     `mapstructure:"night_temperature" yaml:"night_temperature,omitempty"`
	MaxPrice         *float64 `mapstructure:"max_price" yaml:"max_price,omitempty"`
	LogFile          string   `mapstructure:"log_file" yaml:"log_file"`
	PriceFile        string   `mapstructure:"price_file" yaml:"price_file"`
	PromDir          string   `mapstructure:"prom_dir" yaml:"prom_dir"`
	Database         string   `mapstructure:"database" yaml:"database"`
	HTTPAddr         string   `mapstructure:"http_addr" yaml:"http_addr"`
}

type rawTibber struct {
	AccessToken string `mapstructure:"access_token" yaml:"access_token"`
	HouseID     string `mapstructure:"house_id" yaml:"house_id"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
}

type rawDeconz struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
}

type rawMQTT struct {
	Broker   string `mapstructure:"broker" yaml:"broker"`
	Topic    string `mapstructure:"topic" yaml:"topic"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
}

type rawRoom struct {
	Name             string              `mapstructure:"name" yaml:"name"`
	SensorID         string              `mapstructure:"sensor_id" yaml:"sensor_id"`
	DayTemperature   *int                `mapstructure:"day_temperature" yaml:"day_temperature,omitempty"`
	NightTemperature *int                `mapstructure:"night_temperature" yaml:"night_temperature,omitempty"`
	MaxPrice         *float64            `mapstructure:"max_price" yaml:"max_price,omitempty"`
	Schedule         map[string][]string `mapstructure:"schedule" yaml:"schedule,omitempty"`
}

// File loads the configuration from a YAML file on every call
type File struct {
	Path string
}

// Load reads and validates the file
func (f File) Load() (*engine.Config, error) {
	return Load(f.Path)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("global.debug", false)
	v.SetDefault("global.sleep", defaultPollInterval)
	v.SetDefault("global.lat", 0.0)
	v.SetDefault("global.long", 0.0)
	v.SetDefault("global.timezone", "Local")
	v.SetDefault("global.log_file", "")
	v.SetDefault("global.price_file", "")
	v.SetDefault("global.prom_dir", "prom")
	v.SetDefault("global.database", "")
	v.SetDefault("global.http_addr", ":8080")
	v.SetDefault("tibber.access_token", "")
	v.SetDefault("tibber.house_id", "")
	v.SetDefault("tibber.endpoint", prices.DefaultTibberEndpoint)
	v.SetDefault("deconz.endpoint", "")
	v.SetDefault("deconz.api_key", "")
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.topic", "kjeller/heating")
	v.SetDefault("mqtt.client_id", "kjeller")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads a YAML configuration file, applies defaults and environment
// overrides and validates the result. Schedule lint warnings are logged.
func Load(path string) (*engine.Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	LogWarnings(cfg)
	return cfg, nil
}

// Read is Load without logging, for callers that configure the logger
// from the result.
func Read(path string) (*engine.Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return decode(v)
}

// Parse is Load for an in-memory YAML document
func Parse(r io.Reader) (*engine.Config, error) {
	v := newViper()
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	LogWarnings(cfg)
	return cfg, nil
}

// LogWarnings logs every schedule window that will never match
func LogWarnings(cfg *engine.Config) {
	for _, room := range cfg.Rooms {
		for _, werr := range room.Schedule.Lint() {
			log.Warn().Err(werr).Str("room", room.Name).Msg("schedule window will never match")
		}
	}
}

func decode(v *viper.Viper) (*engine.Config, error) {
	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return raw.build()
}

// build validates the raw document and converts it to engine types. All
// problems are reported together.
func (raw rawConfig) build() (*engine.Config, error) {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	g := raw.Global
	if g.Sleep <= 0 {
		fail("global.sleep must be positive, got %d", g.Sleep)
	}
	loc, err := time.LoadLocation(g.Timezone)
	if err != nil {
		fail("global.timezone: %v", err)
	}
	checkTemperature(fail, "global.day_temperature", g.DayTemperature)
	checkTemperature(fail, "global.night_temperature", g.NightTemperature)
	globalMax := toDecimal(fail, "global.max_price", g.MaxPrice)

	if raw.Tibber.AccessToken == "" {
		fail("tibber.access_token is required")
	}
	if raw.Tibber.HouseID == "" {
		fail("tibber.house_id is required")
	}
	if raw.Deconz.Endpoint == "" {
		fail("deconz.endpoint is required")
	}
	if raw.Deconz.APIKey == "" {
		fail("deconz.api_key is required")
	}
	if raw.MQTT.Broker != "" && raw.MQTT.Topic == "" {
		fail("mqtt.topic is required when mqtt.broker is set")
	}

	if len(raw.Rooms) == 0 {
		fail("at least one room is required")
	}

	seen := make(map[string]bool)
	rooms := make([]engine.RoomConfig, 0, len(raw.Rooms))
	for i, r := range raw.Rooms {
		prefix := fmt.Sprintf("room[%d]", i)
		if r.Name == "" {
			fail("%s.name is required", prefix)
		} else {
			prefix = fmt.Sprintf("room %q", r.Name)
			key := strings.ToLower(r.Name)
			if seen[key] {
				fail("%s is defined more than once", prefix)
			}
			seen[key] = true
		}
		if r.SensorID == "" {
			fail("%s.sensor_id is required", prefix)
		}
		checkTemperature(fail, prefix+".day_temperature", r.DayTemperature)
		checkTemperature(fail, prefix+".night_temperature", r.NightTemperature)

		room := engine.RoomConfig{
			Name:             r.Name,
			SensorID:         r.SensorID,
			DayTemperature:   r.DayTemperature,
			NightTemperature: r.NightTemperature,
			MaxPrice:         toDecimal(fail, prefix+".max_price", r.MaxPrice),
		}
		for name, windows := range r.Schedule {
			day, err := engine.ParseWeekday(name)
			if err != nil {
				fail("%s.schedule: %v", prefix, err)
				continue
			}
			room.Schedule[day] = windows
		}
		rooms = append(rooms, room)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	return &engine.Config{
		Global: engine.GlobalConfig{
			Debug:            g.Debug,
			PollInterval:     time.Duration(g.Sleep) * time.Second,
			Latitude:         g.Lat,
			Longitude:        g.Long,
			Location:         loc,
			DayTemperature:   g.DayTemperature,
			NightTemperature: g.NightTemperature,
			MaxPrice:         globalMax,
			LogFile:          g.LogFile,
			PriceFile:        g.PriceFile,
			PromDir:          g.PromDir,
			Database:         g.Database,
			HTTPAddr:         g.HTTPAddr,
		},
		Tibber: engine.TibberConfig{
			AccessToken: raw.Tibber.AccessToken,
			HouseID:     raw.Tibber.HouseID,
			Endpoint:    raw.Tibber.Endpoint,
		},
		Deconz: engine.DeconzConfig{
			Endpoint: raw.Deconz.Endpoint,
			APIKey:   raw.Deconz.APIKey,
		},
		MQTT: engine.MQTTConfig{
			Broker:   raw.MQTT.Broker,
			Topic:    raw.MQTT.Topic,
			ClientID: raw.MQTT.ClientID,
		},
		Rooms: rooms,
	}, nil
}

func checkTemperature(fail func(string, ...any), field string, t *int) {
	if t != nil && (*t < 0 || *t > maxTemperature) {
		fail("%s must be between 0 and %d, got %d", field, maxTemperature, *t)
	}
}

func toDecimal(fail func(string, ...any), field string, f *float64) *decimal.Decimal {
	if f == nil {
		return nil
	}
	if *f < 0 {
		fail("%s must not be negative, got %v", field, *f)
		return nil
	}
	d := decimal.NewFromFloat(*f)
	return &d
}

func toFloat(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}
