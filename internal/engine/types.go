package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fallback temperature used when neither the room nor the global config
// sets one.
const DefaultTemperature = 10

// PriceSample represents one hourly electricity price
type PriceSample struct {
	StartsAt time.Time       `json:"starts_at"`
	Total    decimal.Decimal `json:"total"`
}

// TimeOfDay is a wall clock time without a date
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ScheduleWindow is a parsed "HH:MM-HH:MM" interval
type ScheduleWindow struct {
	Start TimeOfDay
	End   TimeOfDay
}

// WeeklySchedule holds the raw window strings for each weekday, indexed by
// time.Weekday. A day without windows is an empty slot.
type WeeklySchedule [7][]string

// Windows returns the windows configured for a weekday
func (s WeeklySchedule) Windows(day time.Weekday) []string {
	if day < time.Sunday || day > time.Saturday {
		return nil
	}
	return s[day]
}

// RoomConfig describes a single heated room
type RoomConfig struct {
	Name             string
	SensorID         string
	Schedule         WeeklySchedule
	DayTemperature   *int
	NightTemperature *int
	MaxPrice         *decimal.Decimal
}

// GlobalConfig provides house-wide settings and fallbacks for rooms
type GlobalConfig struct {
	Debug            bool
	PollInterval     time.Duration
	Latitude         float64
	Longitude        float64
	Location         *time.Location
	DayTemperature   *int
	NightTemperature *int
	MaxPrice         *decimal.Decimal
	LogFile          string
	PriceFile        string
	PromDir          string
	Database         string
	HTTPAddr         string
}

// HasLocation reports whether coordinates were configured
func (g GlobalConfig) HasLocation() bool {
	return g.Latitude != 0 || g.Longitude != 0
}

// TibberConfig holds price feed credentials
type TibberConfig struct {
	AccessToken string
	HouseID     string
	Endpoint    string
}

// DeconzConfig holds the sensor gateway endpoint
type DeconzConfig struct {
	Endpoint string
	APIKey   string
}

// MQTTConfig configures the optional event publisher
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
}

// Enabled reports whether a broker was configured
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// Config is a fully validated configuration, reloaded every tick
type Config struct {
	Global GlobalConfig
	Tibber TibberConfig
	Deconz DeconzConfig
	MQTT   MQTTConfig
	Rooms  []RoomConfig
}

// TargetReason explains which rule chose a set-point
type TargetReason string

const (
	ReasonPrice    TargetReason = "price"    // price above the cutoff
	ReasonSchedule TargetReason = "schedule" // inside a day window
	ReasonDefault  TargetReason = "default"  // outside all windows
)

// ResolvedTarget is the set-point chosen for a room on one tick
type ResolvedTarget struct {
	Room     string       `json:"room"`
	SetPoint int          `json:"set_point"`
	Reason   TargetReason `json:"reason"`
}

// SensorReading is a live thermostat snapshot. Temperatures are in
// hundredths of a degree, as reported by the gateway.
type SensorReading struct {
	Name             string `json:"name"`
	Temperature      int    `json:"temperature"`
	FloorTemperature int    `json:"floor_temperature"`
	HeatSetPoint     int    `json:"heat_set_point"`
	Heating          bool   `json:"heating"`
}

// TemperatureC returns the room temperature in degrees
func (r SensorReading) TemperatureC() float64 {
	return float64(r.Temperature) / 100.0
}

// FloorTemperatureC returns the floor temperature in degrees
func (r SensorReading) FloorTemperatureC() float64 {
	return float64(r.FloorTemperature) / 100.0
}

// HeatSetPointC returns the set-point in degrees
func (r SensorReading) HeatSetPointC() float64 {
	return float64(r.HeatSetPoint) / 100.0
}

// SetPoint returns the set-point truncated to whole degrees
func (r SensorReading) SetPoint() int {
	return r.HeatSetPoint / 100
}
