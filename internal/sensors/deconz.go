package sensors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ostavnaas/kjeller/internal/engine"
)

var ErrSensorStatus = errors.New("sensor API returned non-success status")

// DeconzClient reads and configures thermostats through a deCONZ gateway
type DeconzClient struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
}

// NewDeconzClient creates a client for the gateway REST API
func NewDeconzClient(cfg engine.DeconzConfig) *DeconzClient {
	return &DeconzClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
	}
}

// deconzSensor represents the API response structure
type deconzSensor struct {
	Name  string `json:"name"`
	State struct {
		Temperature      int  `json:"temperature"`
		FloorTemperature int  `json:"floortemperature"`
		Heating          bool `json:"heating"`
	} `json:"state"`
	Config struct {
		HeatSetPoint int `json:"heatsetpoint"`
	} `json:"config"`
}

type configRequest struct {
	HeatSetPoint int `json:"heatsetpoint"`
}

func (c *DeconzClient) sensorURL(id string, parts ...string) string {
	elems := append([]string{"api", url.PathEscape(c.apiKey), "sensors", url.PathEscape(id)}, parts...)
	return c.endpoint + "/" + strings.Join(elems, "/")
}

// Sensor fetches the live state of one thermostat
func (c *DeconzClient) Sensor(ctx context.Context, id string) (engine.SensorReading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sensorURL(id), nil)
	if err != nil {
		return engine.SensorReading{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return engine.SensorReading{}, fmt.Errorf("fetching sensor %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return engine.SensorReading{}, fmt.Errorf("%w: sensor %s: %d: %s", ErrSensorStatus, id, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var s deconzSensor
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return engine.SensorReading{}, fmt.Errorf("decoding sensor %s: %w", id, err)
	}

	return engine.SensorReading{
		Name:             s.Name,
		Temperature:      s.State.Temperature,
		FloorTemperature: s.State.FloorTemperature,
		HeatSetPoint:     s.Config.HeatSetPoint,
		Heating:          s.State.Heating,
	}, nil
}

// SetHeatSetPoint writes a set-point given in hundredths of a degree
func (c *DeconzClient) SetHeatSetPoint(ctx context.Context, id string, hundredths int) error {
	body, err := json.Marshal(configRequest{HeatSetPoint: hundredths})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.sensorURL(id, "config"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("updating sensor %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: sensor %s: %d: %s", ErrSensorStatus, id, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
