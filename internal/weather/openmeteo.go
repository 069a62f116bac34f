package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const openMeteoAPIBase = "https://api.open-meteo.com/v1/forecast"

var ErrNoTemperature = errors.New("weather response carried no temperature")

// OpenMeteoClient fetches current conditions from the Open-Meteo API
type OpenMeteoClient struct {
	httpClient *http.Client
	baseURL    string
	latitude   float64
	longitude  float64
}

// NewOpenMeteoClient creates a new Open-Meteo client
func NewOpenMeteoClient(lat, lon float64) *OpenMeteoClient {
	return &OpenMeteoClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    openMeteoAPIBase,
		latitude:   lat,
		longitude:  lon,
	}
}

// openMeteoResponse represents the API response
type openMeteoResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Current   *struct {
		Time          string   `json:"time"`
		Temperature2m *float64 `json:"temperature_2m"`
	} `json:"current"`
}

// CurrentTemperature returns the outdoor air temperature in degrees
func (c *OpenMeteoClient) CurrentTemperature(ctx context.Context) (float64, error) {
	params := url.Values{}
	params.Add("latitude", fmt.Sprintf("%.4f", c.latitude))
	params.Add("longitude", fmt.Sprintf("%.4f", c.longitude))
	params.Add("current", "temperature_2m")

	fullURL := fmt.Sprintf("%s?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetching weather: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var meteoResp openMeteoResponse
	if err := json.NewDecoder(resp.Body).Decode(&meteoResp); err != nil {
		return 0, fmt.Errorf("decoding response: %w", err)
	}

	if meteoResp.Current == nil || meteoResp.Current.Temperature2m == nil {
		return 0, ErrNoTemperature
	}
	return *meteoResp.Current.Temperature2m, nil
}
