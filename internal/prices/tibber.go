package prices

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ostavnaas/kjeller/internal/engine"
	"github.com/relvacode/iso8601"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
)

const (
	DefaultTibberEndpoint = "https://api.tibber.com/v1-beta/gql"
	userAgent             = "kjeller/0.1"
)

var (
	ErrMalformedPriceResponse = errors.New("malformed price response")
	ErrPriceStatus            = errors.New("price API returned non-success status")
)

const priceQuery = `
query ($house_id: ID!) {
  viewer {
    home(id: $house_id) {
      currentSubscription {
        priceInfo {
          current { total startsAt }
          today { total startsAt }
        }
      }
    }
  }
}`

// TibberClient fetches today's hourly prices from the Tibber GraphQL API
type TibberClient struct {
	httpClient *http.Client
	endpoint   string
	houseID    string
}

// NewTibberClient creates a client authenticated with a bearer token
func NewTibberClient(cfg engine.TibberConfig) *TibberClient {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultTibberEndpoint
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: 30 * time.Second})
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken}))
	httpClient.Timeout = 30 * time.Second

	return &TibberClient{
		httpClient: httpClient,
		endpoint:   endpoint,
		houseID:    cfg.HouseID,
	}
}

type graphQLRequest struct {
	Query     string            `json:"query"`
	Variables map[string]string `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// tibberResponse mirrors the only path we read. Every level is a pointer so
// a missing key can be told apart from an empty value.
type tibberResponse struct {
	Data *struct {
		Viewer *struct {
			Home *struct {
				CurrentSubscription *struct {
					PriceInfo *struct {
						Today *[]tibberPrice `json:"today"`
					} `json:"priceInfo"`
				} `json:"currentSubscription"`
			} `json:"home"`
		} `json:"viewer"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

type tibberPrice struct {
	Total    decimal.Decimal `json:"total"`
	StartsAt iso8601.Time    `json:"startsAt"`
}

// today walks the response down to the price list
func (r *tibberResponse) today() ([]tibberPrice, bool) {
	if r.Data == nil || r.Data.Viewer == nil || r.Data.Viewer.Home == nil {
		return nil, false
	}
	sub := r.Data.Viewer.Home.CurrentSubscription
	if sub == nil || sub.PriceInfo == nil || sub.PriceInfo.Today == nil {
		return nil, false
	}
	return *sub.PriceInfo.Today, true
}

// Fetch returns today's prices sorted by start time
func (c *TibberClient) Fetch(ctx context.Context) ([]engine.PriceSample, error) {
	body, err := json.Marshal(graphQLRequest{
		Query:     priceQuery,
		Variables: map[string]string{"house_id": c.houseID},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %d: %s", ErrPriceStatus, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return decodePrices(resp.Body)
}

// decodePrices turns a GraphQL response body into samples
func decodePrices(r io.Reader) ([]engine.PriceSample, error) {
	var tr tibberResponse
	if err := json.NewDecoder(r).Decode(&tr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPriceResponse, err)
	}

	today, ok := tr.today()
	if !ok {
		if len(tr.Errors) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrMalformedPriceResponse, tr.Errors[0].Message)
		}
		return nil, fmt.Errorf("%w: missing data.viewer.home.currentSubscription.priceInfo.today", ErrMalformedPriceResponse)
	}

	samples := make([]engine.PriceSample, 0, len(today))
	for _, p := range today {
		samples = append(samples, engine.PriceSample{
			StartsAt: p.StartsAt.Time,
			Total:    p.Total,
		})
	}

	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].StartsAt.Before(samples[j].StartsAt)
	})

	return samples, nil
}
