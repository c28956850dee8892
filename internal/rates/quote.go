package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// QuoteSource returns the fiat units per US dollar.
type QuoteSource interface {
	USDRate(ctx context.Context) (float64, error)
}

// HTTPQuoteSource queries a currencylayer-style live endpoint:
// GET <endpoint>?access_key=<key>&currencies=<code>.
type HTTPQuoteSource struct {
	client    *http.Client
	endpoint  string
	accessKey string
	currency  string
}

func NewHTTPQuoteSource(client *http.Client, endpoint, accessKey, currency string) *HTTPQuoteSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if currency == "" {
		currency = "NGN"
	}
	return &HTTPQuoteSource{
		client:    client,
		endpoint:  endpoint,
		accessKey: accessKey,
		currency:  strings.ToUpper(currency),
	}
}

type liveResponse struct {
	Success bool               `json:"success"`
	Quotes  map[string]float64 `json:"quotes"`
	Error   *struct {
		Code int    `json:"code"`
		Info string `json:"info"`
	} `json:"error"`
}

func (s *HTTPQuoteSource) USDRate(ctx context.Context) (float64, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return 0, fmt.Errorf("parse rate endpoint: %w", err)
	}
	q := u.Query()
	q.Set("access_key", s.accessKey)
	q.Set("currencies", s.currency)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("rate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("rate request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload liveResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode rate response: %w", err)
	}
	if !payload.Success {
		if payload.Error != nil {
			return 0, fmt.Errorf("rate provider error %d: %s", payload.Error.Code, payload.Error.Info)
		}
		return 0, fmt.Errorf("rate provider reported failure")
	}
	key := "USD" + s.currency
	quote, ok := payload.Quotes[key]
	if !ok || quote <= 0 {
		return 0, fmt.Errorf("rate response missing %s", key)
	}
	return quote, nil
}
