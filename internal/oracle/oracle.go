// Package oracle fetches the bitcoin price in a given fiat currency
// for market-price (price_from_api) orders.
//
// Grounded on this codebase's internal/backend HTTP client style
// (internal/backend/mempool.go): a small struct wrapping a base URL
// and a timeout-bound http.Client, behind a narrow interface so the
// order state machine never depends on a concrete provider.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Oracle reports the current bitcoin exchange rate for a fiat
// currency, expressed as satoshis per fiat unit.
type Oracle interface {
	// SatsPerUnit returns how many satoshis one unit of fiatCode buys
	// at the current spot price.
	SatsPerUnit(ctx context.Context, fiatCode string) (float64, error)
}

// YadioOracle fetches spot prices from yadio.io, the price source the
// system this spec derives from uses for Lightning-friendly fiat
// pairs.
type YadioOracle struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	cache map[string]cachedRate
	ttl   time.Duration
}

type cachedRate struct {
	rate      float64
	fetchedAt time.Time
}

// NewYadioOracle returns an Oracle with a 30-second HTTP timeout and a
// one-minute quote cache, matching this codebase's HTTP backend
// timeout convention.
func NewYadioOracle(baseURL string) *YadioOracle {
	baseURL = strings.TrimSuffix(baseURL, "/")
	return &YadioOracle{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		cache: make(map[string]cachedRate),
		ttl:   time.Minute,
	}
}

type yadioResponse struct {
	BTC map[string]float64 `json:"BTC"`
}

// SatsPerUnit implements Oracle.
func (y *YadioOracle) SatsPerUnit(ctx context.Context, fiatCode string) (float64, error) {
	fiatCode = strings.ToUpper(fiatCode)

	if rate, ok := y.cachedRate(fiatCode); ok {
		return rate, nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", y.baseURL+"/exrates", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := y.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch exchange rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("exchange rate request failed: status %d", resp.StatusCode)
	}

	var parsed yadioResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("failed to decode exchange rates: %w", err)
	}

	fiatPerBTC, ok := parsed.BTC[fiatCode]
	if !ok || fiatPerBTC <= 0 {
		return 0, fmt.Errorf("no exchange rate available for %s", fiatCode)
	}

	satsPerUnit := 100_000_000 / fiatPerBTC

	y.mu.Lock()
	y.cache[fiatCode] = cachedRate{rate: satsPerUnit, fetchedAt: time.Now()}
	y.mu.Unlock()

	return satsPerUnit, nil
}

func (y *YadioOracle) cachedRate(fiatCode string) (float64, bool) {
	y.mu.RLock()
	defer y.mu.RUnlock()

	cached, ok := y.cache[fiatCode]
	if !ok || time.Since(cached.fetchedAt) > y.ttl {
		return 0, false
	}
	return cached.rate, true
}
