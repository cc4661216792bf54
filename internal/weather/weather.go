// Package weather fetches the external air temperature at a coordinate from
// the Open-Meteo forecast API.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// DefaultBaseURL is the public Open-Meteo forecast endpoint.
const DefaultBaseURL = "https://api.open-meteo.com/v1/forecast"

// DefaultCacheTTL bounds lookup volume; weather does not change faster than
// this and the upstream is a free shared service.
const DefaultCacheTTL = 30 * time.Minute

// Service looks up current temperature by coordinate, caching per-location
// results for the configured TTL.
type Service struct {
	baseURL string
	ttl     time.Duration
	client  *http.Client
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	tempC     float64
	fetchedAt time.Time
}

// New creates a weather service. Empty baseURL and zero ttl/timeout fall
// back to defaults.
func New(baseURL string, timeout, ttl time.Duration, logger *slog.Logger) *Service {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		baseURL: baseURL,
		ttl:     ttl,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		cache:   make(map[string]cacheEntry),
	}
}

// forecastResponse is the slice of the Open-Meteo document we consume.
type forecastResponse struct {
	Current struct {
		Temperature *float64 `json:"temperature_2m"`
	} `json:"current"`
}

// CurrentTempC returns the current air temperature at (lat, lon) in °C.
// Results are cached per coordinate pair.
func (s *Service) CurrentTempC(ctx context.Context, lat, lon float64) (*float64, error) {
	key := fmt.Sprintf("%.4f_%.4f", lat, lon)

	s.mu.Lock()
	if e, ok := s.cache[key]; ok && time.Since(e.fetchedAt) < s.ttl {
		s.mu.Unlock()
		temp := e.tempC
		return &temp, nil
	}
	s.mu.Unlock()

	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%g", lat))
	q.Set("longitude", fmt.Sprintf("%g", lon))
	q.Set("current", "temperature_2m")
	q.Set("temperature_unit", "fahrenheit")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building weather request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching weather: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d from weather service", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading weather response: %w", err)
	}

	var fc forecastResponse
	if err := json.Unmarshal(body, &fc); err != nil {
		return nil, fmt.Errorf("decoding weather response: %w", err)
	}
	if fc.Current.Temperature == nil {
		return nil, fmt.Errorf("weather response missing temperature")
	}

	tempC := math.Round((*fc.Current.Temperature-32)*5/9*10) / 10

	s.mu.Lock()
	s.cache[key] = cacheEntry{tempC: tempC, fetchedAt: time.Now()}
	s.mu.Unlock()

	s.logger.Debug("fetched current weather", "lat", lat, "lon", lon, "temp_c", tempC)
	return &tempC, nil
}
