// Package pvforecast pulls per-plant PV production forecasts from the
// Akkudoktor API and sums them into one 48 hour vector.
package pvforecast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/cepro/eosconnect/config"
	"github.com/cepro/eosconnect/telemetry"
	timeutils "github.com/cepro/eosconnect/time_utils"
	"github.com/sixdouglas/suncalc"
)

const (
	akkudoktorForecastURL = "https://api.akkudoktor.net/forecast"

	maxAttempts  = 3
	retryBackoff = 2 * time.Second

	defaultTemperatureC = 15.0
)

// Provider polls the forecast API for every configured plant and caches the
// summed production vector plus a temperature forecast.
type Provider struct {
	plants     []config.PvPlantConfig
	location   *time.Location
	httpClient http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	forecast    []float64
	temperature []float64
}

func New(plants map[string]config.PvPlantConfig, location *time.Location) *Provider {
	// sort by name so plant iteration (and "first plant" temperature) is stable
	names := make([]string, 0, len(plants))
	for name := range plants {
		names = append(names, name)
	}
	sort.Strings(names)

	ordered := make([]config.PvPlantConfig, 0, len(plants))
	for _, name := range names {
		ordered = append(ordered, plants[name])
	}

	return &Provider{
		plants:      ordered,
		location:    location,
		httpClient:  http.Client{Timeout: 10 * time.Second},
		logger:      slog.Default().With("component", "pv"),
		forecast:    make([]float64, telemetry.PlanHours),
		temperature: constantVector(defaultTemperatureC),
	}
}

// Run refreshes the forecast on the given interval until cancelled.
func (p *Provider) Run(ctx context.Context, interval time.Duration) {
	p.Refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Refresh()
		}
	}
}

// Forecast returns the cached 48 hour PV production vector in Wh per hour,
// starting at today's midnight.
func (p *Provider) Forecast() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.forecast...)
}

// Temperature returns the cached 48 hour temperature forecast in degrees C.
func (p *Provider) Temperature() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.temperature...)
}

// Refresh fetches all plants and replaces the cache. A plant that cannot be
// fetched contributes a sun-position estimate instead, so the sum never
// collapses to zero on an API outage.
func (p *Provider) Refresh() {
	midnight := timeutils.StartOfDay(time.Now().In(p.location))

	sum := make([]float64, telemetry.PlanHours)
	var temperature []float64

	for i, plant := range p.plants {
		forecast, temps, err := p.fetchPlant(plant, midnight)
		if err != nil {
			p.logger.Error("PV forecast fetch failed, using sun position estimate", "plant", i, "error", err)
			forecast = estimateFromSunPosition(plant, midnight)
		}
		for h := range sum {
			if h < len(forecast) {
				sum[h] += forecast[h]
			}
		}
		if i == 0 && len(temps) == telemetry.PlanHours {
			temperature = temps
		}
	}

	if temperature == nil {
		temperature = constantVector(defaultTemperatureC)
	}

	p.mu.Lock()
	p.forecast = sum
	p.temperature = temperature
	p.mu.Unlock()

	p.logger.Info("PV forecast updated", "plants", len(p.plants))
}

type forecastValue struct {
	Datetime    string  `json:"datetime"`
	Power       float64 `json:"power"`
	Temperature float64 `json:"temperature"`
}

type forecastResponse struct {
	Values [][]forecastValue `json:"values"`
}

func (p *Provider) fetchPlant(plant config.PvPlantConfig, midnight time.Time) (forecast, temperature []float64, err error) {
	query := url.Values{}
	query.Set("lat", fmt.Sprintf("%g", plant.Lat))
	query.Set("lon", fmt.Sprintf("%g", plant.Lon))
	query.Set("azimuth", fmt.Sprintf("%g", plant.Azimuth))
	query.Set("tilt", fmt.Sprintf("%g", plant.Tilt))
	query.Set("power", fmt.Sprintf("%g", plant.PowerWp))
	query.Set("powerInverter", fmt.Sprintf("%g", plant.PowerInverterW))
	query.Set("inverterEfficiency", fmt.Sprintf("%g", plant.InverterEfficiency))
	if plant.Horizont != "" {
		query.Set("horizont", plant.Horizont)
	}
	requestURL := akkudoktorForecastURL + "?" + query.Encode()

	var parsed forecastResponse
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		parsed, err = p.getForecast(requestURL)
		if err == nil {
			break
		}
		if attempt < maxAttempts {
			p.logger.Warn("PV forecast fetch failed, retrying", "attempt", attempt, "error", err)
			time.Sleep(retryBackoff)
		}
	}
	if err != nil {
		return nil, nil, err
	}
	if len(parsed.Values) == 0 || len(parsed.Values[0]) == 0 {
		return nil, nil, fmt.Errorf("empty forecast response")
	}

	end := midnight.Add(telemetry.PlanHours * time.Hour)

	forecast = make([]float64, 0, telemetry.PlanHours)
	temperature = make([]float64, 0, telemetry.PlanHours)
	for _, value := range parsed.Values[0] {
		t, err := time.Parse(time.RFC3339, value.Datetime)
		if err != nil {
			continue
		}
		t = t.In(p.location)
		if t.Before(midnight) || !t.Before(end) {
			continue
		}
		forecast = append(forecast, math.Max(0, value.Power))
		temperature = append(temperature, value.Temperature)
	}

	// DST transition days deliver 47 or 49 entries, normalize to exactly 48
	forecast = normalizeLength(forecast)
	temperature = normalizeLength(temperature)
	return forecast, temperature, nil
}

func (p *Provider) getForecast(requestURL string) (forecastResponse, error) {
	response, err := p.httpClient.Get(requestURL)
	if err != nil {
		return forecastResponse{}, fmt.Errorf("get forecast: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return forecastResponse{}, fmt.Errorf("unexpected status code: %d", response.StatusCode)
	}

	parsed := forecastResponse{}
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return forecastResponse{}, fmt.Errorf("parse body: %w", err)
	}
	return parsed, nil
}

// estimateFromSunPosition builds a coarse bell shaped production curve from
// the sun's altitude, scaled to the plant's peak power.
func estimateFromSunPosition(plant config.PvPlantConfig, midnight time.Time) []float64 {
	estimate := make([]float64, telemetry.PlanHours)
	for h := range estimate {
		t := midnight.Add(time.Duration(h)*time.Hour + 30*time.Minute)
		pos := suncalc.GetPosition(t, plant.Lat, plant.Lon)
		altitudeFactor := math.Sin(pos.Altitude)
		if altitudeFactor <= 0 {
			continue
		}
		power := plant.PowerWp * altitudeFactor * plant.InverterEfficiency
		if plant.PowerInverterW > 0 {
			power = math.Min(power, plant.PowerInverterW)
		}
		estimate[h] = power
	}
	return estimate
}

func normalizeLength(values []float64) []float64 {
	if len(values) > telemetry.PlanHours {
		return values[:telemetry.PlanHours]
	}
	for len(values) < telemetry.PlanHours {
		last := 0.0
		if len(values) > 0 {
			last = values[len(values)-1]
		}
		values = append(values, last)
	}
	return values
}

func constantVector(value float64) []float64 {
	vector := make([]float64, telemetry.PlanHours)
	for i := range vector {
		vector[i] = value
	}
	return vector
}
