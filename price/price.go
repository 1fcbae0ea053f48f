// Package price fetches day-ahead electricity prices and normalizes them to
// EUR per Wh for the solver.
package price

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cepro/eosconnect/config"
	"github.com/cepro/eosconnect/telemetry"
)

const (
	maxAttempts      = 3
	retryBackoff     = 2 * time.Second
	maxStaleFailures = 5 // consecutive failures before the default vector replaces the cache

	defaultPriceEurWh = 0.0001
)

// Provider polls the configured price source and caches 48 hour price and
// feed-in vectors. Getters never block and never fail; they serve the last
// known (possibly stale) values.
type Provider struct {
	cfg        config.PriceConfig
	location   *time.Location
	httpClient http.Client
	logger     *slog.Logger

	mu           sync.Mutex
	prices       []float64 // total prices, EUR/Wh, used for optimization
	pricesDirect []float64 // energy-only prices, used for the negative price switch
	feedIn       []float64
	failures     int
}

func New(cfg config.PriceConfig, location *time.Location) *Provider {
	p := &Provider{
		cfg:        cfg,
		location:   location,
		httpClient: http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default().With("component", "price"),
	}
	p.prices = constantVector(defaultPriceEurWh)
	p.pricesDirect = constantVector(defaultPriceEurWh)
	p.feedIn = p.deriveFeedIn(p.pricesDirect)
	return p
}

// Run polls the upstream on the given interval until the context is cancelled.
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

// Prices returns the cached 48 hour price vector in EUR/Wh, anchored at the
// current hour.
func (p *Provider) Prices() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.prices...)
}

// FeedInPrices returns the cached 48 hour feed-in tariff vector in EUR/Wh.
func (p *Provider) FeedInPrices() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.feedIn...)
}

// Refresh fetches fresh prices with a bounded retry. On repeated failure the
// previous vector is kept; after too many consecutive failures the default
// vector takes over so the solver never sees ancient prices.
func (p *Provider) Refresh() {
	var (
		total, direct []float64
		err           error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		total, direct, err = p.fetch()
		if err == nil {
			break
		}
		if attempt < maxAttempts {
			p.logger.Warn("Price fetch failed, retrying", "attempt", attempt, "error", err)
			time.Sleep(retryBackoff)
		} else {
			p.logger.Error("Price fetch failed", "attempts", maxAttempts, "error", err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.failures++
		if p.failures > maxStaleFailures {
			p.logger.Error("Too many consecutive price failures, using default prices", "failures", p.failures)
			p.prices = constantVector(defaultPriceEurWh)
			p.pricesDirect = constantVector(defaultPriceEurWh)
			p.feedIn = p.deriveFeedIn(p.pricesDirect)
		}
		return
	}

	p.failures = 0
	p.prices = total
	p.pricesDirect = direct
	p.feedIn = p.deriveFeedIn(direct)
	p.logger.Info("Prices updated", "source", p.source())
}

func (p *Provider) source() string {
	if p.cfg.Source == "" {
		return "default"
	}
	return p.cfg.Source
}

func (p *Provider) fetch() (total, direct []float64, err error) {
	now := time.Now().In(p.location).Truncate(time.Hour)
	switch p.source() {
	case "tibber":
		return p.fetchTibber(now)
	case "smartenergy_at":
		return p.fetchSmartenergy(now)
	case "fixed_24h":
		return p.fixed24h(now)
	default:
		return p.fetchAkkudoktor(now)
	}
}

func (p *Provider) deriveFeedIn(direct []float64) []float64 {
	tariff := p.cfg.FeedInPriceEurKwh / 1000 // EUR/kWh to EUR/Wh
	feedIn := make([]float64, telemetry.PlanHours)
	for i := range feedIn {
		if p.cfg.NegativePriceFeed && i < len(direct) && direct[i] < 0 {
			continue // negative market price hours earn nothing
		}
		feedIn[i] = tariff
	}
	return feedIn
}

// extendToPlanHours wraps the given hourly series so it always covers 48 hours,
// repeating from the start when tomorrow's prices are not yet published.
func extendToPlanHours(prices []float64) []float64 {
	if len(prices) == 0 {
		return constantVector(defaultPriceEurWh)
	}
	out := append([]float64(nil), prices...)
	for len(out) < telemetry.PlanHours {
		need := telemetry.PlanHours - len(out)
		if need > len(prices) {
			need = len(prices)
		}
		out = append(out, prices[:need]...)
	}
	return out[:telemetry.PlanHours]
}

func constantVector(value float64) []float64 {
	vector := make([]float64, telemetry.PlanHours)
	for i := range vector {
		vector[i] = value
	}
	return vector
}
