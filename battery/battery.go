// Package battery polls the home battery's state of charge and derives the
// values the optimizer and the control loop need from it.
package battery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cepro/eosconnect/config"
	"github.com/cepro/eosconnect/telemetry"
)

const (
	defaultSocOnError = 5   // pessimistic fallback when the sensor is unreachable
	minChargePowerW   = 500 // the inverter cannot regulate sensibly below this

	maxAttempts  = 3
	retryBackoff = 2 * time.Second
)

// Monitor polls the SoC sensor and caches the derived battery status.
// The threshold callback fires when the SoC crosses the configured minimum or
// maximum, so the control loop can react between ticks.
type Monitor struct {
	cfg         config.BatteryConfig
	httpClient  http.Client
	logger      *slog.Logger
	onThreshold func(soc float64)

	mu  sync.Mutex
	soc float64
}

func New(cfg config.BatteryConfig) *Monitor {
	return &Monitor{
		cfg:        cfg,
		httpClient: http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default().With("component", "battery"),
		soc:        defaultSocOnError,
	}
}

// OnThresholdCrossed registers the SoC threshold callback. It must be called
// before Run starts polling.
func (m *Monitor) OnThresholdCrossed(handler func(soc float64)) {
	m.onThreshold = handler
}

// Run polls the SoC on the given interval until cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.Refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh()
		}
	}
}

// Soc returns the last known state of charge in percent.
func (m *Monitor) Soc() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.soc
}

// UsableCapacityWh is the energy available above the minimum SoC, corrected
// for discharge efficiency.
func (m *Monitor) UsableCapacityWh() float64 {
	soc := m.Soc()
	usable := m.cfg.CapacityWh * (soc - m.cfg.MinSocPct) / 100 * m.cfg.DischargeEfficiency
	if usable < 0 {
		usable = 0
	}
	return math.Round(usable*100) / 100
}

// MaxChargePowerDynW derates the configured maximum charge power as the
// battery fills, following the configured curve shape.
func (m *Monitor) MaxChargePowerDynW() float64 {
	return m.maxChargePowerFor(m.Soc())
}

func (m *Monitor) maxChargePowerFor(soc float64) float64 {
	if soc < 0 || soc > 100 || m.cfg.CapacityWh <= 0 {
		return minChargePowerW
	}

	if m.cfg.ChargeCurve == "linear" {
		switch {
		case soc < 70:
			return m.cfg.MaxChargePowerW
		case soc < 95:
			return math.Max(minChargePowerW, m.cfg.MaxChargePowerW*(95-soc)/35)
		default:
			return minChargePowerW
		}
	}

	// smooth curve: the C-rate decays quadratically from 1C towards 0.1C at full
	cRate := 0.1 + 0.9*(1-(soc/100)*(soc/100))
	power := math.Min(cRate*m.cfg.CapacityWh, m.cfg.MaxChargePowerW)
	power = math.Round(power/10) * 10
	return math.Max(power, minChargePowerW)
}

// Status snapshots all derived values at once.
func (m *Monitor) Status() telemetry.BatteryStatus {
	return telemetry.BatteryStatus{
		Time:               time.Now(),
		Soc:                m.Soc(),
		UsableCapacityWh:   m.UsableCapacityWh(),
		MaxChargePowerDynW: m.MaxChargePowerDynW(),
	}
}

// Refresh fetches the SoC with bounded retries and fires the threshold
// callback on min/max crossings.
func (m *Monitor) Refresh() {
	if m.cfg.Source != "openhab" && m.cfg.Source != "homeassistant" {
		return // default source keeps the initial value, nothing to poll
	}

	var (
		soc float64
		err error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		soc, err = m.fetchSoc()
		if err == nil {
			break
		}
		if attempt < maxAttempts {
			m.logger.Warn("SoC fetch failed, retrying", "attempt", attempt, "error", err)
			time.Sleep(retryBackoff)
		} else {
			m.logger.Error("SoC fetch failed, keeping default", "attempts", maxAttempts, "error", err)
			soc = defaultSocOnError
		}
	}

	m.mu.Lock()
	previous := m.soc
	m.soc = soc
	m.mu.Unlock()

	if m.onThreshold != nil && m.crossedThreshold(previous, soc) {
		m.logger.Info("SoC crossed a configured threshold", "previous", previous, "soc", soc)
		m.onThreshold(soc)
	}
}

func (m *Monitor) crossedThreshold(previous, current float64) bool {
	for _, threshold := range []float64{m.cfg.MinSocPct, m.cfg.MaxSocPct} {
		if (previous < threshold) != (current < threshold) {
			return true
		}
	}
	return false
}

func (m *Monitor) fetchSoc() (float64, error) {
	switch m.cfg.Source {
	case "openhab":
		return m.fetchSocOpenhab()
	case "homeassistant":
		return m.fetchSocHomeassistant()
	}
	return 0, fmt.Errorf("unsupported battery source %q", m.cfg.Source)
}

// fetchSocOpenhab reads the item state, which OpenHAB reports as a 0..1 fraction.
func (m *Monitor) fetchSocOpenhab() (float64, error) {
	url := fmt.Sprintf("%s/rest/items/%s", m.cfg.URL, m.cfg.SocSensor)
	response, err := m.httpClient.Get(url)
	if err != nil {
		return 0, fmt.Errorf("get openhab item: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status code: %d", response.StatusCode)
	}

	var item struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(response.Body).Decode(&item); err != nil {
		return 0, fmt.Errorf("parse body: %w", err)
	}

	fraction, err := strconv.ParseFloat(item.State, 64)
	if err != nil {
		return 0, fmt.Errorf("parse state %q: %w", item.State, err)
	}
	return math.Round(fraction * 100), nil
}

// fetchSocHomeassistant reads the entity state, which HA reports in percent.
func (m *Monitor) fetchSocHomeassistant() (float64, error) {
	url := fmt.Sprintf("%s/api/states/%s", m.cfg.URL, m.cfg.SocSensor)
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.AccessToken)

	response, err := m.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get homeassistant state: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status code: %d", response.StatusCode)
	}

	var entity struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(response.Body).Decode(&entity); err != nil {
		return 0, fmt.Errorf("parse body: %w", err)
	}

	soc, err := strconv.ParseFloat(entity.State, 64)
	if err != nil {
		return 0, fmt.Errorf("parse state %q: %w", entity.State, err)
	}
	return math.Round(soc*10) / 10, nil
}
