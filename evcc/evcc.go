// Package evcc polls the EVCC charging controller, summarises the charging
// state across all connected loadpoints and optionally drives EVCC's external
// battery mode API.
package evcc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cepro/eosconnect/config"
	"github.com/cepro/eosconnect/telemetry"
)

// BatteryMode is a home battery directive forwarded to EVCC when external
// battery control is enabled.
type BatteryMode string

const (
	BatteryModeOff              BatteryMode = "off"
	BatteryModeAvoidDischarge   BatteryMode = "avoid_discharge"
	BatteryModeDischargeAllowed BatteryMode = "discharge_allowed"
	BatteryModeForceCharge      BatteryMode = "force_charge"
)

// endpoint path suffix per battery mode on EVCC's /api/batterymode/{mode}
var batteryModeEndpoints = map[BatteryMode]string{
	BatteryModeAvoidDischarge:   "hold",
	BatteryModeDischargeAllowed: "normal",
	BatteryModeForceCharge:      "charge",
}

// charging mode priorities, the highest priority of all charging loadpoints
// wins the summary
var modePriority = map[telemetry.ChargingMode]int{
	telemetry.ModeOff:      0,
	telemetry.ModePv:       1,
	telemetry.ModeMinPv:    2,
	telemetry.ModePvNow:    3,
	telemetry.ModeMinPvNow: 4,
	telemetry.ModeNow:      5,
}

// LoadpointDetail is the per-loadpoint session data exposed on the web and
// MQTT surfaces.
type LoadpointDetail struct {
	Connected               bool                   `json:"connected"`
	Charging                bool                   `json:"charging"`
	Mode                    telemetry.ChargingMode `json:"mode"`
	ChargeDurationSecs      float64                `json:"charge_duration_secs"`
	RemainingDurationSecs   float64                `json:"charge_remaining_duration_secs"`
	ChargedEnergyWh         float64                `json:"charged_energy_wh"`
	RemainingEnergyWh       float64                `json:"charge_remaining_energy_wh"`
	SessionEnergyWh         float64                `json:"session_energy_wh"`
	VehicleSoc              float64                `json:"vehicle_soc"`
	VehicleRangeKm          float64                `json:"vehicle_range_km"`
	VehicleOdometerKm       float64                `json:"vehicle_odometer_km"`
	VehicleName             string                 `json:"vehicle_name"`
	SmartCostActive         bool                   `json:"smart_cost_active"`
}

// Monitor polls /api/state on a fixed interval and keeps the summarised
// charging state, the per-loadpoint details and the desired external battery
// mode. The change callback fires whenever the summarised state or mode flips,
// so the control loop can re-evaluate immediately instead of waiting for its
// next tick.
type Monitor struct {
	cfg        config.EvccConfig
	httpClient http.Client
	logger     *slog.Logger
	onChange   func(charging bool)

	mu          sync.Mutex
	charging    bool
	mode        telemetry.ChargingMode
	details     []LoadpointDetail
	batteryMode BatteryMode
}

func New(cfg config.EvccConfig) *Monitor {
	return &Monitor{
		cfg:         cfg,
		httpClient:  http.Client{Timeout: 6 * time.Second},
		logger:      slog.Default().With("component", "evcc"),
		mode:        telemetry.ModeOff,
		batteryMode: BatteryModeOff,
	}
}

// OnChange registers the charging session change callback. It must be called
// before Run starts polling.
func (m *Monitor) OnChange(handler func(charging bool)) {
	m.onChange = handler
}

// Enabled reports whether an EVCC instance is configured at all.
func (m *Monitor) Enabled() bool {
	return m.cfg.URL != ""
}

// ExternalBatteryControl reports whether EVCC owns the home battery and the
// inverter must not be written directly.
func (m *Monitor) ExternalBatteryControl() bool {
	return m.Enabled() && m.cfg.ExternalBatteryControl
}

// Run polls EVCC until cancelled. While an external battery mode other than
// off is desired it is re-asserted every tick, EVCC drops the mode when it is
// not refreshed.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if !m.Enabled() {
		return
	}
	m.Refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh()
			if mode := m.CurrentBatteryMode(); m.ExternalBatteryControl() && mode != BatteryModeOff {
				m.pushBatteryMode(mode)
			}
		}
	}
}

// Snapshot returns the summarised charging state and mode.
func (m *Monitor) Snapshot() telemetry.EvccSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := telemetry.ChargingIdle
	if m.charging {
		state = telemetry.ChargingActive
	} else if completedSession(m.details) {
		state = telemetry.ChargingComplete
	}
	return telemetry.EvccSnapshot{
		Time:          time.Now(),
		ChargingState: state,
		ChargingMode:  m.mode,
	}
}

// Charging reports whether any connected loadpoint is drawing power.
func (m *Monitor) Charging() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.charging
}

// ChargingMode returns the summarised charging mode.
func (m *Monitor) ChargingMode() telemetry.ChargingMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Loadpoints returns the per-loadpoint session details from the last poll.
func (m *Monitor) Loadpoints() []LoadpointDetail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LoadpointDetail(nil), m.details...)
}

// CurrentBatteryMode returns the desired external battery mode.
func (m *Monitor) CurrentBatteryMode() BatteryMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batteryMode
}

// SetBatteryMode records the desired external battery mode and pushes it to
// EVCC immediately. Mode off releases the battery back to EVCC's own control.
func (m *Monitor) SetBatteryMode(mode BatteryMode) error {
	if !m.ExternalBatteryControl() {
		return nil
	}
	if _, ok := batteryModeEndpoints[mode]; !ok && mode != BatteryModeOff {
		return fmt.Errorf("invalid external battery mode %q", mode)
	}

	m.mu.Lock()
	m.batteryMode = mode
	m.mu.Unlock()

	if mode == BatteryModeOff {
		return m.releaseBatteryMode()
	}
	return m.pushBatteryMode(mode)
}

// Shutdown hands the battery back to EVCC. Called once on process exit.
func (m *Monitor) Shutdown() {
	if !m.ExternalBatteryControl() {
		return
	}
	if err := m.releaseBatteryMode(); err != nil {
		m.logger.Error("Releasing the external battery mode failed", "error", err)
	} else {
		m.logger.Info("External battery mode released")
	}
}

func (m *Monitor) pushBatteryMode(mode BatteryMode) error {
	url := fmt.Sprintf("%s/api/batterymode/%s", m.cfg.URL, batteryModeEndpoints[mode])
	response, err := m.httpClient.Post(url, "application/json", nil)
	if err != nil {
		m.logger.Error("Setting the external battery mode failed", "mode", mode, "error", err)
		return fmt.Errorf("post battery mode: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		m.logger.Error("Setting the external battery mode failed", "mode", mode, "status", response.StatusCode)
		return fmt.Errorf("unexpected status code: %d", response.StatusCode)
	}
	m.logger.Debug("External battery mode set", "mode", mode)
	return nil
}

func (m *Monitor) releaseBatteryMode() error {
	req, err := http.NewRequest("DELETE", m.cfg.URL+"/api/batterymode", nil)
	if err != nil {
		return err
	}
	response, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete battery mode: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", response.StatusCode)
	}
	return nil
}

type stateResponse struct {
	Result struct {
		Loadpoints []loadpointState `json:"loadpoints"`
		Vehicles   map[string]struct {
			Title string `json:"title"`
		} `json:"vehicles"`
	} `json:"result"`
}

type loadpointState struct {
	Connected               bool    `json:"connected"`
	Charging                bool    `json:"charging"`
	Mode                    string  `json:"mode"`
	SmartCostActive         bool    `json:"smartCostActive"`
	ChargeDuration          float64 `json:"chargeDuration"`
	ChargeRemainingDuration float64 `json:"chargeRemainingDuration"`
	ChargedEnergy           float64 `json:"chargedEnergy"`
	ChargeRemainingEnergy   float64 `json:"chargeRemainingEnergy"`
	SessionEnergy           float64 `json:"sessionEnergy"`
	VehicleSoc              float64 `json:"vehicleSoc"`
	VehicleRange            float64 `json:"vehicleRange"`
	VehicleOdometer         float64 `json:"vehicleOdometer"`
	VehicleName             string  `json:"vehicleName"`
}

// Refresh polls /api/state and updates the cached summary. A failed poll
// keeps the last known values.
func (m *Monitor) Refresh() {
	state, err := m.fetchState()
	if err != nil {
		m.logger.Error("Fetching the EVCC state failed, keeping last known values", "error", err)
		return
	}
	if len(state.Result.Loadpoints) == 0 {
		m.logger.Error("No loadpoints in the EVCC state response")
		return
	}

	details := make([]LoadpointDetail, 0, len(state.Result.Loadpoints))
	for _, lp := range state.Result.Loadpoints {
		vehicleTitle := ""
		if vehicle, ok := state.Result.Vehicles[lp.VehicleName]; ok {
			vehicleTitle = vehicle.Title
		}
		details = append(details, LoadpointDetail{
			Connected:             lp.Connected,
			Charging:              lp.Charging,
			Mode:                  effectiveMode(lp),
			ChargeDurationSecs:    lp.ChargeDuration,
			RemainingDurationSecs: lp.ChargeRemainingDuration,
			ChargedEnergyWh:       lp.ChargedEnergy,
			RemainingEnergyWh:     lp.ChargeRemainingEnergy,
			SessionEnergyWh:       lp.SessionEnergy,
			VehicleSoc:            lp.VehicleSoc,
			VehicleRangeKm:        lp.VehicleRange,
			VehicleOdometerKm:     lp.VehicleOdometer,
			VehicleName:           vehicleTitle,
			SmartCostActive:       lp.SmartCostActive,
		})
	}

	charging, mode := summarize(details)

	m.mu.Lock()
	previousCharging, previousMode := m.charging, m.mode
	m.charging = charging
	m.mode = mode
	m.details = details
	m.mu.Unlock()

	if charging != previousCharging {
		m.logger.Info("Summarised charging state changed", "charging", charging)
	}
	if mode != previousMode {
		m.logger.Info("Summarised charging mode changed", "mode", mode)
	}
	if m.onChange != nil && (charging != previousCharging || mode != previousMode) {
		m.onChange(charging)
	}
}

// summarize reduces the connected loadpoints to one charging flag and one
// mode. While any loadpoint charges, the highest priority mode wins. With
// nothing charging the first connected loadpoint's mode stands in.
func summarize(details []LoadpointDetail) (bool, telemetry.ChargingMode) {
	charging := false
	mode := telemetry.ModeOff
	priority := 0

	for _, detail := range details {
		if !detail.Connected || !detail.Charging {
			continue
		}
		charging = true
		if p := modePriority[detail.Mode]; p > priority {
			priority = p
			mode = detail.Mode
		}
	}
	if !charging {
		for _, detail := range details {
			if detail.Connected {
				mode = detail.Mode
				break
			}
		}
	}
	return charging, mode
}

// effectiveMode promotes pv and minpv to their "+now" forms while EVCC
// reports a cheap smart-cost slot as active.
func effectiveMode(lp loadpointState) telemetry.ChargingMode {
	mode := telemetry.ChargingMode(lp.Mode)
	if mode == "" {
		mode = telemetry.ModeOff
	}
	if lp.SmartCostActive {
		switch mode {
		case telemetry.ModePv:
			return telemetry.ModePvNow
		case telemetry.ModeMinPv:
			return telemetry.ModeMinPvNow
		}
	}
	return mode
}

func completedSession(details []LoadpointDetail) bool {
	for _, detail := range details {
		if detail.Connected && !detail.Charging && detail.ChargedEnergyWh > 0 && detail.RemainingEnergyWh == 0 {
			return true
		}
	}
	return false
}

func (m *Monitor) fetchState() (stateResponse, error) {
	response, err := m.httpClient.Get(m.cfg.URL + "/api/state")
	if err != nil {
		return stateResponse{}, fmt.Errorf("get evcc state: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return stateResponse{}, fmt.Errorf("unexpected status code: %d", response.StatusCode)
	}

	parsed := stateResponse{}
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return stateResponse{}, fmt.Errorf("parse body: %w", err)
	}
	return parsed, nil
}
