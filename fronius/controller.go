// Package fronius drives the home battery's inverter. The Gen24 variant
// writes time of use rules over the Fronius web API, the EVCC variant hands
// the battery directives to a running EVCC instance, and the show-only
// variant logs what it would do for installations without write access.
package fronius

import (
	"log/slog"

	"github.com/cepro/eosconnect/config"
	"github.com/cepro/eosconnect/evcc"
	"github.com/cepro/eosconnect/telemetry"
)

// Controller is the battery control surface the control loop writes to.
type Controller interface {
	// SetModeForceCharge charges the battery from the grid with the given power.
	SetModeForceCharge(chargePowerW float64) error
	// SetModeAvoidDischarge blocks discharging while allowing PV charge.
	SetModeAvoidDischarge() error
	// SetModeAllowDischarge restores normal battery operation.
	SetModeAllowDischarge() error
	// SetMaxPvChargeRateW caps the PV charge power used by the discharge modes.
	SetMaxPvChargeRateW(rateW float64)
	// MaxGridChargeRateW is the upper bound for force charge setpoints.
	MaxGridChargeRateW() float64
	// Shutdown releases the battery back to its previous control regime.
	Shutdown()
}

// DiagnosticsSource is implemented by controllers that can report inverter
// monitoring data.
type DiagnosticsSource interface {
	RefreshDiagnostics()
	Diagnostics() telemetry.InverterDiagnostics
}

// New selects the controller variant for the configured inverter type. When
// EVCC owns the battery the inverter is never written directly, regardless of
// the configured type.
func New(cfg config.InverterConfig, evccMonitor *evcc.Monitor) Controller {
	if evccMonitor != nil && evccMonitor.ExternalBatteryControl() {
		return &EvccBridge{monitor: evccMonitor, maxGridChargeRateW: cfg.MaxGridChargeRateW}
	}
	switch cfg.Type {
	case "fronius_gen24":
		return NewGen24(cfg, false)
	case "fronius_gen24_legacy":
		return NewGen24(cfg, true)
	default:
		return &ShowOnly{
			logger:             slog.Default().With("component", "inverter"),
			maxGridChargeRateW: cfg.MaxGridChargeRateW,
		}
	}
}

// EvccBridge forwards battery directives to EVCC's external battery mode API
// instead of touching the inverter.
type EvccBridge struct {
	monitor            *evcc.Monitor
	maxGridChargeRateW float64
}

func (b *EvccBridge) SetModeForceCharge(chargePowerW float64) error {
	// EVCC decides the charge power itself, the setpoint only selects the mode
	return b.monitor.SetBatteryMode(evcc.BatteryModeForceCharge)
}

func (b *EvccBridge) SetModeAvoidDischarge() error {
	return b.monitor.SetBatteryMode(evcc.BatteryModeAvoidDischarge)
}

func (b *EvccBridge) SetModeAllowDischarge() error {
	return b.monitor.SetBatteryMode(evcc.BatteryModeDischargeAllowed)
}

func (b *EvccBridge) SetMaxPvChargeRateW(rateW float64) {}

func (b *EvccBridge) MaxGridChargeRateW() float64 {
	return b.maxGridChargeRateW
}

func (b *EvccBridge) Shutdown() {
	b.monitor.Shutdown()
}

// ShowOnly logs every directive without acting on it.
type ShowOnly struct {
	logger             *slog.Logger
	maxGridChargeRateW float64
}

func (s *ShowOnly) SetModeForceCharge(chargePowerW float64) error {
	s.logger.Info("Would force charge from grid", "power_w", chargePowerW)
	return nil
}

func (s *ShowOnly) SetModeAvoidDischarge() error {
	s.logger.Info("Would avoid battery discharge")
	return nil
}

func (s *ShowOnly) SetModeAllowDischarge() error {
	s.logger.Info("Would allow battery discharge")
	return nil
}

func (s *ShowOnly) SetMaxPvChargeRateW(rateW float64) {
	s.logger.Info("Would cap the PV charge rate", "rate_w", rateW)
}

func (s *ShowOnly) MaxGridChargeRateW() float64 {
	return s.maxGridChargeRateW
}

func (s *ShowOnly) Shutdown() {}
