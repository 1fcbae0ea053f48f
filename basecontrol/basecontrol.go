// Package basecontrol fuses the solver plan, user overrides, the EVCC
// charging session and the battery state into one overall inverter state.
package basecontrol

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cepro/eosconnect/telemetry"
	"github.com/google/uuid"
)

// reassertInterval is how often the current mode is re-applied to the
// inverter even without a transition, so a missed write heals itself.
const reassertInterval = time.Minute

// Controller is the single writer of the overall state. All mutations funnel
// through its mutex, the scheduler's loops and the event callbacks share it.
type Controller struct {
	maxSocPct float64
	logger    *slog.Logger
	now       func() time.Time

	mu               sync.Mutex
	acChargeDemandW  float64
	dcChargeDemandW  float64
	dischargeAllowed bool
	batterySoc       float64
	evccCharging     bool
	evccMode         telemetry.ChargingMode
	override         *telemetry.Override
	planAvailable    bool
	overallState     telemetry.OverallState
	changePending    bool
	lastAssertion    time.Time
}

func New(maxSocPct float64) *Controller {
	return &Controller{
		maxSocPct:        maxSocPct,
		logger:           slog.Default().With("component", "base_control"),
		now:              time.Now,
		dischargeAllowed: true,
		evccMode:         telemetry.ModeOff,
		overallState:     telemetry.StateStartup,
	}
}

// SetControlData feeds one solver tuple into the state machine. The SoC
// safety clamp is applied here: a full battery silently refuses further grid
// charge regardless of what the solver asked for.
func (c *Controller) SetControlData(tuple telemetry.ControlTuple) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ac := tuple.AcChargeDemandW
	if c.batterySoc >= c.maxSocPct && ac > 0 {
		c.logger.Warn("Solver requested grid charge but the battery is full, clamping to 0",
			"requested_w", ac, "soc", c.batterySoc, "max_soc", c.maxSocPct)
		ac = 0
	}

	c.acChargeDemandW = ac
	c.dcChargeDemandW = tuple.DcChargeDemandW
	c.dischargeAllowed = tuple.DischargeAllowed
	c.planAvailable = true
	c.resolveLocked()
}

// SetBatterySoc updates the SoC input and re-applies the safety clamp.
func (c *Controller) SetBatterySoc(soc float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.batterySoc = soc
	if soc >= c.maxSocPct && c.acChargeDemandW > 0 {
		c.logger.Warn("Battery reached the configured maximum, stopping grid charge", "soc", soc)
		c.acChargeDemandW = 0
	}
	c.resolveLocked()
}

// SetEvccSession updates the charging session inputs.
func (c *Controller) SetEvccSession(charging bool, mode telemetry.ChargingMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evccCharging = charging
	c.evccMode = mode
	c.resolveLocked()
}

// SetOverride installs a timed override. Mode AUTO cancels any active
// override and hands control back to the solver.
func (c *Controller) SetOverride(mode telemetry.OverallState, duration time.Duration, gridChargePowerW float64) (telemetry.Override, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if mode == telemetry.StateAuto {
		c.override = nil
		c.logger.Info("Override cancelled, returning to solver control")
		c.resolveLocked()
		return telemetry.Override{Mode: telemetry.StateAuto}, nil
	}
	if mode < telemetry.StateChargeFromGrid || mode > telemetry.StateDischargeAllowed {
		return telemetry.Override{}, fmt.Errorf("invalid override mode %d", mode)
	}
	if duration <= 0 {
		return telemetry.Override{}, fmt.Errorf("override duration must be positive")
	}

	override := telemetry.Override{
		ID:               uuid.New(),
		Mode:             mode,
		EndTime:          c.now().Add(duration),
		GridChargePowerW: gridChargePowerW,
	}
	c.override = &override
	c.logger.Info("Override installed",
		"mode", mode.String(), "until", override.EndTime, "grid_charge_power_w", gridChargePowerW)
	c.resolveLocked()
	return override, nil
}

// OverrideStatus reports whether an override is active and when it ends.
func (c *Controller) OverrideStatus() (bool, time.Time, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.override.Active(c.now()) {
		return false, time.Time{}, 0
	}
	return true, c.override.EndTime, c.override.GridChargePowerW
}

// OverallState returns the current resolved state.
func (c *Controller) OverallState() telemetry.OverallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overallState
}

// AcChargeDemandW returns the effective grid charge demand. An active charge
// override substitutes its own power for the solver's.
func (c *Controller) AcChargeDemandW() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.override.Active(c.now()) && c.override.Mode == telemetry.StateChargeFromGrid {
		return c.override.GridChargePowerW
	}
	return c.acChargeDemandW
}

// DcChargeDemandW returns the solver's PV charge cap.
func (c *Controller) DcChargeDemandW() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dcChargeDemandW
}

// DischargeAllowed returns the solver's discharge flag.
func (c *Controller) DischargeAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dischargeAllowed
}

// ConsumeChange reports whether the inverter must be written now: once after
// every transition and again at every minute boundary as a re-assertion.
// The transition edge is cleared by the call.
func (c *Controller) ConsumeChange() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.changePending {
		c.changePending = false
		c.lastAssertion = now
		return true
	}
	if c.overallState >= telemetry.StateChargeFromGrid && now.Sub(c.lastAssertion) >= reassertInterval {
		c.lastAssertion = now
		return true
	}
	return false
}

// resolveLocked recomputes the overall state. The caller holds the mutex.
// Rules are evaluated in order, the first match wins.
func (c *Controller) resolveLocked() {
	now := c.now()
	if c.override != nil && !c.override.Active(now) {
		c.logger.Info("Override expired, returning to solver control")
		c.override = nil
	}

	state := c.overallState
	switch {
	case c.override.Active(now) && c.override.Mode != telemetry.StateAuto:
		state = c.override.Mode
	case !c.planAvailable:
		state = telemetry.StateStartup
	case c.evccCharging && (c.evccMode == telemetry.ModeNow ||
		c.evccMode == telemetry.ModePvNow || c.evccMode == telemetry.ModeMinPvNow):
		state = telemetry.StateAvoidDischargeEvccFast
	case c.evccCharging && c.evccMode == telemetry.ModePv:
		state = telemetry.StateDischargeAllowedEvccPv
	case c.evccCharging && c.evccMode == telemetry.ModeMinPv:
		state = telemetry.StateDischargeAllowedEvccMin
	case c.acChargeDemandW > 0:
		state = telemetry.StateChargeFromGrid
	case c.dischargeAllowed:
		state = telemetry.StateDischargeAllowed
	default:
		state = telemetry.StateAvoidDischarge
	}

	if state != c.overallState {
		c.logger.Info("Overall state changed",
			"from", c.overallState.String(), "to", state.String())
		c.overallState = state
		c.changePending = true
	}
}

// Tick re-evaluates time-based conditions, currently override expiry.
// The control loop calls it every second.
func (c *Controller) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolveLocked()
}
