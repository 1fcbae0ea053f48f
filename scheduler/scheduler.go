// Package scheduler runs the three cooperating loops: the optimization loop
// that talks to the EOS solver, the one second control loop that applies the
// plan to the inverter and the data loop that polls diagnostics.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cepro/eosconnect/basecontrol"
	"github.com/cepro/eosconnect/battery"
	"github.com/cepro/eosconnect/config"
	"github.com/cepro/eosconnect/eosclient"
	"github.com/cepro/eosconnect/evcc"
	"github.com/cepro/eosconnect/fronius"
	"github.com/cepro/eosconnect/loadprofile"
	"github.com/cepro/eosconnect/mqttbridge"
	"github.com/cepro/eosconnect/price"
	"github.com/cepro/eosconnect/pvforecast"
	"github.com/cepro/eosconnect/telemetry"
	timeutils "github.com/cepro/eosconnect/time_utils"
)

const (
	controlTick  = time.Second
	dataTick     = 15 * time.Second
	heartbeatGap = 5 * time.Minute

	dumpDir = "json"

	defaultOverrideDuration = 2 * time.Hour
)

// Scheduler wires the adapters to the solver and the inverter and owns the
// optimization status shared with the web and MQTT surfaces.
type Scheduler struct {
	cfg      config.Config
	location *time.Location
	logger   *slog.Logger
	now      func() time.Time

	eos        *eosclient.Client
	prices     *price.Provider
	pv         *pvforecast.Provider
	load       *loadprofile.Builder
	batteryMon *battery.Monitor
	evccMon    *evcc.Monitor
	base       *basecontrol.Controller
	inverter   fronius.Controller
	mqtt       *mqttbridge.Bridge

	mu            sync.Mutex
	status        telemetry.OptimizationStatus
	lastRequest   []byte
	lastResponse  []byte
	lastHeartbeat time.Time
}

func New(
	cfg config.Config,
	location *time.Location,
	eos *eosclient.Client,
	prices *price.Provider,
	pv *pvforecast.Provider,
	load *loadprofile.Builder,
	batteryMon *battery.Monitor,
	evccMon *evcc.Monitor,
	base *basecontrol.Controller,
	inverter fronius.Controller,
	mqtt *mqttbridge.Bridge,
) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		location:   location,
		logger:     slog.Default().With("component", "scheduler"),
		now:        time.Now,
		eos:        eos,
		prices:     prices,
		pv:         pv,
		load:       load,
		batteryMon: batteryMon,
		evccMon:    evccMon,
		base:       base,
		inverter:   inverter,
		mqtt:       mqtt,
		status:     telemetry.OptimizationStatus{RequestState: telemetry.RequestIdle},
	}
}

// Run starts the three loops and blocks until the context is cancelled and
// all loops have drained.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){
		s.optimizationLoop,
		s.controlLoop,
		s.dataLoop,
	} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}
	wg.Wait()
}

// OptimizationStatus implements the web server's status source.
func (s *Scheduler) OptimizationStatus() telemetry.OptimizationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastRequestJSON returns the dump of the most recent solver request.
func (s *Scheduler) LastRequestJSON() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRequest
}

// LastResponseJSON returns the dump of the most recent solver response.
func (s *Scheduler) LastResponseJSON() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResponse
}

// optimizationLoop builds a request, posts it and sleeps until the next run,
// in one second slices so shutdown never waits on a long sleep.
func (s *Scheduler) optimizationLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.runOptimization(ctx)

		next := s.eos.NextRunTime(time.Now().In(s.location), s.cfg.RefreshInterval())
		s.mu.Lock()
		s.status.NextRun = next
		s.mu.Unlock()
		s.mqtt.Update(map[string]any{"optimization/next_run": next})

		s.logger.Info("Next optimization run scheduled", "at", next.Format(time.RFC3339))
		for time.Now().Before(next) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (s *Scheduler) runOptimization(ctx context.Context) {
	s.logger.Info("Starting a new optimization run")

	request := s.buildRequest()
	requestDump, err := json.MarshalIndent(request, "", "  ")
	if err != nil {
		s.logger.Error("Encoding the optimize request failed", "error", err)
		return
	}

	s.mu.Lock()
	s.status.RequestState = telemetry.RequestSent
	s.status.LastRequestTime = time.Now()
	s.lastRequest = requestDump
	s.mu.Unlock()
	s.dumpFile("optimize_request.json", requestDump)
	s.mqtt.Update(map[string]any{
		"optimization/state":    string(telemetry.RequestSent),
		"optimization/last_run": time.Now().In(s.location),
	})

	response, err := s.eos.Optimize(ctx, request)
	if err != nil {
		s.logger.Error("Optimization run failed, keeping the previous plan", "error", err)
		s.mu.Lock()
		s.status.RequestState = telemetry.RequestIdle
		s.mu.Unlock()
		s.mqtt.Update(map[string]any{"optimization/state": string(telemetry.RequestIdle)})
		return
	}

	s.mu.Lock()
	s.status.RequestState = telemetry.RequestReceived
	s.status.LastResponse = time.Now()
	s.status.LastAvgRuntime = s.eos.AvgRuntime()
	s.lastResponse = response.Raw
	s.mu.Unlock()
	s.dumpFile("optimize_response.json", response.Raw)
	s.mqtt.Update(map[string]any{"optimization/state": string(telemetry.RequestReceived)})

	// apply the fresh plan immediately instead of waiting for the next tick
	s.applyCurrentPlanEntry()
	s.ChangeControlState()
}

// buildRequest assembles the solver payload from all adapters.
func (s *Scheduler) buildRequest() *eosclient.OptimizationRequest {
	versioned := s.eos.Version() == eosclient.VersionCurrent

	batteryParams := eosclient.BatteryParams{
		CapacityWh:          s.cfg.Battery.CapacityWh,
		ChargingEfficiency:  s.cfg.Battery.ChargeEfficiency,
		DischargeEfficiency: s.cfg.Battery.DischargeEfficiency,
		MaxChargePowerW:     s.cfg.Battery.MaxChargePowerW,
		InitialSocPct:       int(math.Round(s.batteryMon.Soc())),
		MinSocPct:           s.cfg.Battery.MinSocPct,
		MaxSocPct:           s.cfg.Battery.MaxSocPct,
	}
	inverterParams := eosclient.InverterParams{
		MaxPowerWh: s.cfg.Inverter.MaxPvChargeRateW,
	}
	ev := &eosclient.EvParams{
		CapacityWh:          27000,
		ChargingEfficiency:  0.90,
		DischargeEfficiency: 0.95,
		MaxChargePowerW:     7360,
		InitialSocPct:       50,
		MinSocPct:           5,
		MaxSocPct:           100,
	}
	dishwasher := &eosclient.DeferrableLoadParams{
		ConsumptionWh: math.Max(1, s.cfg.Load.AdditionalLoad1Wh),
		DurationH:     math.Max(1, s.cfg.Load.AdditionalLoad1RuntimeH),
	}
	if versioned {
		batteryParams.DeviceID = "battery1"
		inverterParams.DeviceID = "inverter1"
		inverterParams.BatteryID = "battery1"
		ev.DeviceID = "ev1"
		dishwasher.DeviceID = "additional_load_1"
	}

	return &eosclient.OptimizationRequest{
		Ems: eosclient.EmsData{
			PvForecastWh:     s.pv.Forecast(),
			PriceEurPerWh:    s.prices.Prices(),
			FeedInEurPerWh:   s.prices.FeedInPrices(),
			BatteryWearEurWh: s.cfg.Battery.WearCostEurPerWh,
			LoadProfileWh:    s.load.LoadProfile(),
		},
		Battery:             batteryParams,
		Inverter:            inverterParams,
		Ev:                  ev,
		Dishwasher:          dishwasher,
		TemperatureForecast: s.pv.Temperature(),
		StartSolution:       s.eos.StartSolution(),
		Timestamp:           time.Now().In(s.location).Format(time.RFC3339),
	}
}

// controlLoop applies the current plan entry every second.
func (s *Scheduler) controlLoop(ctx context.Context) {
	ticker := time.NewTicker(controlTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.base.Tick()
			s.applyCurrentPlanEntry()
			s.ChangeControlState()
		}
	}
}

// applyCurrentPlanEntry selects the tuple for the current wall-clock hour and
// feeds it into base control. A plan that has not rolled over yet, carries an
// error flag or negative demands is skipped.
func (s *Scheduler) applyCurrentPlanEntry() {
	plan := s.eos.Plan()
	if len(plan.Entries) == 0 {
		return // still in startup
	}

	now := s.now().In(s.location)
	entry, ok := plan.EntryFor(now)
	if !ok {
		s.logger.Warn("No usable plan entry for the current hour, skipping control update", "hour", now.Hour())
		return
	}

	s.base.SetBatterySoc(s.batteryMon.Soc())
	s.base.SetEvccSession(s.evccMon.Charging(), s.evccMon.ChargingMode())
	s.base.SetControlData(entry)

	s.mqtt.Update(map[string]any{
		"control/eos_ac_charge_demand":  entry.AcChargeDemandW,
		"control/eos_dc_charge_demand":  entry.DcChargeDemandW,
		"control/eos_discharge_allowed": entry.DischargeAllowed,
	})
}

// ChangeControlState pushes the resolved overall state to the inverter and
// publishes the control telemetry. It is also the synchronous entry point for
// the event callbacks (SoC thresholds, EVCC changes, override commands).
func (s *Scheduler) ChangeControlState() {
	state := s.base.OverallState()
	overrideActive, overrideEnd, _ := s.base.OverrideStatus()
	batteryStatus := s.batteryMon.Status()

	overrideEndValue := ""
	if overrideActive {
		overrideEndValue = overrideEnd.In(s.location).Format(time.RFC3339)
	}
	s.mqtt.Update(map[string]any{
		"control/overall_state":        int(state),
		"control/override_active":      overrideActive,
		"control/override_end_time":    overrideEndValue,
		"battery/soc":                  batteryStatus.Soc,
		"battery/remaining_energy":     batteryStatus.UsableCapacityWh,
		"battery/dyn_max_charge_power": batteryStatus.MaxChargePowerDynW,
		"status":                       "online",
	})

	maxDyn := math.Round(batteryStatus.MaxChargePowerDynW)
	tgtAc := math.Min(s.base.AcChargeDemandW(), maxDyn)
	tgtDc := math.Min(s.base.DcChargeDemandW(), maxDyn)

	if !s.base.ConsumeChange() {
		s.heartbeat(state)
		return
	}

	var err error
	switch state {
	case telemetry.StateChargeFromGrid:
		err = s.inverter.SetModeForceCharge(tgtAc)
		s.logger.Info("Inverter mode set", "state", state.String(), "power_w", tgtAc)
	case telemetry.StateAvoidDischarge, telemetry.StateAvoidDischargeEvccFast:
		err = s.inverter.SetModeAvoidDischarge()
		s.logger.Info("Inverter mode set", "state", state.String())
	case telemetry.StateDischargeAllowed,
		telemetry.StateDischargeAllowedEvccPv,
		telemetry.StateDischargeAllowedEvccMin:
		s.inverter.SetMaxPvChargeRateW(tgtDc)
		err = s.inverter.SetModeAllowDischarge()
		s.logger.Info("Inverter mode set", "state", state.String(), "pv_cap_w", tgtDc)
	default:
		s.logger.Warn("Inverter mode not initialized yet", "state", state.String())
	}
	if err != nil {
		s.logger.Error("Applying the inverter mode failed", "state", state.String(), "error", err)
	}
}

func (s *Scheduler) heartbeat(state telemetry.OverallState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastHeartbeat) < heartbeatGap {
		return
	}
	s.lastHeartbeat = time.Now()
	s.logger.Info("Overall state unchanged, remaining in current state", "state", state.String())
}

// dataLoop polls inverter diagnostics and publishes them.
func (s *Scheduler) dataLoop(ctx context.Context) {
	source, ok := s.inverter.(fronius.DiagnosticsSource)
	if !ok {
		return
	}

	ticker := time.NewTicker(dataTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			source.RefreshDiagnostics()
			diagnostics := source.Diagnostics()
			if diagnostics.Time.IsZero() {
				continue
			}
			s.mqtt.Update(map[string]any{
				"inverter/special/temperature_inverter":       diagnostics.AmbientTempC,
				"inverter/special/temperature_ac_module":      diagnostics.ModuleTemp1C,
				"inverter/special/temperature_dc_module":      diagnostics.ModuleTemp3C,
				"inverter/special/temperature_battery_module": diagnostics.ModuleTemp4C,
				"inverter/special/fan_control_01":             diagnostics.Fan1ControlPct,
				"inverter/special/fan_control_02":             diagnostics.Fan2ControlPct,
			})
		}
	}
}

// HandleMqttCommand converts an override command from the MQTT bridge into a
// base control override. Empty fields fall back to two hours and zero power.
func (s *Scheduler) HandleMqttCommand(command mqttbridge.Command) {
	mode, err := strconv.Atoi(command.Mode)
	if err != nil {
		s.logger.Error("Override command carries an invalid mode", "mode", command.Mode)
		return
	}

	duration := defaultOverrideDuration
	if command.Duration != "" {
		if parsed, err := timeutils.ParseHourMinute(command.Duration); err == nil && parsed > 0 {
			duration = parsed
		}
	}
	chargePowerW := 0.0
	if command.ChargePower != "" {
		if parsed, err := strconv.ParseFloat(command.ChargePower, 64); err == nil {
			chargePowerW = parsed
		}
	}

	override, err := s.base.SetOverride(telemetry.OverallState(mode), duration, chargePowerW)
	if err != nil {
		s.logger.Error("Override command rejected", "error", err)
		return
	}

	endValue := ""
	if override.Mode != telemetry.StateAuto {
		endValue = override.EndTime.In(s.location).Format(time.RFC3339)
	}
	active, _, _ := s.base.OverrideStatus()
	s.mqtt.Update(map[string]any{
		"control/override_charge_power": chargePowerW,
		"control/override_active":       active,
		"control/override_end_time":     endValue,
	})
	s.logger.Info("Override command accepted", "mode", mode)
	s.ChangeControlState()
}

// OnBatteryThreshold is the SoC threshold crossing callback.
func (s *Scheduler) OnBatteryThreshold(soc float64) {
	s.base.SetBatterySoc(soc)
	s.ChangeControlState()
}

// OnEvccChange is the EVCC charging state change callback.
func (s *Scheduler) OnEvccChange(charging bool) {
	s.base.SetEvccSession(charging, s.evccMon.ChargingMode())
	s.ChangeControlState()
}

// Shutdown releases the inverter and marks the service offline. The battery
// must never stay in a forced mode after the coordinator exits.
func (s *Scheduler) Shutdown() {
	s.inverter.Shutdown()
	s.mqtt.Update(map[string]any{"status": "offline"})
}

func (s *Scheduler) dumpFile(name string, content []byte) {
	if err := os.MkdirAll(dumpDir, 0o755); err != nil {
		s.logger.Debug("Creating the dump directory failed", "error", err)
		return
	}
	path := filepath.Join(dumpDir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		s.logger.Debug("Writing a dump file failed", "file", path, "error", err)
	}
}
