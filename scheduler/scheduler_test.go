package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cepro/eosconnect/basecontrol"
	"github.com/cepro/eosconnect/battery"
	"github.com/cepro/eosconnect/config"
	"github.com/cepro/eosconnect/eosclient"
	"github.com/cepro/eosconnect/evcc"
	"github.com/cepro/eosconnect/loadprofile"
	"github.com/cepro/eosconnect/mqttbridge"
	"github.com/cepro/eosconnect/price"
	"github.com/cepro/eosconnect/pvforecast"
	"github.com/cepro/eosconnect/telemetry"
)

type fakeInverter struct {
	calls []string
}

func (f *fakeInverter) SetModeForceCharge(chargePowerW float64) error {
	f.calls = append(f.calls, fmt.Sprintf("force_charge %g", chargePowerW))
	return nil
}

func (f *fakeInverter) SetModeAvoidDischarge() error {
	f.calls = append(f.calls, "avoid_discharge")
	return nil
}

func (f *fakeInverter) SetModeAllowDischarge() error {
	f.calls = append(f.calls, "allow_discharge")
	return nil
}

func (f *fakeInverter) SetMaxPvChargeRateW(rateW float64) {
	f.calls = append(f.calls, fmt.Sprintf("pv_cap %g", rateW))
}

func (f *fakeInverter) MaxGridChargeRateW() float64 { return 10000 }

func (f *fakeInverter) Shutdown() {
	f.calls = append(f.calls, "shutdown")
}

func newTestScheduler(t *testing.T, eosURL string) (*Scheduler, *fakeInverter) {
	t.Helper()

	cfg := config.Config{
		RefreshTimeMins: 3,
		Battery: config.BatteryConfig{
			CapacityWh: 10000, MinSocPct: 5, MaxSocPct: 95,
			MaxChargePowerW: 5000, ChargeCurve: "smooth",
		},
	}

	eos := eosclient.New(eosURL, 5*time.Second, time.UTC, cfg.Battery.MaxChargePowerW)
	inverter := &fakeInverter{}

	sched := New(cfg, time.UTC,
		eos,
		price.New(config.PriceConfig{}, time.UTC),
		pvforecast.New(map[string]config.PvPlantConfig{}, time.UTC),
		loadprofile.New(config.LoadConfig{}, time.UTC),
		battery.New(cfg.Battery),
		evcc.New(config.EvccConfig{}),
		basecontrol.New(cfg.Battery.MaxSocPct),
		inverter,
		mqttbridge.New(config.MqttConfig{}),
	)
	return sched, inverter
}

// solverResponse builds a plan where the charge factor at array index i is
// (i+1)/100, so every hour of the window maps to a distinct demand.
func solverResponse() string {
	ac := make([]string, telemetry.PlanHours)
	dc := make([]string, telemetry.PlanHours)
	discharge := make([]string, telemetry.PlanHours)
	for i := range ac {
		ac[i] = fmt.Sprintf("%g", float64(i+1)/100)
		dc[i] = "1"
		discharge[i] = "0"
	}
	return fmt.Sprintf(`{
		"ac_charge": [%s],
		"dc_charge": [%s],
		"discharge_allowed": [%s]
	}`, strings.Join(ac, ","), strings.Join(dc, ","), strings.Join(discharge, ","))
}

func planServer(body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
}

func TestApplyCurrentPlanEntry(t *testing.T) {
	newPlanned := func(t *testing.T) (*Scheduler, time.Time, int) {
		t.Helper()
		server := planServer(solverResponse())
		t.Cleanup(server.Close)

		sched, _ := newTestScheduler(t, server.URL)
		_, err := sched.eos.Optimize(context.Background(), &eosclient.OptimizationRequest{})
		require.NoError(t, err)

		plan := sched.eos.Plan()
		require.Len(t, plan.Entries, telemetry.PlanHours)
		start := plan.Entries[0].Hour
		anchor := time.Date(2025, 6, 2, start, 30, 0, 0, time.UTC)
		return sched, anchor, start
	}

	t.Run("Entry 0 matches the current hour", func(t *testing.T) {
		sched, anchor, start := newPlanned(t)
		sched.now = func() time.Time { return anchor }

		sched.applyCurrentPlanEntry()

		assert.InDelta(t, float64(start+1)/100*5000, sched.base.AcChargeDemandW(), 0.001)
		assert.InDelta(t, 5000, sched.base.DcChargeDemandW(), 0.001)
		assert.Equal(t, telemetry.StateChargeFromGrid, sched.base.OverallState())
	})

	t.Run("Entry 1 serves an hour the plan has not rolled over to", func(t *testing.T) {
		sched, anchor, start := newPlanned(t)
		sched.now = func() time.Time { return anchor.Add(time.Hour) }

		sched.applyCurrentPlanEntry()

		assert.InDelta(t, float64(start+2)/100*5000, sched.base.AcChargeDemandW(), 0.001)
	})

	t.Run("A stale plan is not applied", func(t *testing.T) {
		sched, anchor, _ := newPlanned(t)
		sched.now = func() time.Time { return anchor.Add(5 * time.Hour) }

		sched.applyCurrentPlanEntry()

		assert.Equal(t, telemetry.StateStartup, sched.base.OverallState())
		assert.Equal(t, 0.0, sched.base.AcChargeDemandW())
	})

	t.Run("No plan before the first solver response", func(t *testing.T) {
		sched, _ := newTestScheduler(t, "http://localhost:1")

		sched.applyCurrentPlanEntry()

		assert.Equal(t, telemetry.StateStartup, sched.base.OverallState())
	})

	t.Run("Erroneous entries are skipped", func(t *testing.T) {
		nulls := make([]string, telemetry.PlanHours)
		for i := range nulls {
			nulls[i] = "null"
		}
		body := fmt.Sprintf(`{
			"ac_charge": [%[1]s],
			"dc_charge": [%[1]s],
			"discharge_allowed": [%[1]s]
		}`, strings.Join(nulls, ","))
		server := planServer(body)
		defer server.Close()

		sched, _ := newTestScheduler(t, server.URL)
		_, err := sched.eos.Optimize(context.Background(), &eosclient.OptimizationRequest{})
		require.NoError(t, err)

		sched.applyCurrentPlanEntry()

		assert.Equal(t, telemetry.StateStartup, sched.base.OverallState())
	})
}

func TestChangeControlStateWriteSequence(t *testing.T) {
	t.Run("Startup writes nothing", func(t *testing.T) {
		sched, inverter := newTestScheduler(t, "http://localhost:1")

		sched.ChangeControlState()
		assert.Empty(t, inverter.calls)
	})

	t.Run("Force charge", func(t *testing.T) {
		sched, inverter := newTestScheduler(t, "http://localhost:1")
		sched.base.SetBatterySoc(50)
		sched.base.SetControlData(telemetry.ControlTuple{Hour: 10, AcChargeDemandW: 3000})

		sched.ChangeControlState()
		assert.Equal(t, []string{"force_charge 3000"}, inverter.calls)
	})

	t.Run("Avoid discharge", func(t *testing.T) {
		sched, inverter := newTestScheduler(t, "http://localhost:1")
		sched.base.SetControlData(telemetry.ControlTuple{Hour: 10})

		sched.ChangeControlState()
		assert.Equal(t, []string{"avoid_discharge"}, inverter.calls)
	})

	t.Run("Allow discharge caps PV charge first", func(t *testing.T) {
		sched, inverter := newTestScheduler(t, "http://localhost:1")
		sched.base.SetControlData(telemetry.ControlTuple{
			Hour: 10, DcChargeDemandW: 3000, DischargeAllowed: true,
		})

		sched.ChangeControlState()
		require.Equal(t, []string{"pv_cap 3000", "allow_discharge"}, inverter.calls)

		// the transition edge is consumed, the next tick does not rewrite
		sched.ChangeControlState()
		assert.Len(t, inverter.calls, 2)
	})
}

func TestHandleMqttCommand(t *testing.T) {
	t.Run("Charge override with default duration", func(t *testing.T) {
		sched, inverter := newTestScheduler(t, "http://localhost:1")

		sched.HandleMqttCommand(mqttbridge.Command{Mode: "0", ChargePower: "3000"})

		active, end, power := sched.base.OverrideStatus()
		require.True(t, active)
		assert.Equal(t, 3000.0, power)
		assert.WithinDuration(t, time.Now().Add(defaultOverrideDuration), end, time.Minute)
		assert.Equal(t, []string{"force_charge 3000"}, inverter.calls)
	})

	t.Run("Explicit duration", func(t *testing.T) {
		sched, _ := newTestScheduler(t, "http://localhost:1")

		sched.HandleMqttCommand(mqttbridge.Command{Mode: "1", Duration: "00:30"})

		active, end, _ := sched.base.OverrideStatus()
		require.True(t, active)
		assert.WithinDuration(t, time.Now().Add(30*time.Minute), end, time.Minute)
	})

	t.Run("Invalid mode is rejected", func(t *testing.T) {
		sched, inverter := newTestScheduler(t, "http://localhost:1")

		sched.HandleMqttCommand(mqttbridge.Command{Mode: "banana"})

		active, _, _ := sched.base.OverrideStatus()
		assert.False(t, active)
		assert.Empty(t, inverter.calls)
	})
}

func TestRunStopsWhenCancelled(t *testing.T) {
	// keep the solver dump files out of the repo tree
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })

	sched, _ := newTestScheduler(t, "http://localhost:1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler loops did not stop after cancellation")
	}
}

func TestShutdownReleasesInverter(t *testing.T) {
	sched, inverter := newTestScheduler(t, "http://localhost:1")

	sched.Shutdown()
	assert.Equal(t, []string{"shutdown"}, inverter.calls)
}
