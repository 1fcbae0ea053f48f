package battery

import (
	"testing"

	"github.com/cepro/eosconnect/config"
	"github.com/stretchr/testify/assert"
)

func testConfig() config.BatteryConfig {
	return config.BatteryConfig{
		Source:              "default",
		CapacityWh:          10000,
		ChargeEfficiency:    0.9,
		DischargeEfficiency: 0.9,
		MaxChargePowerW:     5000,
		MinSocPct:           5,
		MaxSocPct:           95,
		ChargeCurve:         "smooth",
	}
}

func TestUsableCapacityWh(t *testing.T) {
	tests := []struct {
		name     string
		soc      float64
		expected float64
	}{
		{name: "Half full", soc: 55, expected: 4500},   // (55-5)% of 10kWh at 0.9 efficiency
		{name: "At the minimum", soc: 5, expected: 0},
		{name: "Below the minimum", soc: 2, expected: 0},
		{name: "Full", soc: 100, expected: 8550},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			monitor := New(testConfig())
			monitor.soc = test.soc
			assert.InDelta(t, test.expected, monitor.UsableCapacityWh(), 0.01)
		})
	}
}

func TestMaxChargePowerSmoothCurve(t *testing.T) {
	monitor := New(testConfig())

	tests := []struct {
		name     string
		soc      float64
		expected float64
	}{
		{name: "Empty battery runs at full power", soc: 0, expected: 5000},
		{name: "Half full still at full power", soc: 50, expected: 5000},
		{name: "Derated near full", soc: 90, expected: 2710},
		{name: "Derated to a tenth of capacity at full", soc: 100, expected: 1000},
		{name: "Invalid SoC falls back to the floor", soc: 120, expected: minChargePowerW},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.InDelta(t, test.expected, monitor.maxChargePowerFor(test.soc), 0.01)
		})
	}
}

func TestMaxChargePowerLinearCurve(t *testing.T) {
	cfg := testConfig()
	cfg.ChargeCurve = "linear"
	monitor := New(cfg)

	tests := []struct {
		name     string
		soc      float64
		expected float64
	}{
		{name: "Below the knee", soc: 50, expected: 5000},
		{name: "On the ramp", soc: 80, expected: 5000 * 15 / 35},
		{name: "Above 95 percent", soc: 97, expected: minChargePowerW},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.InDelta(t, test.expected, monitor.maxChargePowerFor(test.soc), 0.01)
		})
	}
}

func TestCrossedThreshold(t *testing.T) {
	monitor := New(testConfig())

	tests := []struct {
		name     string
		previous float64
		current  float64
		expected bool
	}{
		{name: "Crossing the maximum downwards", previous: 96, current: 94, expected: true},
		{name: "Crossing the maximum upwards", previous: 94, current: 96, expected: true},
		{name: "Crossing the minimum", previous: 6, current: 4, expected: true},
		{name: "Moving within the band", previous: 40, current: 60, expected: false},
		{name: "No movement", previous: 50, current: 50, expected: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, monitor.crossedThreshold(test.previous, test.current))
		})
	}
}

func TestStatusSnapshot(t *testing.T) {
	monitor := New(testConfig())
	monitor.soc = 55

	status := monitor.Status()
	assert.Equal(t, 55.0, status.Soc)
	assert.InDelta(t, 4500, status.UsableCapacityWh, 0.01)
	assert.Equal(t, monitor.MaxChargePowerDynW(), status.MaxChargePowerDynW)
	assert.False(t, status.Time.IsZero())
}
