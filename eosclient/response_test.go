package eosclient

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/cepro/eosconnect/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawArray builds a solver response array from literal JSON fragments.
func rawArray(values ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(values))
	for i, v := range values {
		out[i] = json.RawMessage(v)
	}
	return out
}

// constantArray repeats one literal JSON fragment for all 48 hours.
func constantArray(value string) []json.RawMessage {
	out := make([]json.RawMessage, telemetry.PlanHours)
	for i := range out {
		out[i] = json.RawMessage(value)
	}
	return out
}

func TestDerivePlanScalesRelativeFactors(t *testing.T) {
	response := &OptimizationResponse{
		AcCharge:         constantArray("0.5"),
		DcCharge:         constantArray("1"),
		DischargeAllowed: constantArray("true"),
	}

	plan := derivePlan(response, 0, 5000, time.Now())

	require.Len(t, plan.Entries, telemetry.PlanHours)
	for i, entry := range plan.Entries {
		assert.False(t, entry.Error, "entry %d", i)
		assert.Equal(t, i%24, entry.Hour)
		assert.Equal(t, 2500.0, entry.AcChargeDemandW)
		assert.Equal(t, 5000.0, entry.DcChargeDemandW)
		assert.True(t, entry.DischargeAllowed)
	}
}

func TestDerivePlanStartHourOffset(t *testing.T) {
	// arrays are indexed by absolute hour, so a 14:00 run reads index 14 first
	ac := constantArray("0")
	ac[14] = json.RawMessage("0.2")
	ac[15] = json.RawMessage("0.4")

	response := &OptimizationResponse{
		AcCharge:         ac,
		DcCharge:         constantArray("0"),
		DischargeAllowed: constantArray("false"),
	}

	plan := derivePlan(response, 14, 10000, time.Now())

	assert.Equal(t, 14, plan.StartHour)
	assert.Equal(t, 14, plan.Entries[0].Hour)
	assert.Equal(t, 2000.0, plan.Entries[0].AcChargeDemandW)
	assert.Equal(t, 15, plan.Entries[1].Hour)
	assert.Equal(t, 4000.0, plan.Entries[1].AcChargeDemandW)
	assert.Equal(t, 0, plan.Entries[10].Hour) // midnight rollover

	// indexes past the end of the 48 hour arrays cannot be filled
	assert.True(t, plan.Entries[telemetry.PlanHours-1].Error)
}

func TestDerivePlanMarksBadEntries(t *testing.T) {
	tests := []struct {
		name     string
		ac       string
		dc       string
		discharg string
	}{
		{name: "Non-numeric charge factor", ac: `"broken"`, dc: "0", discharg: "true"},
		{name: "Negative charge factor", ac: "-0.1", dc: "0", discharg: "true"},
		{name: "Negative discharge cap", ac: "0", dc: "-1", discharg: "true"},
		{name: "Unparsable discharge flag", ac: "0", dc: "0", discharg: `"yes"`},
		{name: "Null entry", ac: "null", dc: "0", discharg: "true"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ac := constantArray("0")
			dc := constantArray("0")
			discharge := constantArray("true")
			ac[3] = json.RawMessage(test.ac)
			dc[3] = json.RawMessage(test.dc)
			discharge[3] = json.RawMessage(test.discharg)

			plan := derivePlan(&OptimizationResponse{
				AcCharge: ac, DcCharge: dc, DischargeAllowed: discharge,
			}, 0, 5000, time.Now())

			assert.True(t, plan.Entries[3].Error)
			assert.False(t, plan.Entries[2].Error)
			assert.False(t, plan.Entries[4].Error)
		})
	}

	t.Run("Null entries do not poison the null case guard", func(t *testing.T) {
		// a literal null must not decode as 0/false
		_, ok := numberAt(rawArray("null"), 0)
		assert.False(t, ok)
	})
}

func TestBoolAtAcceptsIntegers(t *testing.T) {
	// older solvers emit 0/1 instead of JSON booleans
	arr := rawArray("true", "false", "1", "0", "0.0")

	tests := []struct {
		idx      int
		expected bool
		ok       bool
	}{
		{0, true, true},
		{1, false, true},
		{2, true, true},
		{3, false, true},
		{4, false, true},
		{5, false, false},
		{-1, false, false},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("index %d", test.idx), func(t *testing.T) {
			value, ok := boolAt(arr, test.idx)
			assert.Equal(t, test.ok, ok)
			assert.Equal(t, test.expected, value)
		})
	}
}

func TestResponseDecodeKeepsBadArrayEntries(t *testing.T) {
	// one corrupt array element must not fail the whole response decode
	body := `{"ac_charge": [0.5, "oops", 1.0], "dc_charge": [0, 0, 0], "discharge_allowed": [1, 0, 1], "start_solution": [1, 2, 3]}`

	parsed := &OptimizationResponse{}
	require.NoError(t, json.Unmarshal([]byte(body), parsed))

	_, ok := numberAt(parsed.AcCharge, 0)
	assert.True(t, ok)
	_, ok = numberAt(parsed.AcCharge, 1)
	assert.False(t, ok)
	assert.Equal(t, []float64{1, 2, 3}, parsed.StartSolution)
}
