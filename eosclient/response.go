package eosclient

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/cepro/eosconnect/telemetry"
)

// OptimizationResponse is the solver's answer. The three control arrays are
// kept as raw JSON so that a single bad entry marks only that hour as
// erroneous instead of failing the whole decode.
type OptimizationResponse struct {
	AcCharge         []json.RawMessage `json:"ac_charge"`
	DcCharge         []json.RawMessage `json:"dc_charge"`
	DischargeAllowed []json.RawMessage `json:"discharge_allowed"`
	StartSolution    []float64         `json:"start_solution"`
	WashingStart     *int              `json:"washingstart"`

	// Raw holds the complete response body for the debug dump endpoints.
	Raw json.RawMessage `json:"-"`
}

// derivePlan converts the response arrays into a 48 entry control plan.
// The solver arrays are indexed by absolute hour across today and tomorrow, so
// plan entry i reads array index startHour+i. The relative charge factors are
// scaled to watts with the battery's configured maximum charge power.
func derivePlan(resp *OptimizationResponse, startHour int, maxChargePowerW float64, now time.Time) telemetry.ControlPlan {
	plan := telemetry.ControlPlan{
		StartHour: startHour,
		Created:   now,
		Entries:   make([]telemetry.ControlTuple, telemetry.PlanHours),
	}

	for i := range plan.Entries {
		entry := &plan.Entries[i]
		entry.Hour = (startHour + i) % 24

		idx := startHour + i

		acFactor, acOK := numberAt(resp.AcCharge, idx)
		dcFactor, dcOK := numberAt(resp.DcCharge, idx)
		allowed, daOK := boolAt(resp.DischargeAllowed, idx)

		if !acOK || !dcOK || !daOK || acFactor < 0 || dcFactor < 0 {
			entry.Error = true
			continue
		}

		entry.AcChargeDemandW = acFactor * maxChargePowerW
		entry.DcChargeDemandW = dcFactor * maxChargePowerW
		entry.DischargeAllowed = allowed
	}

	return plan
}

func numberAt(arr []json.RawMessage, idx int) (float64, bool) {
	if idx < 0 || idx >= len(arr) || isNull(arr[idx]) {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(arr[idx], &v); err != nil {
		return 0, false
	}
	return v, true
}

// isNull guards against JSON null, which unmarshals into numbers and booleans
// without an error.
func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// boolAt accepts both JSON booleans and the 0/1 integers older solvers emit.
func boolAt(arr []json.RawMessage, idx int) (bool, bool) {
	if idx < 0 || idx >= len(arr) || isNull(arr[idx]) {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(arr[idx], &b); err == nil {
		return b, true
	}
	var v float64
	if err := json.Unmarshal(arr[idx], &v); err == nil {
		return v != 0, true
	}
	return false, false
}
