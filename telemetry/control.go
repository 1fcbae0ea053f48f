package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// PlanHours is the length of every control plan and forecast vector.
const PlanHours = 48

// ControlTuple is one hour of the solver's plan.
type ControlTuple struct {
	Hour             int     // wall-clock hour (0-23) this entry applies to
	AcChargeDemandW  float64 // power allowed from grid into the battery
	DcChargeDemandW  float64 // cap for PV charging / discharge feed
	DischargeAllowed bool
	Error            bool // set when the solver entry was missing, non-numeric or negative
}

// ControlPlan is the 48 hour control schedule derived from one solver response.
type ControlPlan struct {
	StartHour int // local wall-clock hour the plan was produced for
	Created   time.Time
	Entries   []ControlTuple
}

// EntryFor returns the tuple that applies at time t. Entry 0 is used when its
// hour matches the current wall-clock hour, entry 1 when the plan has not
// rolled over yet. Returns false when neither matches or the entry is unusable.
func (p ControlPlan) EntryFor(t time.Time) (ControlTuple, bool) {
	if len(p.Entries) == 0 {
		return ControlTuple{}, false
	}
	hour := t.Hour()
	for _, i := range []int{0, 1} {
		if i >= len(p.Entries) {
			break
		}
		entry := p.Entries[i]
		if entry.Hour != hour {
			continue
		}
		if entry.Error || entry.AcChargeDemandW < 0 || entry.DcChargeDemandW < 0 {
			return ControlTuple{}, false
		}
		return entry, true
	}
	return ControlTuple{}, false
}

// OverallState is the single output of the base control state machine.
type OverallState int

const (
	StateAuto                     OverallState = -2
	StateStartup                  OverallState = -1
	StateChargeFromGrid           OverallState = 0
	StateAvoidDischarge           OverallState = 1
	StateDischargeAllowed         OverallState = 2
	StateAvoidDischargeEvccFast   OverallState = 3
	StateDischargeAllowedEvccPv   OverallState = 4
	StateDischargeAllowedEvccMin  OverallState = 5
)

func (s OverallState) String() string {
	switch s {
	case StateAuto:
		return "AUTO"
	case StateStartup:
		return "STARTUP"
	case StateChargeFromGrid:
		return "CHARGE FROM GRID"
	case StateAvoidDischarge:
		return "AVOID DISCHARGE"
	case StateDischargeAllowed:
		return "DISCHARGE ALLOWED"
	case StateAvoidDischargeEvccFast:
		return "AVOID DISCHARGE EVCC FAST"
	case StateDischargeAllowedEvccPv:
		return "DISCHARGE ALLOWED EVCC PV"
	case StateDischargeAllowedEvccMin:
		return "DISCHARGE ALLOWED EVCC MIN+PV"
	default:
		return "UNKNOWN"
	}
}

// Override is a timed user request that forces the overall state.
type Override struct {
	ID               uuid.UUID
	Mode             OverallState
	EndTime          time.Time
	GridChargePowerW float64
}

// Active reports whether the override still applies at time t.
func (o *Override) Active(t time.Time) bool {
	if o == nil {
		return false
	}
	return t.Before(o.EndTime)
}
