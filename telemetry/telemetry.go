package telemetry

import (
	"time"
)

// BatteryStatus holds the latest known state of the home battery.
type BatteryStatus struct {
	Time               time.Time
	Soc                float64 // state of charge in percent
	UsableCapacityWh   float64 // energy above the minimum SoC, corrected for discharge efficiency
	MaxChargePowerDynW float64 // charge power cap derated for the current SoC
}

// EvccSnapshot summarises the EVCC charging session across all loadpoints.
type EvccSnapshot struct {
	Time          time.Time
	ChargingState ChargingState
	ChargingMode  ChargingMode
}

// ChargingState describes whether a vehicle is connected and drawing power.
type ChargingState string

const (
	ChargingIdle     ChargingState = "idle"
	ChargingActive   ChargingState = "charging"
	ChargingComplete ChargingState = "complete"
)

// ChargingMode is the EVCC charging mode of the most relevant loadpoint.
// The "+now" forms are synthesised when EVCC reports a smart-cost slot as active.
type ChargingMode string

const (
	ModeOff      ChargingMode = "off"
	ModePv       ChargingMode = "pv"
	ModeMinPv    ChargingMode = "minpv"
	ModePvNow    ChargingMode = "pv+now"
	ModeMinPvNow ChargingMode = "minpv+now"
	ModeNow      ChargingMode = "now"
)

// InverterDiagnostics holds monitoring data polled from the inverter.
type InverterDiagnostics struct {
	Time            time.Time
	AmbientTempC    float64
	ModuleTemp1C    float64
	ModuleTemp3C    float64
	ModuleTemp4C    float64
	Fan1ControlPct  float64
	Fan2ControlPct  float64
}

// OptimizationStatus tracks the optimization loop's progress for the web and MQTT surfaces.
type OptimizationStatus struct {
	RequestState    RequestState
	LastRequestTime time.Time
	LastResponse    time.Time
	NextRun         time.Time
	LastAvgRuntime  time.Duration
}

// RequestState is the phase of the current optimization cycle.
type RequestState string

const (
	RequestIdle     RequestState = "idle"
	RequestSent     RequestState = "request sent"
	RequestReceived RequestState = "response received"
)
