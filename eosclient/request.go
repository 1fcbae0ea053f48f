package eosclient

// The optimize request mirrors the EOS JSON schema, which uses German field
// names for the energy management block.

// EmsData is the forecast block of the optimize request. All vectors cover 48
// hours starting at today's midnight.
type EmsData struct {
	PvForecastWh     []float64 `json:"pv_prognose_wh"`
	PriceEurPerWh    []float64 `json:"strompreis_euro_pro_wh"`
	FeedInEurPerWh   []float64 `json:"einspeiseverguetung_euro_pro_wh"`
	BatteryWearEurWh float64   `json:"preis_euro_pro_wh_akku"`
	LoadProfileWh    []float64 `json:"gesamtlast"`
}

// BatteryParams describes the home battery to the solver.
type BatteryParams struct {
	DeviceID            string  `json:"device_id,omitempty"`
	CapacityWh          float64 `json:"capacity_wh"`
	ChargingEfficiency  float64 `json:"charging_efficiency"`
	DischargeEfficiency float64 `json:"discharging_efficiency"`
	MaxChargePowerW     float64 `json:"max_charge_power_w"`
	InitialSocPct       int     `json:"initial_soc_percentage"`
	MinSocPct           float64 `json:"min_soc_percentage"`
	MaxSocPct           float64 `json:"max_soc_percentage"`
}

// InverterParams describes the hybrid inverter to the solver.
type InverterParams struct {
	DeviceID   string  `json:"device_id,omitempty"`
	MaxPowerWh float64 `json:"max_power_wh"`
	BatteryID  string  `json:"battery_id,omitempty"`
}

// EvParams describes the electric vehicle battery to the solver.
type EvParams struct {
	DeviceID            string  `json:"device_id,omitempty"`
	CapacityWh          float64 `json:"capacity_wh"`
	ChargingEfficiency  float64 `json:"charging_efficiency"`
	DischargeEfficiency float64 `json:"discharging_efficiency"`
	MaxChargePowerW     float64 `json:"max_charge_power_w"`
	InitialSocPct       int     `json:"initial_soc_percentage"`
	MinSocPct           float64 `json:"min_soc_percentage"`
	MaxSocPct           float64 `json:"max_soc_percentage"`
}

// DeferrableLoadParams describes a schedulable appliance run.
type DeferrableLoadParams struct {
	DeviceID      string  `json:"device_id,omitempty"`
	ConsumptionWh float64 `json:"consumption_wh"`
	DurationH     float64 `json:"duration_h"`
}

// OptimizationRequest is the full optimize POST body.
type OptimizationRequest struct {
	Ems                 EmsData               `json:"ems"`
	Battery             BatteryParams         `json:"pv_akku"`
	Inverter            InverterParams        `json:"inverter"`
	Ev                  *EvParams             `json:"eauto,omitempty"`
	Dishwasher          *DeferrableLoadParams `json:"dishwasher,omitempty"`
	TemperatureForecast []float64             `json:"temperature_forecast"`
	StartSolution       []float64             `json:"start_solution,omitempty"`
	Timestamp           string                `json:"timestamp,omitempty"`
}
