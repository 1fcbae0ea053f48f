package fronius

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cepro/eosconnect/config"
	"github.com/cepro/eosconnect/telemetry"
)

const (
	// the Gen24 refuses grid charge setpoints above this regardless of model
	absoluteGridChargeCapW = 10000

	backupFilename = "timeofuse_backup.json"

	maxAttempts = 3
)

// Gen24 drives a Fronius Gen24 inverter through its web API. Battery control
// is expressed as time of use rules covering the whole week, the previous
// rule set is backed up before the first write and restored on shutdown.
type Gen24 struct {
	cfg        config.InverterConfig
	httpClient http.Client
	logger     *slog.Logger
	auth       digestAuth
	apiBase    string // "/api" on firmware 1.36.5-1+, "" before

	mu                 sync.Mutex
	maxPvChargeRateW   float64
	maxGridChargeRateW float64
	backupDone         bool
	diagnostics        telemetry.InverterDiagnostics
}

// NewGen24 connects to the inverter and probes which API base the firmware
// serves. The legacy flag pins MD5 digest auth for pre-SHA256 firmware.
func NewGen24(cfg config.InverterConfig, legacy bool) *Gen24 {
	g := &Gen24{
		cfg:        cfg,
		httpClient: http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default().With("component", "inverter"),
		auth: digestAuth{
			user:     strings.ToLower(cfg.User),
			password: cfg.Password,
		},
		maxPvChargeRateW:   cfg.MaxPvChargeRateW,
		maxGridChargeRateW: cfg.MaxGridChargeRateW,
	}
	if legacy {
		g.auth.algorithm = "MD5"
	}
	g.apiBase = g.detectApiBase()
	return g
}

// detectApiBase probes both known config endpoints. A 401 means the endpoint
// exists and merely wants credentials.
func (g *Gen24) detectApiBase() string {
	for _, base := range []string{"/api", ""} {
		response, err := g.httpClient.Get(fmt.Sprintf("http://%s%s/config/timeofuse", g.cfg.Address, base))
		if err != nil {
			continue
		}
		response.Body.Close()
		if response.StatusCode == http.StatusUnauthorized {
			g.logger.Info("Detected inverter API base", "base", base+"/config")
			return base
		}
	}
	g.logger.Warn("Could not detect the inverter firmware version, assuming /api base")
	return "/api"
}

type touWeekdays struct {
	Mon bool `json:"Mon"`
	Tue bool `json:"Tue"`
	Wed bool `json:"Wed"`
	Thu bool `json:"Thu"`
	Fri bool `json:"Fri"`
	Sat bool `json:"Sat"`
	Sun bool `json:"Sun"`
}

type touTimeTable struct {
	Start string `json:"Start"`
	End   string `json:"End"`
}

// touRule is one time of use entry in the inverter's battery configuration.
type touRule struct {
	Active       bool         `json:"Active"`
	Power        int          `json:"Power"`
	ScheduleType string       `json:"ScheduleType"`
	TimeTable    touTimeTable `json:"TimeTable"`
	Weekdays     touWeekdays  `json:"Weekdays"`
}

func allWeekRule(scheduleType string, powerW float64) touRule {
	return touRule{
		Active:       true,
		Power:        int(powerW),
		ScheduleType: scheduleType,
		TimeTable:    touTimeTable{Start: "00:00", End: "23:59"},
		Weekdays:     touWeekdays{Mon: true, Tue: true, Wed: true, Thu: true, Fri: true, Sat: true, Sun: true},
	}
}

// SetModeForceCharge writes a minimum charge rule so the battery charges from
// the grid with the requested power.
func (g *Gen24) SetModeForceCharge(chargePowerW float64) error {
	limit := math.Min(g.MaxGridChargeRateW(), absoluteGridChargeCapW)
	if chargePowerW > limit {
		g.logger.Warn("Grid charge power limited", "requested_w", chargePowerW, "limit_w", limit)
		chargePowerW = limit
	}
	g.logger.Info("Setting force charge mode", "power_w", chargePowerW)
	return g.writeTimeofuse([]touRule{allWeekRule("CHARGE_MIN", chargePowerW)})
}

// SetModeAvoidDischarge blocks discharging while still allowing PV charge.
func (g *Gen24) SetModeAvoidDischarge() error {
	g.logger.Info("Setting avoid discharge mode")
	rules := []touRule{allWeekRule("DISCHARGE_MAX", 0)}
	if rate := g.maxPvChargeRate(); rate > 0 {
		rules = append(rules, allWeekRule("CHARGE_MAX", rate))
	}
	return g.writeTimeofuse(rules)
}

// SetModeAllowDischarge restores normal operation, capped at the current
// maximum PV charge rate.
func (g *Gen24) SetModeAllowDischarge() error {
	g.logger.Info("Setting allow discharge mode")
	var rules []touRule
	if rate := g.maxPvChargeRate(); rate > 0 {
		rules = append(rules, allWeekRule("CHARGE_MAX", rate))
	}
	return g.writeTimeofuse(rules)
}

// SetMaxPvChargeRateW adjusts the PV charge cap used by the discharge modes.
func (g *Gen24) SetMaxPvChargeRateW(rateW float64) {
	if rateW < 0 {
		g.logger.Warn("Ignoring negative max PV charge rate", "rate_w", rateW)
		return
	}
	g.mu.Lock()
	g.maxPvChargeRateW = rateW
	g.mu.Unlock()
}

func (g *Gen24) maxPvChargeRate() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxPvChargeRateW
}

// MaxGridChargeRateW returns the configured grid charge power cap.
func (g *Gen24) MaxGridChargeRateW() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxGridChargeRateW
}

// Mode derives the active battery mode from the current rule set.
func (g *Gen24) Mode() string {
	rules, err := g.readTimeofuse()
	if err != nil {
		g.logger.Error("Reading the time of use configuration failed", "error", err)
		return "unknown"
	}

	var hasChargeMin, hasDischargeBlock, hasChargeMax bool
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		switch {
		case rule.ScheduleType == "CHARGE_MIN":
			hasChargeMin = true
		case rule.ScheduleType == "DISCHARGE_MAX" && rule.Power == 0:
			hasDischargeBlock = true
		case rule.ScheduleType == "CHARGE_MAX":
			hasChargeMax = true
		}
	}
	switch {
	case hasChargeMin:
		return "charge"
	case hasDischargeBlock:
		return "hold"
	case hasChargeMax || len(rules) == 0:
		return "normal"
	}
	return "unknown"
}

// StorageData is the battery state reported by the unauthenticated solar API.
type StorageData struct {
	SocPct          float64
	CapacityWh      float64
	ChargePowerW    float64
	DischargePowerW float64
}

// Storage reads the realtime storage data from the legacy solar API, which
// needs no authentication on any firmware.
func (g *Gen24) Storage() (StorageData, error) {
	url := fmt.Sprintf("http://%s/solar_api/v1/GetStorageRealtimeData.cgi", g.cfg.Address)
	response, err := g.httpClient.Get(url)
	if err != nil {
		return StorageData{}, fmt.Errorf("get storage data: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return StorageData{}, fmt.Errorf("unexpected status code: %d", response.StatusCode)
	}

	var parsed struct {
		Body struct {
			Data map[string]struct {
				Controller struct {
					DesignedCapacity     float64 `json:"DesignedCapacity"`
					StateOfChargeRelativ float64 `json:"StateOfCharge_Relative"`
					PowerRealP           float64 `json:"PowerReal_P"`
				} `json:"Controller"`
			} `json:"Data"`
		} `json:"Body"`
	}
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return StorageData{}, fmt.Errorf("parse body: %w", err)
	}

	for _, device := range parsed.Body.Data {
		data := StorageData{
			SocPct:     device.Controller.StateOfChargeRelativ,
			CapacityWh: device.Controller.DesignedCapacity,
		}
		if power := device.Controller.PowerRealP; power >= 0 {
			data.ChargePowerW = power
		} else {
			data.DischargePowerW = -power
		}
		return data, nil
	}
	return StorageData{}, fmt.Errorf("no storage devices in response")
}

// RefreshDiagnostics polls the inverter monitoring channels. Firmware without
// the endpoint leaves the previous values in place.
func (g *Gen24) RefreshDiagnostics() {
	response, err := g.authenticatedRequest("GET", "/components/inverter/readable", nil)
	if err != nil {
		g.logger.Debug("Inverter monitoring unavailable", "error", err)
		return
	}
	if response.StatusCode == http.StatusNotFound {
		g.logger.Debug("Inverter monitoring not supported by this firmware")
		return
	}
	if response.StatusCode != http.StatusOK {
		g.logger.Debug("Inverter monitoring request failed", "status", response.StatusCode)
		return
	}

	var parsed struct {
		Body struct {
			Data map[string]struct {
				Channels map[string]float64 `json:"channels"`
			} `json:"Data"`
		} `json:"Body"`
	}
	if err := json.Unmarshal(response.body, &parsed); err != nil {
		g.logger.Debug("Parsing inverter monitoring data failed", "error", err)
		return
	}
	device, ok := parsed.Body.Data["0"]
	if !ok {
		return
	}

	round2 := func(v float64) float64 { return math.Round(v*100) / 100 }
	diagnostics := telemetry.InverterDiagnostics{
		Time:           time.Now(),
		AmbientTempC:   round2(device.Channels["DEVICE_TEMPERATURE_AMBIENTMEAN_01_F32"]),
		ModuleTemp1C:   round2(device.Channels["MODULE_TEMPERATURE_MEAN_01_F32"]),
		ModuleTemp3C:   round2(device.Channels["MODULE_TEMPERATURE_MEAN_03_F32"]),
		ModuleTemp4C:   round2(device.Channels["MODULE_TEMPERATURE_MEAN_04_F32"]),
		Fan1ControlPct: round2(device.Channels["FANCONTROL_PERCENT_01_F32"]),
		Fan2ControlPct: round2(device.Channels["FANCONTROL_PERCENT_02_F32"]),
	}

	g.mu.Lock()
	g.diagnostics = diagnostics
	g.mu.Unlock()
}

// Diagnostics returns the last polled monitoring values.
func (g *Gen24) Diagnostics() telemetry.InverterDiagnostics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.diagnostics
}

// Shutdown restores the rule set that was active before the first write.
func (g *Gen24) Shutdown() {
	g.logger.Info("Reverting battery configuration changes")
	if err := g.restoreBackup(); err != nil {
		g.logger.Error("Restoring the time of use backup failed", "error", err)
	}
}

// backupCurrentConfig saves the active rule set once, before it is first
// overwritten.
func (g *Gen24) backupCurrentConfig() {
	g.mu.Lock()
	done := g.backupDone
	g.backupDone = true
	g.mu.Unlock()
	if done {
		return
	}

	rules, err := g.readTimeofuse()
	if err != nil {
		g.logger.Warn("Reading the time of use configuration for backup failed", "error", err)
		return
	}
	content, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		g.logger.Warn("Encoding the time of use backup failed", "error", err)
		return
	}
	if err := os.WriteFile(backupFilename, content, 0o644); err != nil {
		g.logger.Warn("Writing the time of use backup failed", "error", err)
		return
	}
	g.logger.Info("Battery configuration backed up", "file", backupFilename)
}

func (g *Gen24) restoreBackup() error {
	content, err := os.ReadFile(backupFilename)
	if os.IsNotExist(err) {
		g.logger.Info("No time of use backup to restore")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read backup file: %w", err)
	}

	var rules []touRule
	if err := json.Unmarshal(content, &rules); err != nil {
		return fmt.Errorf("parse backup file: %w", err)
	}
	if err := g.writeTimeofuse(rules); err != nil {
		return err
	}
	if err := os.Remove(backupFilename); err != nil {
		g.logger.Warn("Could not remove the time of use backup file", "error", err)
	}
	return nil
}

func (g *Gen24) readTimeofuse() ([]touRule, error) {
	response, err := g.authenticatedRequest("GET", "/config/timeofuse", nil)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", response.StatusCode)
	}

	var parsed struct {
		Timeofuse []touRule `json:"timeofuse"`
	}
	if err := json.Unmarshal(response.body, &parsed); err != nil {
		return nil, fmt.Errorf("parse body: %w", err)
	}
	return parsed.Timeofuse, nil
}

func (g *Gen24) writeTimeofuse(rules []touRule) error {
	g.backupCurrentConfig()

	if rules == nil {
		rules = []touRule{}
	}
	payload, err := json.Marshal(map[string][]touRule{"timeofuse": rules})
	if err != nil {
		return fmt.Errorf("encode timeofuse payload: %w", err)
	}

	response, err := g.authenticatedRequest("POST", "/config/timeofuse", payload)
	if err != nil {
		return err
	}
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", response.StatusCode)
	}

	var parsed struct {
		WriteSuccess []string `json:"writeSuccess"`
	}
	if err := json.Unmarshal(response.body, &parsed); err != nil {
		return fmt.Errorf("parse body: %w", err)
	}
	for _, key := range parsed.WriteSuccess {
		if key == "timeofuse" {
			g.logger.Debug("Time of use configuration updated", "rules", len(rules))
			return nil
		}
	}
	return fmt.Errorf("inverter did not confirm the timeofuse write")
}

// authenticatedRequest runs the digest handshake: an unauthenticated attempt
// collects the challenge, the authorized retry carries the computed header.
// A 401 on a SHA-256 authorized request falls back to MD5 for installations
// whose password predates the firmware's hash change.
func (g *Gen24) authenticatedRequest(method, endpoint string, payload []byte) (rawResponse, error) {
	path := g.apiBase + endpoint
	url := fmt.Sprintf("http://%s%s", g.cfg.Address, path)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		response, err := g.do(method, url, "", payload)
		if err != nil {
			lastErr = err
			continue
		}
		if response.StatusCode != http.StatusUnauthorized {
			return response, nil
		}

		ch, err := parseChallenge(response.header)
		if err != nil {
			lastErr = err
			continue
		}
		authorized, err := g.do(method, url, g.auth.authorization(method, path, ch), payload)
		if err != nil {
			lastErr = err
			continue
		}
		if authorized.StatusCode != http.StatusUnauthorized {
			return authorized, nil
		}
		if g.auth.algorithm == "" && (ch.algorithm == "SHA256" || ch.algorithm == "SHA-256") {
			g.logger.Info("SHA-256 digest auth rejected, falling back to MD5")
			g.auth.algorithm = "MD5"
			continue
		}
		return rawResponse{}, fmt.Errorf(
			"authentication rejected, a firmware update may require resetting the %q password in the web UI", g.auth.user)
	}
	return rawResponse{}, fmt.Errorf("request to %s failed after %d attempts: %w", endpoint, maxAttempts, lastErr)
}

type rawResponse struct {
	StatusCode int
	header     http.Header
	body       []byte
}

func (g *Gen24) do(method, url, authorization string, payload []byte) (rawResponse, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return rawResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	response, err := g.httpClient.Do(req)
	if err != nil {
		return rawResponse{}, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer response.Body.Close()

	content, err := io.ReadAll(response.Body)
	if err != nil {
		return rawResponse{}, fmt.Errorf("read response body: %w", err)
	}
	return rawResponse{StatusCode: response.StatusCode, header: response.Header, body: content}, nil
}
