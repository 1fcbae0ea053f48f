// Package webserver exposes the coordinator's JSON status surface, the
// override endpoint and the in-memory logs over HTTP.
package webserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cepro/eosconnect/basecontrol"
	"github.com/cepro/eosconnect/battery"
	"github.com/cepro/eosconnect/evcc"
	"github.com/cepro/eosconnect/memlog"
	"github.com/cepro/eosconnect/telemetry"
	timeutils "github.com/cepro/eosconnect/time_utils"
)

const apiVersion = "new"

// portFallbackAttempts is how many adjacent ports are tried when the
// configured one is taken.
const portFallbackAttempts = 5

// StatusSource provides the optimization loop's view for the JSON endpoints.
type StatusSource interface {
	OptimizationStatus() telemetry.OptimizationStatus
	LastRequestJSON() []byte
	LastResponseJSON() []byte
}

// OverrideRequest is the payload of POST /controls/mode_override.
type OverrideRequest struct {
	Mode            int     `json:"mode"`
	Duration        string  `json:"duration"`
	GridChargePower float64 `json:"grid_charge_power"` // kW
}

// Server binds the HTTP surface to the control components.
type Server struct {
	base       *basecontrol.Controller
	batteryMon *battery.Monitor
	evccMon    *evcc.Monitor
	logs       *memlog.Buffer
	status     StatusSource
	onOverride func()
	logger     *slog.Logger

	maxGridChargeRateW float64
	port               int
	httpServer         *http.Server
}

func New(
	base *basecontrol.Controller,
	batteryMon *battery.Monitor,
	evccMon *evcc.Monitor,
	logs *memlog.Buffer,
	status StatusSource,
	maxGridChargeRateW float64,
	onOverride func(),
) *Server {
	s := &Server{
		base:               base,
		batteryMon:         batteryMon,
		evccMon:            evccMon,
		logs:               logs,
		status:             status,
		onOverride:         onOverride,
		logger:             slog.Default().With("component", "web"),
		maxGridChargeRateW: maxGridChargeRateW,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/json/optimize_request.json", s.handleOptimizeRequest)
	mux.HandleFunc("/json/optimize_response.json", s.handleOptimizeResponse)
	mux.HandleFunc("/json/current_controls.json", s.handleCurrentControls)
	mux.HandleFunc("/controls/mode_override", s.handleModeOverride)
	mux.HandleFunc("/logs", s.handleLogs)
	mux.HandleFunc("/logs/alerts", s.handleAlerts)
	mux.HandleFunc("/logs/clear", s.handleClearLogs)
	mux.HandleFunc("/logs/alerts/clear", s.handleClearAlerts)
	mux.HandleFunc("/logs/stats", s.handleLogStats)

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start binds the listener, falling back to adjacent ports when the
// configured one is already taken, and serves in the background.
func (s *Server) Start(port int) error {
	var (
		listener net.Listener
		err      error
	)
	for attempt := 0; attempt < portFallbackAttempts; attempt++ {
		candidate := port + attempt
		listener, err = net.Listen("tcp", fmt.Sprintf(":%d", candidate))
		if err == nil {
			s.port = candidate
			break
		}
		s.logger.Warn("Port is taken, trying the next one", "port", candidate, "error", err)
	}
	if listener == nil {
		return fmt.Errorf("no free port in range %d-%d: %w", port, port+portFallbackAttempts-1, err)
	}

	s.logger.Info("Web interface listening", "port", s.port)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Web server stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// Port returns the port the listener actually bound to.
func (s *Server) Port() int {
	return s.port
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(timeout time.Duration) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Web server shutdown incomplete", "error", err)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (s *Server) handleOptimizeRequest(w http.ResponseWriter, r *http.Request) {
	s.serveDump(w, s.status.LastRequestJSON())
}

func (s *Server) handleOptimizeResponse(w http.ResponseWriter, r *http.Request) {
	s.serveDump(w, s.status.LastResponseJSON())
}

func (s *Server) serveDump(w http.ResponseWriter, dump []byte) {
	if len(dump) == 0 {
		writeError(w, http.StatusNotFound, "no optimization run recorded yet")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(dump)
}

func (s *Server) handleCurrentControls(w http.ResponseWriter, r *http.Request) {
	overrideActive, overrideEnd, _ := s.base.OverrideStatus()
	batteryStatus := s.batteryMon.Status()
	evccSnapshot := s.evccMon.Snapshot()
	optimization := s.status.OptimizationStatus()

	overrideEndValue := ""
	if overrideActive {
		overrideEndValue = overrideEnd.Format(time.RFC3339)
	}

	writeJSON(w, map[string]any{
		"current_states": map[string]any{
			"ac_charge_demand":  s.base.AcChargeDemandW(),
			"dc_charge_demand":  s.base.DcChargeDemandW(),
			"discharge_allowed": s.base.DischargeAllowed(),
			"inverter_mode":     s.base.OverallState().String(),
			"inverter_mode_num": int(s.base.OverallState()),
			"override_active":   overrideActive,
			"override_end_time": overrideEndValue,
		},
		"evcc": map[string]any{
			"charging_state": evccSnapshot.ChargingState,
			"charging_mode":  evccSnapshot.ChargingMode,
		},
		"battery": map[string]any{
			"soc":                  batteryStatus.Soc,
			"usable_capacity":      batteryStatus.UsableCapacityWh,
			"max_charge_power_dyn": batteryStatus.MaxChargePowerDynW,
			"max_grid_charge_rate": s.maxGridChargeRateW,
		},
		"state": map[string]any{
			"request_state":           optimization.RequestState,
			"last_request_timestamp":  timestampOrEmpty(optimization.LastRequestTime),
			"last_response_timestamp": timestampOrEmpty(optimization.LastResponse),
			"next_run":                timestampOrEmpty(optimization.NextRun),
		},
		"timestamp":   time.Now().Format(time.RFC3339),
		"api_version": apiVersion,
	})
}

// handleModeOverride validates and installs a timed override. Invalid input
// is answered with 400 and leaves the control state untouched.
func (s *Server) handleModeOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var request OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
		return
	}

	mode := telemetry.OverallState(request.Mode)
	if mode < telemetry.StateAuto || mode > telemetry.StateDischargeAllowed {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("mode must be between -2 and 2, got %d", request.Mode))
		return
	}

	var duration time.Duration
	if mode != telemetry.StateAuto {
		var err error
		duration, err = timeutils.ParseHourMinute(request.Duration)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid duration: %v", err))
			return
		}
		if duration <= 0 || duration > 12*time.Hour {
			writeError(w, http.StatusBadRequest, "duration must be within 00:01 and 12:00")
			return
		}
	}

	gridChargePowerW := request.GridChargePower * 1000
	if mode == telemetry.StateChargeFromGrid {
		maxKw := s.maxGridChargeRateW / 1000
		if request.GridChargePower < 0.5 || request.GridChargePower > maxKw {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("grid_charge_power must be between 0.5 and %g kW", maxKw))
			return
		}
	}

	override, err := s.base.SetOverride(mode, duration, gridChargePowerW)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.onOverride != nil {
		s.onOverride()
	}

	response := map[string]any{"status": "success", "mode": request.Mode}
	if mode != telemetry.StateAuto {
		response["end_time"] = override.EndTime.Format(time.RFC3339)
	}
	writeJSON(w, response)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	level, limit, since := logQuery(r)
	records := s.logs.Logs(level, limit, since)
	writeJSON(w, map[string]any{"count": len(records), "logs": records})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	level, limit, since := logQuery(r)
	records := s.logs.Alerts(level, limit, since)
	writeJSON(w, map[string]any{"count": len(records), "alerts": records})
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	s.logs.Clear()
	s.logger.Info("Log buffers cleared via web interface")
	writeJSON(w, map[string]any{"status": "cleared"})
}

func (s *Server) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	s.logs.ClearAlerts()
	s.logger.Info("Alert buffer cleared via web interface")
	writeJSON(w, map[string]any{"status": "cleared"})
}

func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logs.Stats())
}

func logQuery(r *http.Request) (level string, limit int, since time.Time) {
	query := r.URL.Query()
	level = strings.ToUpper(query.Get("level"))
	limit = 0
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if raw := query.Get("since"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			since = parsed
		}
	}
	return level, limit, since
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("Encoding a web response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func timestampOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
