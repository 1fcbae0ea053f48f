// Package eosclient implements the HTTP API onto the EOS optimization solver.
package eosclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cepro/eosconnect/telemetry"
	timeutils "github.com/cepro/eosconnect/time_utils"
)

// Version identifies the EOS API generation, negotiated via the health endpoint.
type Version string

const (
	VersionUnknown Version = "unknown"
	VersionLegacy  Version = "<2025-04-09"
	VersionCurrent Version = ">=2025-04-09"
)

const runtimeWindow = 5 // number of solver runtimes averaged for scheduling

// Client talks to the EOS solver: it posts optimize requests, derives control
// plans from the responses and tracks solver runtime for run scheduling.
type Client struct {
	httpClient      http.Client
	baseURL         string
	location        *time.Location
	maxChargePowerW float64
	logger          *slog.Logger

	mu            sync.Mutex
	version       Version
	plan          telemetry.ControlPlan
	startSolution []float64
	runtimes      []time.Duration
}

func New(baseURL string, timeout time.Duration, location *time.Location, maxChargePowerW float64) *Client {
	return &Client{
		httpClient:      http.Client{Timeout: timeout},
		baseURL:         baseURL,
		location:        location,
		maxChargePowerW: maxChargePowerW,
		logger:          slog.Default().With("component", "eos"),
		version:         VersionUnknown,
	}
}

// Version returns the negotiated EOS API generation, probing the health
// endpoint on first use. Newer servers answer /v1/health with {"status":"alive"}.
func (c *Client) Version() Version {
	c.mu.Lock()
	if c.version != VersionUnknown {
		defer c.mu.Unlock()
		return c.version
	}
	c.mu.Unlock()

	version := c.probeVersion()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.version = version
	return version
}

func (c *Client) probeVersion() Version {
	probe := http.Client{Timeout: 10 * time.Second}
	resp, err := probe.Get(c.baseURL + "/v1/health")
	if err != nil {
		c.logger.Warn("EOS health probe failed, assuming legacy API", "error", err)
		return VersionLegacy
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return VersionLegacy
	}

	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return VersionLegacy
	}
	if health.Status == "alive" {
		c.logger.Info("EOS server supports the current API", "version", VersionCurrent)
		return VersionCurrent
	}
	return VersionLegacy
}

// Optimize posts the given request and returns the parsed response. The
// request runtime is recorded on success for cadence planning. A plan derived
// from the response is stored and served to the control loop.
func (c *Client) Optimize(ctx context.Context, request *OptimizationRequest) (*OptimizationResponse, error) {
	now := time.Now().In(c.location)
	startHour := now.Hour()

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/optimize?start_hour=%d", c.baseURL, startHour)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Info("Requesting optimization", "start_hour", startHour, "timeout", c.httpClient.Timeout)

	started := time.Now()
	response, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post optimize: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", response.StatusCode)
	}

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parsed := &OptimizationResponse{}
	if err := json.Unmarshal(raw, parsed); err != nil {
		return nil, fmt.Errorf("parse body: %w", err)
	}
	parsed.Raw = raw

	runtime := time.Since(started)
	c.recordRuntime(runtime)
	c.logger.Info("Optimization finished", "runtime", runtime.Round(time.Second), "avg_runtime", c.AvgRuntime().Round(time.Second))

	plan := derivePlan(parsed, startHour, c.maxChargePowerW, now)

	c.mu.Lock()
	c.plan = plan
	if len(parsed.StartSolution) > 1 {
		c.startSolution = parsed.StartSolution
	}
	c.mu.Unlock()

	return parsed, nil
}

// Plan returns a copy of the last derived control plan. The entries slice is
// cloned so the control loop never observes a partially updated plan.
func (c *Client) Plan() telemetry.ControlPlan {
	c.mu.Lock()
	defer c.mu.Unlock()

	plan := c.plan
	plan.Entries = append([]telemetry.ControlTuple(nil), c.plan.Entries...)
	return plan
}

// StartSolution returns the retained solution vector used to warm-start the
// next optimization, or nil before the first successful run.
func (c *Client) StartSolution() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.startSolution...)
}

func (c *Client) recordRuntime(runtime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.runtimes = append(c.runtimes, runtime)
	if len(c.runtimes) > runtimeWindow {
		c.runtimes = c.runtimes[len(c.runtimes)-runtimeWindow:]
	}
}

// AvgRuntime is the rolling average runtime over the last few successful calls.
func (c *Client) AvgRuntime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.runtimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, r := range c.runtimes {
		total += r
	}
	return total / time.Duration(len(c.runtimes))
}

// NextRunTime computes when the next optimization should start so that its
// response lands just after the next interval boundary.
func (c *Client) NextRunTime(now time.Time, interval time.Duration) time.Time {
	return timeutils.NextRunTime(now, c.AvgRuntime(), interval)
}
