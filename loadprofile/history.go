package loadprofile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Sample is one historical sensor reading. Its value is held valid until the
// next sample's timestamp.
type Sample struct {
	State float64
	Time  time.Time
}

// HistorySource fetches historical samples for one sensor between two instants.
type HistorySource interface {
	FetchSeries(sensor string, start, end time.Time) ([]Sample, error)
}

const (
	maxAttempts  = 3
	retryBackoff = 2 * time.Second
)

// fetchWithRetry applies the shared bounded-retry policy to a history fetch.
func fetchWithRetry(source HistorySource, logger *slog.Logger, sensor string, start, end time.Time) []Sample {
	var (
		samples []Sample
		err     error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		samples, err = source.FetchSeries(sensor, start, end)
		if err == nil {
			return samples
		}
		if attempt < maxAttempts {
			logger.Warn("History fetch failed, retrying", "sensor", sensor, "attempt", attempt, "error", err)
			time.Sleep(retryBackoff)
		} else {
			logger.Error("History fetch failed", "sensor", sensor, "attempts", maxAttempts, "error", err)
		}
	}
	return nil
}

// openhabSource reads the OpenHAB persistence REST API.
type openhabSource struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

type openhabHistory struct {
	Data []struct {
		Time  int64           `json:"time"` // epoch milliseconds
		State json.RawMessage `json:"state"`
	} `json:"data"`
}

func (s *openhabSource) FetchSeries(sensor string, start, end time.Time) ([]Sample, error) {
	query := url.Values{}
	query.Set("starttime", start.Format(time.RFC3339))
	query.Set("endtime", end.Format(time.RFC3339))
	requestURL := fmt.Sprintf("%s/rest/persistence/items/%s?%s", s.baseURL, sensor, query.Encode())

	response, err := s.httpClient.Get(requestURL)
	if err != nil {
		return nil, fmt.Errorf("get openhab persistence: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", response.StatusCode)
	}

	parsed := openhabHistory{}
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse body: %w", err)
	}

	samples := make([]Sample, 0, len(parsed.Data))
	for _, entry := range parsed.Data {
		value, ok := parseState(entry.State)
		if !ok {
			s.logger.Warn("Skipping invalid sample",
				"sensor", sensor,
				"state", string(entry.State),
				"source_url", fmt.Sprintf("%s/#!/analysis?items=%s", s.baseURL, sensor))
			continue
		}
		samples = append(samples, Sample{State: value, Time: time.UnixMilli(entry.Time)})
	}
	return samples, nil
}

// homeassistantSource reads the Home Assistant history API with a bearer token.
type homeassistantSource struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	logger      *slog.Logger
}

type haHistoryEntry struct {
	State       string    `json:"state"`
	LastUpdated time.Time `json:"last_updated"`
}

func (s *homeassistantSource) FetchSeries(sensor string, start, end time.Time) ([]Sample, error) {
	query := url.Values{}
	query.Set("filter_entity_id", sensor)
	query.Set("end_time", end.Format(time.RFC3339))
	requestURL := fmt.Sprintf("%s/api/history/period/%s?%s", s.baseURL, start.Format(time.RFC3339), query.Encode())

	req, err := http.NewRequest("GET", requestURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Content-Type", "application/json")

	response, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get homeassistant history: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", response.StatusCode)
	}

	var parsed [][]haHistoryEntry
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse body: %w", err)
	}

	var samples []Sample
	for _, series := range parsed {
		for _, entry := range series {
			value, err := strconv.ParseFloat(entry.State, 64)
			if err != nil {
				s.logger.Warn("Skipping invalid sample",
					"sensor", sensor,
					"state", entry.State,
					"source_url", fmt.Sprintf("%s/history?entity_id=%s", s.baseURL, sensor))
				continue
			}
			samples = append(samples, Sample{State: value, Time: entry.LastUpdated})
		}
	}
	return samples, nil
}

func parseState(raw json.RawMessage) (float64, bool) {
	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return number, true
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if value, err := strconv.ParseFloat(str, 64); err == nil {
			return value, true
		}
	}
	return 0, false
}
